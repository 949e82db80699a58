package plugins

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andrei-cloud/procmacro/internal/metrics"
	"github.com/andrei-cloud/procmacro/internal/packages"
	"github.com/andrei-cloud/procmacro/pkg/abi"
	"github.com/andrei-cloud/procmacro/pkg/macro"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Instance is one loaded procedural macro plugin.
//
// It owns the module handle and the entry points resolved from it and releases
// them together in Close. Calls are serialized: at most one foreign call is in
// flight per instance.
type Instance struct {
	packageID packages.PackageID
	path      string
	module    Module
	space     moduleSpace
	vtable    *VTableV0
	metrics   *metrics.Metrics

	mu     sync.Mutex
	closed bool
}

// Option configures an Instance.
type Option func(*Instance)

// WithMetrics records entry-point calls in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Instance) {
		i.metrics = m
	}
}

// Load opens the module at path and resolves its protocol v0 entry points.
// It is the only constructor of Instance. Failures are never retried.
func Load(
	ctx context.Context,
	loader Loader,
	pkg packages.PackageID,
	path string,
	opts ...Option,
) (*Instance, error) {
	inst := &Instance{packageID: pkg, path: path}
	for _, opt := range opts {
		opt(inst)
	}

	mod, err := loader.Open(ctx, path)
	if err != nil {
		inst.metrics.ObserveLoad(pkg.Name, "load_error")
		return nil, &LoadError{Package: pkg, Path: path, Err: err}
	}

	vtable, err := ResolveV0(pkg, mod)
	if err == nil {
		inst.space, err = resolveSpace(pkg, mod)
	}
	if err != nil {
		inst.metrics.ObserveLoad(pkg.Name, "missing_symbol")
		if closeErr := mod.Close(ctx); closeErr != nil {
			log.Error().Err(closeErr).Str("package", pkg.String()).Msg("failed to close rejected module")
		}

		return nil, err
	}

	inst.module = mod
	inst.vtable = vtable
	inst.metrics.ObserveLoad(pkg.Name, "ok")

	log.Debug().
		Str("event", "plugin_loaded").
		Str("package", pkg.String()).
		Str("path", path).
		Str("module", mod.Name()).
		Msg("loaded procedural macro plugin")

	return inst, nil
}

// PackageID returns the package the plugin belongs to.
func (i *Instance) PackageID() packages.PackageID {
	return i.packageID
}

// Path returns the module path the plugin was loaded from.
func (i *Instance) Path() string {
	return i.path
}

// DeclaredAttributes returns the attributes the plugin expands.
func (i *Instance) DeclaredAttributes() []string {
	return []string{i.packageID.Name}
}

// Expand runs the plugin's expand entry point on ts.
//
// The input is copied into plugin memory and released by the host once expand
// returns. The output is allocated by the plugin: it is read into native form
// and then handed back through free_result exactly once, whatever happened
// while reading it. The call blocks until the plugin returns.
func (i *Instance) Expand(ctx context.Context, ts macro.TokenStream) (macro.Result, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return macro.Result{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return macro.Result{}, err
	}

	callID := uuid.NewString()
	log.Debug().
		Str("event", "expand_start").
		Str("package", i.packageID.String()).
		Str("call_id", callID).
		Int("input_len", ts.Len()).
		Msg("expanding token stream")

	input, err := abi.NewTokenStream(ctx, i.space, ts)
	if err != nil {
		return macro.Result{}, fmt.Errorf("expand for package %s: %w", i.packageID, err)
	}

	start := time.Now()
	wrapper, err := i.vtable.expand.call(ctx, input.Wire())
	i.metrics.ObserveCall(i.packageID.Name, SymbolExpand, start, err)
	if err != nil {
		return macro.Result{}, errors.Join(err, input.Release(ctx))
	}

	if wrapper.Input != input.Wire() {
		log.Warn().
			Str("event", "expand_input_mismatch").
			Str("package", i.packageID.String()).
			Str("call_id", callID).
			Uint32("sent_ptr", input.Wire().Ptr).
			Uint32("returned_ptr", wrapper.Input.Ptr).
			Msg("plugin returned a different input handle")
	}

	// expand only reads its input; the host still owns it.
	releaseErr := input.Release(ctx)

	result, readErr := abi.ReadResult(i.space.Memory(), wrapper.Output)

	start = time.Now()
	freeErr := i.vtable.freeResult.call(ctx, wrapper.Output)
	i.metrics.ObserveCall(i.packageID.Name, SymbolFreeResult, start, freeErr)

	if err := errors.Join(releaseErr, readErr, freeErr); err != nil {
		return macro.Result{}, fmt.Errorf("expand for package %s: %w", i.packageID, err)
	}

	log.Debug().
		Str("event", "expand_done").
		Str("package", i.packageID.String()).
		Str("call_id", callID).
		Str("kind", result.Kind.String()).
		Int("output_len", result.TokenStream.Len()).
		Int("diagnostics", len(result.Diagnostics)).
		Msg("expansion finished")

	return result, nil
}

// PropagateAuxData hands items to the plugin's aux_data_callback.
//
// The plugin takes ownership of the slice it receives and returns a slice the
// host owns, which is released before returning.
func (i *Instance) PropagateAuxData(ctx context.Context, items []macro.AuxData) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	input, err := abi.NewAuxSlice(ctx, i.space, items)
	if err != nil {
		return fmt.Errorf("aux data for package %s: %w", i.packageID, err)
	}

	start := time.Now()
	returned, err := i.vtable.auxDataCallback.call(ctx, input.Wire())
	i.metrics.ObserveCall(i.packageID.Name, SymbolAuxDataCallback, start, err)
	if err != nil {
		return errors.Join(err, input.Release(ctx))
	}
	if err := input.Transfer(); err != nil {
		return err
	}

	owned, err := abi.AdoptAuxSlice(i.space, returned)
	if err != nil {
		return &CallError{Package: i.packageID, Symbol: SymbolAuxDataCallback, Err: err}
	}
	if err := owned.Release(ctx); err != nil {
		return fmt.Errorf("aux data for package %s: %w", i.packageID, err)
	}

	log.Debug().
		Str("event", "aux_data_propagated").
		Str("package", i.packageID.String()).
		Int("items", len(items)).
		Msg("propagated aux data")

	return nil
}

// Close releases the module handle. It waits for an in-flight call and is safe to call twice.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil
	}
	i.closed = true
	i.vtable = nil

	if err := i.module.Close(ctx); err != nil {
		return fmt.Errorf("close plugin for package %s: %w", i.packageID, err)
	}

	return nil
}
