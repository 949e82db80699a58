package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andrei-cloud/procmacro/pkg/abi"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const defaultCompiledModules = 64

// WasmLoader opens WebAssembly plugin modules, compiled ahead of time to native code by wazero.
type WasmLoader struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled *lru.Cache[string, wazero.CompiledModule]
}

type loaderConfig struct {
	cacheDir        string
	compiledModules int
}

// LoaderOption configures a WasmLoader.
type LoaderOption func(*loaderConfig)

// WithCompilationCacheDir persists compiled native code in dir across runs.
func WithCompilationCacheDir(dir string) LoaderOption {
	return func(c *loaderConfig) {
		c.cacheDir = dir
	}
}

// WithCompiledModuleLimit bounds how many compiled modules are kept in memory.
func WithCompiledModuleLimit(n int) LoaderOption {
	return func(c *loaderConfig) {
		if n > 0 {
			c.compiledModules = n
		}
	}
}

// NewWasmLoader creates a runtime with WASI and the host env module instantiated.
func NewWasmLoader(ctx context.Context, opts ...LoaderOption) (*WasmLoader, error) {
	cfg := loaderConfig{compiledModules: defaultCompiledModules}
	for _, opt := range opts {
		opt(&cfg)
	}

	rtCfg := wazero.NewRuntimeConfig()
	var cache wazero.CompilationCache
	if cfg.cacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cfg.cacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache %s: %w", cfg.cacheDir, err)
		}
		rtCfg = rtCfg.WithCompilationCache(cache)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	fail := func(err error) (*WasmLoader, error) {
		return nil, errors.Join(err, rt.Close(ctx))
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return fail(fmt.Errorf("failed to instantiate wasi: %w", err))
	}
	if err := NewHostFunctions(rt).Register(ctx); err != nil {
		return fail(err)
	}

	compiled, err := lru.NewWithEvict(cfg.compiledModules, func(key string, cm wazero.CompiledModule) {
		if err := cm.Close(context.Background()); err != nil {
			log.Error().Err(err).Str("digest", key).Msg("failed to close compiled module")
		}
	})
	if err != nil {
		return fail(err)
	}

	return &WasmLoader{runtime: rt, cache: cache, compiled: compiled}, nil
}

// Open reads, compiles and instantiates the module at path.
// Compiled code is shared between modules with identical content.
func (l *WasmLoader) Open(ctx context.Context, path string) (Module, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(wasmBytes)
	digest := hex.EncodeToString(sum[:])

	compiled, ok := l.compiled.Get(digest)
	if !ok {
		compiled, err = l.runtime.CompileModule(ctx, wasmBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to compile plugin module: %w", err)
		}
		// Another Open may have compiled the same content concurrently; keep the first.
		if prev, found, _ := l.compiled.PeekOrAdd(digest, compiled); found {
			_ = compiled.Close(ctx)
			compiled = prev
		}
	}

	// Module names must be unique within a runtime; a pool may instantiate one file many times.
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	cfg := wazero.NewModuleConfig().
		WithName(base + "-" + uuid.NewString()).
		WithStartFunctions("_initialize")

	mod, err := l.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate plugin module: %w", err)
	}

	log.Debug().
		Str("event", "module_instantiated").
		Str("path", path).
		Str("module", mod.Name()).
		Str("digest", digest[:12]).
		Msg("instantiated plugin module")

	return wasmModule{mod: mod}, nil
}

// Close releases compiled code and the runtime along with every module still open in it.
func (l *WasmLoader) Close(ctx context.Context) error {
	l.compiled.Purge()

	err := l.runtime.Close(ctx)
	if l.cache != nil {
		err = errors.Join(err, l.cache.Close(ctx))
	}

	return err
}

// wasmModule adapts a wazero module to Module.
type wasmModule struct {
	mod api.Module
}

func (w wasmModule) Name() string {
	return w.mod.Name()
}

func (w wasmModule) ExportedFunction(name string) Function {
	fn := w.mod.ExportedFunction(name)
	if fn == nil {
		return nil
	}

	return fn
}

func (w wasmModule) Memory() abi.Memory {
	mem := w.mod.Memory()
	if mem == nil {
		return nil
	}

	return mem
}

func (w wasmModule) Close(ctx context.Context) error {
	return w.mod.Close(ctx)
}
