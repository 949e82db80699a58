package plugins

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// HostModuleName is the import module plugins use to reach the host.
const HostModuleName = "env"

// HostFunctions provides the functions plugins may import from the host.
type HostFunctions struct {
	builder wazero.HostModuleBuilder
}

// NewHostFunctions creates a host functions provider for runtime.
func NewHostFunctions(runtime wazero.Runtime) *HostFunctions {
	return &HostFunctions{
		builder: runtime.NewHostModuleBuilder(HostModuleName),
	}
}

// Register instantiates the host module in the runtime.
func (h *HostFunctions) Register(ctx context.Context) error {
	h.builder.NewFunctionBuilder().
		WithFunc(h.logDebug).
		Export("log_debug")

	h.builder.NewFunctionBuilder().
		WithFunc(h.logInfo).
		Export("log_info")

	h.builder.NewFunctionBuilder().
		WithFunc(h.logError).
		Export("log_error")

	if _, err := h.builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate host functions module: %w", err)
	}

	return nil
}

// readMemory safely reads bytes from plugin memory.
func readMemory(mod api.Module, ptr, size uint32) ([]byte, error) {
	if mod == nil {
		return nil, fmt.Errorf("nil module")
	}

	memory := mod.Memory()
	if memory == nil {
		return nil, fmt.Errorf("no memory exported")
	}

	data, ok := memory.Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("failed to read memory at %d[%d]", ptr, size)
	}

	return data, nil
}

func (h *HostFunctions) logDebug(_ context.Context, mod api.Module, ptr, size uint32) {
	h.emit(zerolog.DebugLevel, mod, ptr, size)
}

func (h *HostFunctions) logInfo(_ context.Context, mod api.Module, ptr, size uint32) {
	h.emit(zerolog.InfoLevel, mod, ptr, size)
}

func (h *HostFunctions) logError(_ context.Context, mod api.Module, ptr, size uint32) {
	h.emit(zerolog.ErrorLevel, mod, ptr, size)
}

func (h *HostFunctions) emit(level zerolog.Level, mod api.Module, ptr, size uint32) {
	data, err := readMemory(mod, ptr, size)
	if err != nil {
		log.Error().Err(err).Msg("failed to read plugin log message")
		return
	}

	log.WithLevel(level).
		Str("source", "wasm").
		Str("module", mod.Name()).
		Msg(string(data))
}
