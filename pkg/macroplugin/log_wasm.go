//go:build wasip1

package macroplugin

import "unsafe"

//go:wasmimport env log_debug
func hostLogDebug(ptr, size uint32)

//go:wasmimport env log_info
func hostLogInfo(ptr, size uint32)

//go:wasmimport env log_error
func hostLogError(ptr, size uint32)

// LogDebug logs msg through the host at debug level.
func LogDebug(msg string) {
	hostLog(levelDebug, msg)
}

// LogInfo logs msg through the host at info level.
func LogInfo(msg string) {
	hostLog(levelInfo, msg)
}

// LogError logs msg through the host at error level.
func LogError(msg string) {
	hostLog(levelError, msg)
}

const (
	levelDebug = iota
	levelInfo
	levelError
)

//nolint:gosec // allow unsafe pointer usage.
func hostLog(level int, msg string) {
	if msg == "" {
		return
	}

	ptr := uint32(uintptr(unsafe.Pointer(unsafe.StringData(msg))))
	size := uint32(len(msg))
	switch level {
	case levelDebug:
		hostLogDebug(ptr, size)
	case levelInfo:
		hostLogInfo(ptr, size)
	default:
		hostLogError(ptr, size)
	}
}
