//go:build !wasip1

package macroplugin

import "github.com/rs/zerolog/log"

// LogDebug logs msg at debug level.
func LogDebug(msg string) {
	log.Debug().Str("source", "plugin").Msg(msg)
}

// LogInfo logs msg at info level.
func LogInfo(msg string) {
	log.Info().Str("source", "plugin").Msg(msg)
}

// LogError logs msg at error level.
func LogError(msg string) {
	log.Error().Str("source", "plugin").Msg(msg)
}
