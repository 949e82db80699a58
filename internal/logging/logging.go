package logging

import (
	"encoding/hex"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes the zerolog logger with the specified debug mode and output format.
func InitLogger(debug, human bool) {
	initLogger(os.Stdout, debug, human)
}

// Setup initializes the logger from configuration values: level "debug" enables debug
// output and format "human" selects the console writer.
func Setup(level, format string) {
	InitLogger(strings.EqualFold(level, "debug"), strings.EqualFold(format, "human"))
}

func initLogger(out io.Writer, debug, human bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano            // always initialize base logger with timestamp.
	base := zerolog.New(out).With().Timestamp().Logger() // initialize base logger.
	if human {
		log.Logger = base.Output(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339Nano,
		}) // select output format.
	} else {
		log.Logger = base // use JSON logger.
	}
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel) // set debug level.
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel) // set info level.
	}
}

// FormatData returns data as text if it is printable UTF-8, else as hex.
func FormatData(data []byte) string {
	if !utf8.Valid(data) {
		return hex.EncodeToString(data)
	}
	for _, r := range string(data) {
		if r < 32 && r != '\n' && r != '\t' {
			return hex.EncodeToString(data)
		}
	}

	return string(data)
}

// LogRequest logs a received command with structured fields.
func LogRequest(
	clientIP string,
	command string,
	requestData []byte,
	activeConns int,
) {
	log.Info().
		Str("event", "request_received").
		Str("client_ip", clientIP).
		Str("command", command).
		Str("request", FormatData(requestData)).
		Int("active_connections", activeConns).
		Msg("received command")
}

// LogResponse logs a sent response with structured fields.
func LogResponse(
	clientIP string,
	command string,
	responseCommand string,
	errorCode string,
	activeConns int,
	duration time.Duration,
) {
	log.Info().
		Str("event", "response_sent").
		Str("client_ip", clientIP).
		Str("command", command).
		Str("response_command", responseCommand).
		Str("error_code", errorCode).
		Int("active_connections", activeConns).
		Dur("duration", duration).
		Msg("sent response")
}
