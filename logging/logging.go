package logging

import (
	"os"

	gnarkLogger "github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()

func Logger() *zerolog.Logger {
	return &log
}

// SetJSONOutput switches to machine-readable JSON logs on stdout and
// redirects gnark's internal logger into ours.
func SetJSONOutput() {
	log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	gnarkLogger.Set(log)
}

// SetLevel adjusts the global log level ("debug", "info", "warn", "error").
func SetLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
