package telemetry

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the service logger. Development gets a console writer,
// everything else JSON lines on stdout.
func NewLogger(appEnv, level, service string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if appEnv == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
		if appEnv == "development" {
			parsed = zerolog.DebugLevel
		}
	}

	return zerolog.New(out).
		Level(parsed).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}
