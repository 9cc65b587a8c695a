package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NewLogger returns the process-wide logger. It writes JSON to stderr until Configure
// is called with the values from the loaded config.
func NewLogger() *zerolog.Logger {
	return &log.Logger
}

// Configure sets the global level and output format. Unknown levels fall back to info.
func Configure(level string, pretty bool) *zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return &log.Logger
}

// Component returns a child logger tagged with the component name.
func Component(name string) *zerolog.Logger {
	l := log.Logger.With().Str("component", name).Logger()
	return &l
}
