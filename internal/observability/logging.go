package observability

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Log lines are single JSON objects on stdout, each tagged with the
// component that wrote it. DEFI_LOG_LEVEL applies until config is loaded.

// timeFormat is UTC with fixed microsecond precision so lines sort
// lexically across hosts.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

var timeOnce sync.Once

func useUTCTimestamps() {
	timeOnce.Do(func() {
		zerolog.TimeFieldFormat = timeFormat
		zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	})
}

// NewLogger returns a component logger at the DEFI_LOG_LEVEL level.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, ParseLogLevel(os.Getenv("DEFI_LOG_LEVEL")))
}

func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return componentLogger(os.Stdout, component, level)
}

func componentLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	useUTCTimestamps()
	return zerolog.New(w).Level(level).With().Timestamp().Str("component", component).Logger()
}

// ParseLogLevel accepts zerolog level names in any case. Empty or unknown
// names mean info.
func ParseLogLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
