// Package logging provides a shared zerolog configuration for forge
// binaries and internal packages.
package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Config controls the global logger initialized by Init.
type Config struct {
	// Level is one of debug, info, warn, error (default info).
	Level string

	// Format is "json" or "console" (default console).
	Format string

	// EnableCaller adds the calling file:line to every log line.
	EnableCaller bool
}

var (
	mu   sync.Mutex
	base zerolog.Logger
	once sync.Once
)

func defaultInit() {
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger()
}

// Init configures the process-wide base logger. Safe to call once at
// startup; later calls replace the base logger used by subsequent
// Component calls.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	// Mark the lazy default as done so Component keeps this logger.
	once.Do(func() {})

	level := parseLevel(cfg.Level)

	var l zerolog.Logger
	if strings.EqualFold(cfg.Format, "json") {
		l = zerolog.New(os.Stderr)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := l.With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}

	base = ctx.Logger().Level(level)
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "trace":
		return zerolog.TraceLevel
	case "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a logger scoped to the named subsystem (e.g. "db",
// "loop", "scheduler"). If Init has not been called, it lazily
// configures a sensible console default so standalone tests and tools
// still produce readable output.
func Component(name string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	once.Do(defaultInit)

	return base.With().Str("component", name).Logger()
}
