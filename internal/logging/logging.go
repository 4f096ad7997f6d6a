package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Base builds a zerolog.Logger with level/format applied per-call.
// format: json|console; level: trace|debug|info|warn|error
func Base(app, level, format string) zerolog.Logger {
	return New(os.Stdout, app, level, format)
}

// New is Base with an explicit sink.
func New(out io.Writer, app, level, format string) zerolog.Logger {
	return zerolog.New(writerForFormat(out, format)).
		Level(ParseLevel(level)).
		With().Timestamp().Str("app", app).
		Logger()
}

// ParseLevel falls back to info for empty or unknown input.
func ParseLevel(s string) zerolog.Level {
	if lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s))); err == nil && lvl != zerolog.NoLevel {
		return lvl
	}

	return zerolog.InfoLevel
}

// Component returns the context logger tagged with a component name.
func Component(ctx context.Context, name string) zerolog.Logger {
	return zerolog.Ctx(ctx).With().Str("component", name).Logger()
}

// WithComponent stores a component logger in ctx for the callee chain.
func WithComponent(ctx context.Context, name string) context.Context {
	l := Component(ctx, name)

	return l.WithContext(ctx)
}

func writerForFormat(out io.Writer, format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		return zerolog.ConsoleWriter{Out: out, NoColor: out != os.Stdout}
	}

	return out
}
