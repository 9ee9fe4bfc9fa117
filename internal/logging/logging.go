// Package logging builds the diagnostics logger shared by the launcher and
// the sandbox init process.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// DebugEnv enables debug diagnostics when set to any non-empty value.
const DebugEnv = "RED_CELL_DEBUG"

// DebugEnabled reports whether debug diagnostics are on, either
// requested explicitly, through DebugEnv, or compiled in with the debug
// build tag.
func DebugEnabled(requested bool) bool {
	return requested || debugBuild || os.Getenv(DebugEnv) != ""
}

// New returns a text logger on w. Without debug only warnings and errors
// are emitted.
func New(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
