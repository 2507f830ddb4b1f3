// Package logging builds the service's structured loggers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// NewLogger creates the root logger. Unknown levels fall back to info.
// format "json" selects machine-readable output; anything else is the text formatter.
func NewLogger(w io.Writer, level, format string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := log.Options{ReportTimestamp: true, Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		opts.Formatter = log.JSONFormatter
	}
	return log.NewWithOptions(w, opts)
}

// ParseLevel converts a level name, defaulting to info
func ParseLevel(level string) log.Level {
	l, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return log.InfoLevel
	}
	return l
}

// Component derives a child logger for one component, with optional key-value pairs on every entry
func Component(l *log.Logger, name string, kv ...any) *log.Logger {
	if l == nil {
		l = log.Default()
	}
	child := l.WithPrefix(name)
	if len(kv) > 0 {
		child = child.With(kv...)
	}
	return child
}

// Discard returns a logger that writes nowhere
func Discard() *log.Logger {
	return log.New(io.Discard)
}
