// Package logging builds the structured logger shared by every MAI component.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/term"
)

// Options controls logger construction.
type Options struct {
	Level  string    // debug, info, warn or error; anything else means info
	JSON   bool      // force the JSON formatter
	Output io.Writer // defaults to os.Stderr
}

// New returns a charm logger. Output that is not a terminal (containers,
// log collectors) gets the JSON formatter even when JSON is false.
func New(opts Options) *log.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	formatter := log.TextFormatter
	if opts.JSON || !isTerminal(out) {
		formatter = log.JSONFormatter
	}

	return log.NewWithOptions(out, log.Options{
		Level:           ParseLevel(opts.Level),
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Formatter:       formatter,
	})
}

// ParseLevel maps a config level name to a charm level.
func ParseLevel(s string) log.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Discard returns a logger that drops everything, for tests and library callers.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
