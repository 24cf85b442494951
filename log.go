package cliffi

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
)

// Log levels, lowest first.
const (
	LogLevelSilent = iota
	LogLevelError
	LogLevelWarning
	LogLevelVerbose
)

var (
	WarnColorFG  = pterm.FgYellow
	WarnStyleBG  = pterm.NewStyle(pterm.BgYellow, pterm.FgBlack)
	ErrorColorFG = pterm.FgRed
	ErrorStyleBG = pterm.NewStyle(pterm.BgRed, pterm.FgWhite)
	InfoColorFG  = pterm.FgLightGreen
	InfoStyleBG  = pterm.NewStyle(pterm.BgLightGreen, pterm.FgBlack)
)

// Logger writes tagged diagnostics (warnings about promotions, truncated
// arrays, deprecated syntax) to a stream, filtered by level.
type Logger struct {
	out   io.Writer
	level int
	color bool
	warns int
}

// ParseLogLevel maps a level name to its constant. Unknown names are verbose.
func ParseLogLevel(name string) int {
	switch strings.ToLower(name) {
	case "silent":
		return LogLevelSilent
	case "error":
		return LogLevelError
	case "warn", "warning":
		return LogLevelWarning
	}
	return LogLevelVerbose
}

// NewLogger returns a logger writing to out (stderr when nil).
func NewLogger(out io.Writer, level int, color bool) *Logger {
	if out == nil {
		out = os.Stderr
	}
	return &Logger{out: out, level: level, color: color}
}

// discardLogger drops everything; used when a caller passes no logger.
func discardLogger() *Logger { return &Logger{out: io.Discard, level: LogLevelSilent} }

// SetLevel changes the filter level.
func (l *Logger) SetLevel(level int) { l.level = level }

// Warnings is the number of warnings emitted so far (including filtered ones).
func (l *Logger) Warnings() int { return l.warns }

// Warnf logs a warning.
func (l *Logger) Warnf(format string, args ...any) {
	l.warns++
	if l.level < LogLevelWarning {
		return
	}
	l.emit(WarnStyleBG, WarnColorFG, "Warning", fmt.Sprintf(format, args...))
}

// Errorf logs an error message.
func (l *Logger) Errorf(format string, args ...any) {
	if l.level < LogLevelError {
		return
	}
	l.emit(ErrorStyleBG, ErrorColorFG, "Error", fmt.Sprintf(format, args...))
}

// Infof logs an informational message.
func (l *Logger) Infof(format string, args ...any) {
	if l.level < LogLevelVerbose {
		return
	}
	l.emit(InfoStyleBG, InfoColorFG, "Info", fmt.Sprintf(format, args...))
}

func (l *Logger) emit(tagStyle *pterm.Style, msgColor pterm.Color, tag, msg string) {
	msg = strings.TrimRight(msg, "\n")
	if !l.color {
		fmt.Fprintf(l.out, "%s: %s\n", tag, msg)
		return
	}
	fmt.Fprintln(l.out, tagStyle.Sprint(" "+tag+" ")+" "+msgColor.Sprint(msg))
}
