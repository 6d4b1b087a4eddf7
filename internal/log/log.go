// Package log provides leveled logger singletons in the teacher's idiom:
// log.T/D/I/W/E/F, each exposing .F(format, args...) for formatted lines and
// .Ln(args...) for space-joined ones. The active level is a package-global
// set once at startup via lol.SetLogLevel; it is a plain variable, read
// without synchronisation.
package log

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Level is the verbosity of a logger call site.
type Level int

const (
	Off Level = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

var names = map[string]Level{
	"off": Off, "fatal": Fatal, "error": Error, "warn": Warn,
	"info": Info, "debug": Debug, "trace": Trace,
}

// ParseLevel converts a level name (as found in config) into a Level,
// defaulting to Info on an unrecognised string.
func ParseLevel(s string) Level {
	if l, ok := names[s]; ok {
		return l
	}
	return Info
}

var current = Info

// Current returns the active log level.
func Current() Level { return current }

// SetLevel sets the active log level.
func SetLevel(l Level) { current = l }

// Logger is one of the leveled singletons below.
type Logger struct {
	level  Level
	label  string
	colour func(format string, a ...interface{}) string
}

func (l *Logger) enabled() bool { return current >= l.level }

// F prints a formatted line if the logger's level is enabled.
func (l *Logger) F(format string, args ...any) {
	if !l.enabled() {
		return
	}
	l.emit(fmt.Sprintf(format, args...))
}

// Ln prints a space-joined line if the logger's level is enabled.
func (l *Logger) Ln(args ...any) {
	if !l.enabled() {
		return
	}
	l.emit(strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

func (l *Logger) emit(msg string) {
	ts := time.Now().Format("15:04:05.000")
	fmt.Fprintln(
		os.Stderr, l.colour("%s [%s] %s", ts, l.label, msg),
	)
	if l.level == Fatal {
		os.Exit(1)
	}
}

var (
	T = &Logger{level: Trace, label: "TRC", colour: color.HiBlackString}
	D = &Logger{level: Debug, label: "DBG", colour: color.CyanString}
	I = &Logger{level: Info, label: "INF", colour: color.GreenString}
	W = &Logger{level: Warn, label: "WRN", colour: color.YellowString}
	E = &Logger{level: Error, label: "ERR", colour: color.RedString}
	F = &Logger{level: Fatal, label: "FTL", colour: color.HiRedString}
)
