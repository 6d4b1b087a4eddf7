// Package chk provides the error-check-and-log idiom used throughout moar:
// `if err = f(); chk.E(err) { return }` logs the error with caller
// information and reports whether one occurred, so call sites can fold the
// logging and the branch into one line.
package chk

import (
	"fmt"
	"runtime"
)

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "?"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// E logs err at error level and returns true if err is non-nil.
func E(err error) bool {
	if err == nil {
		return false
	}
	fmt.Printf("ERR %s: %v\n", caller(3), err)
	return true
}

// T logs err at trace level and returns true if err is non-nil. Used for
// conditions that are expected in normal operation (lookup misses, benign
// cancellation) but still worth a breadcrumb at high verbosity.
func T(err error) bool {
	if err == nil {
		return false
	}
	if traceEnabled {
		fmt.Printf("TRC %s: %v\n", caller(3), err)
	}
	return true
}

// F logs err at fatal level and terminates the process. Reserved for
// invariant violations at startup (bad config, unreadable database) where
// continuing would only produce more confusing failures downstream.
func F(err error) bool {
	if err == nil {
		return false
	}
	fmt.Printf("FTL %s: %v\n", caller(3), err)
	panic(err)
}

var traceEnabled = false

// SetTrace toggles whether chk.T actually prints. Wired to the same level
// knob as the log package so `trace` log level surfaces these breadcrumbs.
func SetTrace(on bool) { traceEnabled = on }
