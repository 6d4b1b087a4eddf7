// Package lol wires a configured log-level string (from process config or a
// relay instance's settings) into the internal log package, and into chk's
// trace gate, as a single call. Named for and grounded on the teacher's
// utils/lol companion to utils/log.
package lol

import (
	"moar.dev/internal/chk"
	"moar.dev/internal/log"
)

// SetLogLevel parses level and applies it to the global logger and to chk's
// trace-breadcrumb gate.
func SetLogLevel(level string) {
	l := log.ParseLevel(level)
	log.SetLevel(l)
	chk.SetTrace(l >= log.Trace)
}

// Tracer emits a trace-level breadcrumb pair; call once on entry and again
// (with return values) on exit of a hot path worth instrumenting.
func Tracer(args ...any) { log.T.Ln(args...) }
