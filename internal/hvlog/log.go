// Package hvlog provides the prefix-gated debug logging used across the
// hypervisor packages. It mirrors the conditional log.Printf/fmt.Printf
// style the rest of this codebase has always used rather than introducing
// a structured-logging dependency for what is, in practice, a handful of
// "this would be useful with -debug" lines.
package hvlog

import (
	"fmt"
	"log"
	"sync/atomic"
)

var debugEnabled atomic.Bool

// SetDebug toggles whether Debugf output reaches the log.
func SetDebug(enabled bool) {
	debugEnabled.Store(enabled)
}

// Logger is a prefixed logger for one subsystem, e.g. "[ptirq]".
type Logger struct {
	prefix string
}

// New returns a Logger that tags every line with "[name]".
func New(name string) *Logger {
	return &Logger{prefix: "[" + name + "] "}
}

// Infof always logs.
func (l *Logger) Infof(format string, args ...any) {
	log.Printf(l.prefix+format, args...)
}

// Debugf only logs when debug output has been enabled via SetDebug.
func (l *Logger) Debugf(format string, args ...any) {
	if debugEnabled.Load() {
		log.Printf(l.prefix+"DEBUG: "+format, args...)
	}
}

// Warnf logs a warning line.
func (l *Logger) Warnf(format string, args ...any) {
	log.Printf(l.prefix+"WARN: "+format, args...)
}

// Errorf logs an error line and returns the formatted error, matching the
// fmt.Errorf("...: %w", err) idiom used throughout this codebase.
func (l *Logger) Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	log.Printf(l.prefix+"ERROR: %v", err)
	return err
}
