// Package monitoring carries the process-wide diagnostic loggers.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf and
// may be swapped by SetLogger, which is how tests mute or capture output.
var Logf func(format string, v ...interface{}) = log.Printf

var debugEnabled atomic.Bool

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDebug turns Debugf output on or off.
func SetDebug(enabled bool) { debugEnabled.Store(enabled) }

// DebugEnabled reports whether Debugf currently forwards to Logf.
func DebugEnabled() bool { return debugEnabled.Load() }

// Debugf logs through Logf only when debug output is enabled. Used for
// per-percept chatter such as projection distances and dropped percepts.
func Debugf(format string, v ...interface{}) {
	if debugEnabled.Load() {
		Logf(format, v...)
	}
}
