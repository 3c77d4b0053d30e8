package loggy

import "sync/atomic"

var defaultEngine atomic.Pointer[Engine]

// SetDefault makes e the process-wide engine used by the package-level Log.
// Passing nil clears it.
func SetDefault(e *Engine) { defaultEngine.Store(e) }

// Default returns the process-wide engine, or nil.
func Default() *Engine { return defaultEngine.Load() }

// Log forwards to the default engine. It does nothing when none is set.
func Log(level Level, tag, message string, err error) {
	if e := Default(); e != nil {
		e.Log(level, tag, message, err)
	}
}
