package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// Debug enables Debugf output. Off by default; the daemon turns it on in dev
// mode.
var Debug bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Debugf logs through Logf only when Debug is set. Use it for per-sample and
// per-batch chatter that would swamp production logs.
func Debugf(format string, v ...interface{}) {
	if !Debug {
		return
	}
	Logf(format, v...)
}
