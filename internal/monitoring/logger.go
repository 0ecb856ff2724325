// Package monitoring holds the process-wide diagnostic logger and the
// pipeline counters reported by the status endpoint.
package monitoring

import "log"

// Logf is the diagnostic logger used by library packages. It defaults to
// log.Printf.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf and returns a func that restores the previous
// logger. Passing nil mutes logging.
//
//	defer monitoring.SetLogger(nil)()
func SetLogger(f func(format string, v ...interface{})) (restore func()) {
	prev := Logf
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	Logf = f
	return func() { Logf = prev }
}
