// Package liveness detects participant connections that vanished without a
// clean disconnect.
//
// Monitor.Run sweeps the registry on a ticker (30s by default). Each sweep
// deregisters and closes every entry whose handle reports closed, or whose
// handle panics when asked, then calls the StaleFunc for it. Removal goes
// through registry.DeregisterHandle so a connection that was already removed
// by the explicit disconnect path is skipped and never reported twice.
package liveness
