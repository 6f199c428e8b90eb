package lock

import "sync/atomic"

// RunGuard provides non-blocking single-runner semantics using atomic
// operations. Used where overlapping runs should be skipped, not queued.
type RunGuard struct {
	state atomic.Int32 // 0 = idle, 1 = running
}

// TryAcquire attempts to mark the guard as running without blocking.
// Returns true if the caller now owns the run.
func (g *RunGuard) TryAcquire() bool {
	return g.state.CompareAndSwap(0, 1)
}

// Release marks the guard idle.
// Must only be called by the goroutine that successfully acquired it.
func (g *RunGuard) Release() {
	g.state.Store(0)
}

// Running reports whether a run currently holds the guard.
func (g *RunGuard) Running() bool {
	return g.state.Load() == 1
}
