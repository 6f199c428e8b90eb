// Package lock grants exclusive, key-scoped leases so that at most one
// regeneration per source runs at a time while unrelated sources proceed in
// parallel.
//
// A Manager combines two layers:
//
//  1. In-process: a one-slot channel per key, reference counted and removed
//     from the registry when no goroutine holds or waits on it.
//  2. Cross-process: an exclusive OS file lock (flock on Unix, LockFileEx on
//     Windows) on <dir>/<sha256(key)>.lock. The kernel releases it when the
//     holding process exits, so a crashed holder never deadlocks later runs.
//
// Acquisition waits at most Config.Timeout and then fails with
// types.ErrLockTimeout. Callers use the scoped form so the lease is released
// on every exit path:
//
//	err := mgr.WithLock(ctx, "docs/a.docx", func() error {
//	    return regenerate()
//	})
//
// RunGuard is a separate try-lock for skipping overlapping background runs.
package lock
