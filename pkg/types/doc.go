// Package types provides shared type definitions for escarabajo.
//
// It holds the error taxonomy used by every layer of the sync engine and
// the per-source outcome reported by sync operations.
//
// # Errors
//
// Errors are sentinels wrapped with context and matched with errors.Is:
//
//	_, err := svc.EnsureOne(ctx, "../outside.docx", nil)
//	if errors.Is(err, types.ErrPathTraversal) {
//	    // rejected before any I/O
//	}
//
// Per-source failures (ErrExtractionFailed, ErrWriteFailed, ErrLockTimeout)
// are recorded in that source's Outcome and never abort sibling sources.
// Structural failures (ledger lock, unwritable cache root, ErrCorruptLedger)
// abort the whole batch.
//
// # Outcomes
//
//	out := types.Outcome{
//	    Source:   "docs/a.docx",
//	    Artifact: ".escarabajo/kb/docs/a.docx.md",
//	    Status:   types.StatusOK,
//	}
//
// Count aggregates a batch into processed/ok/skipped/errors totals.
package types
