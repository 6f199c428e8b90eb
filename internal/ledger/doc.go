// Package ledger persists provenance for every cached artifact.
//
// A Ledger maps SourceKeys to Entries and is stored as one JSON document
// (index.json) sorted by source. The document is only ever replaced
// wholesale through a temp file and rename, and concurrent writers, in this
// process or others, serialize through Store.Commit, which holds a global
// ledger lock while it reloads, applies a batch and saves.
//
// A Ledger value is not safe for concurrent mutation. Concurrent readers of
// an unchanging Ledger are fine.
package ledger
