// Package extract converts binary office documents into Markdown-flavored
// plain text.
//
// Each supported format has an Extractor. Extractors only read the source
// they are given and are deterministic for identical bytes and Options;
// writing the result anywhere is the caller's job.
//
// Failures are classified with ErrUnsupported, ErrCorrupt and
// ErrOCRUnavailable. Any other error is an unclassified adapter failure.
package extract
