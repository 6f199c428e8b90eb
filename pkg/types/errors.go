package types

import "errors"

// Sync errors. Callers match these with errors.Is; the concrete error
// carries the offending path or reason.
var (
	// ErrPathTraversal is returned when a path escapes the repository root
	// or the cache root. It is raised before any filesystem I/O.
	ErrPathTraversal = errors.New("path escapes repository root")

	// ErrEmptyPath is returned for an empty or root-only source path.
	ErrEmptyPath = errors.New("path is empty")

	// ErrLockTimeout is returned when a source or ledger lock could not be
	// acquired within the configured lease timeout.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrExtractionFailed wraps any failure of an extraction adapter,
	// including deadline expiry.
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrWriteFailed is returned when an artifact could not be written or
	// renamed into place. The previous artifact is left untouched.
	ErrWriteFailed = errors.New("artifact write failed")

	// ErrCorruptLedger is returned when the durable ledger document cannot
	// be parsed.
	ErrCorruptLedger = errors.New("ledger document is corrupt")

	// ErrSourceNotFound is returned when a requested source does not exist.
	ErrSourceNotFound = errors.New("source file does not exist")

	// ErrUnsupportedType is returned for sources with no registered adapter.
	ErrUnsupportedType = errors.New("unsupported file type")

	// ErrContentNotExposed is returned by read operations when content
	// exposure is disabled by configuration.
	ErrContentNotExposed = errors.New("content exposure disabled by configuration")

	// ErrArtifactNotFound is returned when a requested artifact is missing.
	ErrArtifactNotFound = errors.New("artifact does not exist")

	// ErrInvalidGlob is returned for a pattern that does not parse.
	ErrInvalidGlob = errors.New("invalid glob pattern")

	// ErrCanceled marks sources that were never started because the batch
	// was canceled.
	ErrCanceled = errors.New("sync canceled before source was processed")

	// Outcome validation errors
	ErrMissingSource = errors.New("outcome source is required")
	ErrInvalidStatus = errors.New("status must be ok, error or skipped")
	ErrMissingReason = errors.New("error outcome requires a reason")
)
