package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrUnsupported is returned for a file type no extractor handles
	ErrUnsupported = errors.New("unsupported document type")
	// ErrCorrupt is returned when a document cannot be parsed
	ErrCorrupt = errors.New("corrupt document")
	// ErrOCRUnavailable is returned when OCR is requested but no engine is
	// configured
	ErrOCRUnavailable = errors.New("ocr engine unavailable")
)

const (
	// DefaultPageDelimiter separates PDF pages. {n} is the 1-based page number.
	DefaultPageDelimiter = "--- page {n} ---"
	// DefaultSlideDelimiter separates PPTX slides. {n} is the 1-based slide number.
	DefaultSlideDelimiter = "--- slide {n} ---"
)

// Options are the per-format settings passed to every extractor
type Options struct {
	OCR            bool
	PageDelimiter  string
	SlideDelimiter string
	KeepTables     bool
}

// DefaultOptions returns the options used when nothing is configured
func DefaultOptions() Options {
	return Options{
		PageDelimiter:  DefaultPageDelimiter,
		SlideDelimiter: DefaultSlideDelimiter,
		KeepTables:     true,
	}
}

// Extractor converts one document into text
type Extractor interface {
	Extract(ctx context.Context, path string, opts Options) (string, error)
}

// ExtractorFunc adapts a function to Extractor
type ExtractorFunc func(ctx context.Context, path string, opts Options) (string, error)

// Extract calls f
func (f ExtractorFunc) Extract(ctx context.Context, path string, opts Options) (string, error) {
	return f(ctx, path, opts)
}

// Registry dispatches to extractors by lower-case file extension
type Registry struct {
	byExt map[string]Extractor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]Extractor)}
}

// Default returns a registry with the DOCX, PPTX and PDF extractors.
// engine may be nil, in which case OCR requests fail with ErrOCRUnavailable.
func Default(engine OCREngine) *Registry {
	r := NewRegistry()
	r.Register(".docx", DOCX{})
	r.Register(".pptx", PPTX{})
	r.Register(".pdf", PDF{OCR: engine})
	return r
}

// Register binds ext (with or without the leading dot) to e
func (r *Registry) Register(ext string, e Extractor) {
	r.byExt[normalizeExt(ext)] = e
}

// Lookup returns the extractor for path's extension
func (r *Registry) Lookup(path string) (Extractor, bool) {
	e, ok := r.byExt[normalizeExt(filepath.Ext(path))]
	return e, ok
}

// Supports reports whether path has a registered extractor
func (r *Registry) Supports(path string) bool {
	_, ok := r.Lookup(path)
	return ok
}

// Extensions returns the registered extensions, sorted
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Extract dispatches to the extractor registered for path
func (r *Registry) Extract(ctx context.Context, path string, opts Options) (string, error) {
	e, ok := r.Lookup(path)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, filepath.Ext(path))
	}
	return e.Extract(ctx, path, opts)
}

// Format names the document format of path for metrics and logs
func Format(path string) string {
	ext := strings.TrimPrefix(normalizeExt(filepath.Ext(path)), ".")
	if ext == "" {
		return "unknown"
	}
	return ext
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// delimiter renders a boundary template for unit n
func delimiter(template string, n int) string {
	return strings.ReplaceAll(template, "{n}", fmt.Sprint(n))
}

// finish trims surrounding whitespace and terminates non-empty output with
// a single newline
func finish(lines []string, sep string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.Join(lines, sep)) + "\n"
}
