package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// OCREngine recognizes text on a rendered PDF page. No engine is bundled;
// callers plug one in (a local binary or library) through PDF.OCR.
type OCREngine interface {
	RecognizePage(ctx context.Context, path string, page int) (string, error)
}

// PDF extracts the text layer of PDF documents page by page. With OCR
// enabled, pages without a text layer are sent to the OCR engine.
type PDF struct {
	OCR OCREngine
}

// Extract implements Extractor
func (x PDF) Extract(ctx context.Context, path string, opts Options) (string, error) {
	pages, err := readPDFPages(ctx, path)
	if err != nil {
		return "", err
	}

	if opts.OCR {
		if pages, err = ocrPages(ctx, x.OCR, path, pages); err != nil {
			return "", err
		}
	}

	return renderPages(pages, opts.PageDelimiter), nil
}

// readPDFPages returns the plain text of every page, 1-based order
func readPDFPages(ctx context.Context, path string) (pages []string, err error) {
	// The parser panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("%w: %v", ErrCorrupt, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		if f != nil {
			_ = f.Close()
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer f.Close()

	n := r.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if err := checkCtx(ctx); err != nil {
			return nil, err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", ErrCorrupt, i, err)
		}
		pages = append(pages, text)
	}
	return pages, nil
}

// ocrPages fills pages that lack a text layer using engine
func ocrPages(ctx context.Context, engine OCREngine, path string, pages []string) ([]string, error) {
	out := make([]string, len(pages))
	for i, text := range pages {
		out[i] = text
		if strings.TrimSpace(text) != "" {
			continue
		}
		if engine == nil {
			return nil, fmt.Errorf("%w: page %d has no text layer", ErrOCRUnavailable, i+1)
		}
		if err := checkCtx(ctx); err != nil {
			return nil, err
		}
		recognized, err := engine.RecognizePage(ctx, path, i+1)
		if err != nil {
			return nil, fmt.Errorf("ocr page %d: %w", i+1, err)
		}
		out[i] = recognized
	}
	return out, nil
}

// renderPages emits a delimiter per page followed by its trimmed,
// non-empty lines
func renderPages(pages []string, template string) string {
	if template == "" {
		template = DefaultPageDelimiter
	}

	var lines []string
	for i, content := range pages {
		lines = append(lines, delimiter(template, i+1))
		content = strings.ReplaceAll(content, "\r\n", "\n")
		content = strings.ReplaceAll(content, "\r", "\n")
		for _, line := range strings.Split(content, "\n") {
			if s := strings.TrimSpace(line); s != "" {
				lines = append(lines, s)
			}
		}
	}
	return finish(lines, "\n")
}
