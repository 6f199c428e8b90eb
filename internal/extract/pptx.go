package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// PPTX extracts PresentationML decks. Each slide with text is introduced by
// the slide delimiter and every non-empty text run becomes a list item.
type PPTX struct{}

// Extract implements Extractor
func (PPTX) Extract(ctx context.Context, path string, opts Options) (string, error) {
	zr, err := openPackage(path)
	if err != nil {
		return "", err
	}
	defer zr.Close()

	template := opts.SlideDelimiter
	if template == "" {
		template = DefaultSlideDelimiter
	}

	names := slideNames(zr.File)
	var lines []string
	for i, name := range names {
		if err := checkCtx(ctx); err != nil {
			return "", err
		}
		data, err := readPart(zr, name)
		if err != nil {
			return "", err
		}
		texts, err := slideTexts(data)
		if err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		if len(texts) == 0 {
			continue
		}
		lines = append(lines, delimiter(template, i+1))
		for _, t := range texts {
			lines = append(lines, "- "+t)
		}
	}
	return finish(lines, "\n"), nil
}

// slideNames returns the slide parts ordered by slide number
func slideNames(files []*zip.File) []string {
	type slide struct {
		name string
		num  int
	}
	var slides []slide
	for _, f := range files {
		num, ok := slideNumber(f.Name)
		if ok {
			slides = append(slides, slide{name: f.Name, num: num})
		}
	}
	sort.Slice(slides, func(i, j int) bool {
		if slides[i].num != slides[j].num {
			return slides[i].num < slides[j].num
		}
		return slides[i].name < slides[j].name
	})

	names := make([]string, len(slides))
	for i, s := range slides {
		names[i] = s.name
	}
	return names
}

// slideNumber parses ppt/slides/slideN.xml
func slideNumber(name string) (int, bool) {
	const prefix, suffix = "ppt/slides/slide", ".xml"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// slideTexts returns the trimmed, non-empty a:t runs of a slide in
// document order
func slideTexts(data []byte) ([]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var (
		texts []string
		buf   strings.Builder
		inT   bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return texts, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inT = true
				buf.Reset()
			}
		case xml.EndElement:
			if t.Name.Local == "t" && inT {
				inT = false
				if s := strings.TrimSpace(buf.String()); s != "" {
					texts = append(texts, s)
				}
			}
		case xml.CharData:
			if inT {
				buf.Write(t)
			}
		}
	}
}
