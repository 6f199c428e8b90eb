package extract

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// DOCX extracts WordprocessingML documents. Headings become Markdown
// headings, numbered and bulleted paragraphs become list items and, with
// KeepTables, tables become Markdown tables.
type DOCX struct{}

type docxParagraph struct {
	text  string
	style string
	list  bool
}

// Extract implements Extractor
func (DOCX) Extract(ctx context.Context, path string, opts Options) (string, error) {
	zr, err := openPackage(path)
	if err != nil {
		return "", err
	}
	defer zr.Close()

	data, err := readPart(zr, "word/document.xml")
	if err != nil {
		return "", err
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	if !seekElement(dec, "body") {
		return "", nil
	}

	var blocks []string
	for {
		if err := checkCtx(ctx); err != nil {
			return "", err
		}
		se, ok, err := nextStart(dec)
		if err != nil {
			return "", err
		}
		if !ok {
			break
		}

		switch se.Name.Local {
		case "p":
			p, err := readParagraph(dec)
			if err != nil {
				return "", err
			}
			if p.text != "" {
				blocks = append(blocks, p.markdown())
			}
		case "tbl":
			if !opts.KeepTables {
				if err := dec.Skip(); err != nil {
					return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
				}
				continue
			}
			rows, err := readTable(dec)
			if err != nil {
				return "", err
			}
			if md := tableMarkdown(rows); md != "" {
				blocks = append(blocks, md)
			}
		default:
			if err := dec.Skip(); err != nil {
				return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
		}
	}

	return finish(blocks, "\n\n"), nil
}

func (p docxParagraph) markdown() string {
	if strings.HasPrefix(p.style, "Heading") {
		level, err := strconv.Atoi(strings.TrimPrefix(p.style, "Heading"))
		if err != nil {
			level = 1
		}
		level = max(1, min(level, 6))
		return strings.Repeat("#", level) + " " + p.text
	}
	if p.list {
		return "- " + p.text
	}
	return p.text
}

// seekElement advances dec past the first start element named local
func seekElement(dec *xml.Decoder, local string) bool {
	for {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == local {
			return true
		}
	}
}

// readParagraph consumes a w:p element
func readParagraph(dec *xml.Decoder) (docxParagraph, error) {
	var (
		p     docxParagraph
		buf   strings.Builder
		depth = 1
		inT   = 0
		inPPr = false
	)
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return p, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch {
			case depth == 2 && t.Name.Local == "pPr":
				inPPr = true
			case inPPr && depth == 3 && t.Name.Local == "pStyle":
				p.style = attr(t, "val")
			case inPPr && depth == 3 && t.Name.Local == "numPr":
				p.list = true
			case t.Name.Local == "t":
				inT++
			}
		case xml.EndElement:
			if depth == 2 && t.Name.Local == "pPr" {
				inPPr = false
			}
			if t.Name.Local == "t" && inT > 0 {
				inT--
			}
			depth--
		case xml.CharData:
			if inT > 0 {
				buf.Write(t)
			}
		}
	}
	p.text = strings.TrimSpace(buf.String())
	return p, nil
}

// readTable consumes a w:tbl element into rows of cells. A cell's
// paragraphs are joined with <br/>.
func readTable(dec *xml.Decoder) ([][]string, error) {
	var rows [][]string
	for {
		se, ok, err := nextStart(dec)
		if err != nil {
			return nil, err
		}
		if !ok {
			return rows, nil
		}
		if se.Name.Local != "tr" {
			if err := dec.Skip(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			continue
		}
		row, err := readRow(dec)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

func readRow(dec *xml.Decoder) ([]string, error) {
	var row []string
	for {
		se, ok, err := nextStart(dec)
		if err != nil {
			return nil, err
		}
		if !ok {
			return row, nil
		}
		if se.Name.Local != "tc" {
			if err := dec.Skip(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			continue
		}
		cell, err := readCell(dec)
		if err != nil {
			return nil, err
		}
		row = append(row, cell)
	}
}

func readCell(dec *xml.Decoder) (string, error) {
	var parts []string
	for {
		se, ok, err := nextStart(dec)
		if err != nil {
			return "", err
		}
		if !ok {
			return strings.Join(parts, "<br/>"), nil
		}
		if se.Name.Local != "p" {
			if err := dec.Skip(); err != nil {
				return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			continue
		}
		p, err := readParagraph(dec)
		if err != nil {
			return "", err
		}
		if p.text != "" {
			parts = append(parts, p.text)
		}
	}
}

// tableMarkdown renders rows as a Markdown table whose first row is the
// header. Short rows are padded.
func tableMarkdown(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	cols := 0
	for _, r := range rows {
		cols = max(cols, len(r))
	}
	if cols == 0 {
		return ""
	}

	line := func(cells []string) string {
		padded := make([]string, cols)
		copy(padded, cells)
		return "| " + strings.Join(padded, " | ") + " |"
	}

	align := make([]string, cols)
	for i := range align {
		align[i] = "---"
	}

	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, line(rows[0]), line(align))
	for _, r := range rows[1:] {
		lines = append(lines, line(r))
	}
	return strings.Join(lines, "\n")
}
