package extract

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wordNS = `xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"`

// writeZip builds an OOXML-style container from part name to content
func writeZip(t *testing.T, path string, parts map[string]string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range parts {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func docxBody(body string) map[string]string {
	return map[string]string{
		"[Content_Types].xml": `<?xml version="1.0"?><Types/>`,
		"word/document.xml":   `<?xml version="1.0" encoding="UTF-8"?><w:document ` + wordNS + `><w:body>` + body + `</w:body></w:document>`,
	}
}

func para(style, text string) string {
	ppr := ""
	if style != "" {
		ppr = `<w:pPr><w:pStyle w:val="` + style + `"/></w:pPr>`
	}
	return `<w:p>` + ppr + `<w:r><w:t>` + text + `</w:t></w:r></w:p>`
}

func TestDOCX_Extract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.docx")
	body := para("Heading1", "Title") +
		para("", "Plain paragraph") +
		`<w:p><w:pPr><w:numPr><w:ilvl w:val="0"/></w:numPr></w:pPr><w:r><w:t>First </w:t></w:r><w:r><w:t>item</w:t></w:r></w:p>` +
		para("Heading9", "Deep") +
		para("HeadingX", "Odd") +
		para("", "   ") +
		`<w:tbl><w:tr><w:tc>` + para("", "Name") + `</w:tc><w:tc>` + para("", "Value") + `</w:tc></w:tr>` +
		`<w:tr><w:tc>` + para("", "a") + para("", "b") + `</w:tc></w:tr></w:tbl>` +
		`<w:sectPr/>`
	writeZip(t, path, docxBody(body))

	got, err := DOCX{}.Extract(context.Background(), path, DefaultOptions())
	require.NoError(t, err)

	want := "# Title\n\n" +
		"Plain paragraph\n\n" +
		"- First item\n\n" +
		"###### Deep\n\n" +
		"# Odd\n\n" +
		"| Name | Value |\n| --- | --- |\n| a<br/>b |  |\n"
	assert.Equal(t, want, got)
}

func TestDOCX_DropTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.docx")
	body := para("", "Before") +
		`<w:tbl><w:tr><w:tc>` + para("", "cell") + `</w:tc></w:tr></w:tbl>` +
		para("", "After")
	writeZip(t, path, docxBody(body))

	opts := DefaultOptions()
	opts.KeepTables = false
	got, err := DOCX{}.Extract(context.Background(), path, opts)
	require.NoError(t, err)
	assert.Equal(t, "Before\n\nAfter\n", got)
}

func TestDOCX_Deterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.docx")
	writeZip(t, path, docxBody(para("Heading2", "Same")+para("", "text")))

	first, err := DOCX{}.Extract(context.Background(), path, DefaultOptions())
	require.NoError(t, err)
	second, err := DOCX{}.Extract(context.Background(), path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "## Same\n\ntext\n", first)
}

func TestDOCX_Corrupt(t *testing.T) {
	dir := t.TempDir()

	notZip := filepath.Join(dir, "bad.docx")
	require.NoError(t, os.WriteFile(notZip, []byte("definitely not a zip"), 0644))
	_, err := DOCX{}.Extract(context.Background(), notZip, DefaultOptions())
	assert.ErrorIs(t, err, ErrCorrupt)

	missingPart := filepath.Join(dir, "empty.docx")
	writeZip(t, missingPart, map[string]string{"other.xml": "<x/>"})
	_, err = DOCX{}.Extract(context.Background(), missingPart, DefaultOptions())
	assert.ErrorIs(t, err, ErrCorrupt)

	badXML := filepath.Join(dir, "xml.docx")
	writeZip(t, badXML, map[string]string{"word/document.xml": `<w:document ` + wordNS + `><w:body><w:p><w:r>`})
	_, err = DOCX{}.Extract(context.Background(), badXML, DefaultOptions())
	assert.ErrorIs(t, err, ErrCorrupt)
}

func slideXML(texts ...string) string {
	s := `<?xml version="1.0"?><p:sld xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main" xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main"><p:cSld><p:spTree>`
	for _, t := range texts {
		s += `<p:sp><p:txBody><a:p><a:r><a:t>` + t + `</a:t></a:r></a:p></p:txBody></p:sp>`
	}
	return s + `</p:spTree></p:cSld></p:sld>`
}

func TestPPTX_Extract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deck.pptx")
	writeZip(t, path, map[string]string{
		"ppt/presentation.xml":             "<p/>",
		"ppt/slides/slide1.xml":            slideXML("Intro", "  "),
		"ppt/slides/slide2.xml":            slideXML(),
		"ppt/slides/slide10.xml":           slideXML("Ten"),
		"ppt/slides/slide3.xml":            slideXML(" Three ", "bullet"),
		"ppt/slides/_rels/slide1.xml.rels": "<r/>",
	})

	got, err := PPTX{}.Extract(context.Background(), path, DefaultOptions())
	require.NoError(t, err)

	want := "--- slide 1 ---\n- Intro\n" +
		"--- slide 3 ---\n- Three\n- bullet\n" +
		"--- slide 4 ---\n- Ten\n"
	assert.Equal(t, want, got)
}

func TestPPTX_CustomDelimiter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deck.pptx")
	writeZip(t, path, map[string]string{"ppt/slides/slide1.xml": slideXML("Only")})

	opts := DefaultOptions()
	opts.SlideDelimiter = "## Slide {n}"
	got, err := PPTX{}.Extract(context.Background(), path, opts)
	require.NoError(t, err)
	assert.Equal(t, "## Slide 1\n- Only\n", got)
}

func TestPPTX_NoSlides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deck.pptx")
	writeZip(t, path, map[string]string{"ppt/presentation.xml": "<p/>"})

	got, err := PPTX{}.Extract(context.Background(), path, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPPTX_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.pptx")
	require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04 truncated"), 0644))

	_, err := PPTX{}.Extract(context.Background(), path, DefaultOptions())
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestPDF_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.pdf")
	require.NoError(t, os.WriteFile(path, []byte("not a pdf at all"), 0644))

	_, err := PDF{}.Extract(context.Background(), path, DefaultOptions())
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestRenderPages(t *testing.T) {
	got := renderPages([]string{"  line one \r\nline two\n\n", "", "third\rfourth"}, "")
	want := "--- page 1 ---\nline one\nline two\n--- page 2 ---\n--- page 3 ---\nthird\nfourth\n"
	assert.Equal(t, want, got)

	assert.Equal(t, "", renderPages(nil, ""))
	assert.Equal(t, "<1>\nx\n", renderPages([]string{"x"}, "<{n}>"))
}

type stubOCR struct {
	calls []int
	err   error
}

func (s *stubOCR) RecognizePage(_ context.Context, _ string, page int) (string, error) {
	s.calls = append(s.calls, page)
	return "recognized", s.err
}

func TestOCRPages(t *testing.T) {
	pages := []string{"text", "  ", "more"}

	_, err := ocrPages(context.Background(), nil, "x.pdf", pages)
	assert.ErrorIs(t, err, ErrOCRUnavailable)

	engine := &stubOCR{}
	got, err := ocrPages(context.Background(), engine, "x.pdf", pages)
	require.NoError(t, err)
	assert.Equal(t, []string{"text", "recognized", "more"}, got)
	assert.Equal(t, []int{2}, engine.calls)
	assert.Equal(t, "  ", pages[1], "input is not modified")

	failing := &stubOCR{err: errors.New("engine crashed")}
	_, err = ocrPages(context.Background(), failing, "x.pdf", pages)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := Default(nil)

	assert.Equal(t, []string{".docx", ".pdf", ".pptx"}, r.Extensions())
	assert.True(t, r.Supports("docs/A.DOCX"))
	assert.False(t, r.Supports("notes.txt"))

	_, err := r.Extract(context.Background(), "notes.txt", DefaultOptions())
	assert.ErrorIs(t, err, ErrUnsupported)

	r.Register("txt", ExtractorFunc(func(context.Context, string, Options) (string, error) {
		return "plain\n", nil
	}))
	got, err := r.Extract(context.Background(), "notes.txt", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "plain\n", got)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "docx", Format("a/b.DocX"))
	assert.Equal(t, "pdf", Format("x.pdf"))
	assert.Equal(t, "unknown", Format("Makefile"))
}
