package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames(t *testing.T) {
	assert.Equal(t, []string{
		"doc.extract_requirements",
		"doc.summarize",
		"kb.crosslink",
		"pdf.policy_risk",
		"ppt.to_outline",
	}, Names())
	assert.Len(t, List(), 5)
}

func TestRender_Path(t *testing.T) {
	got, err := Render("doc.summarize", map[string]any{"path": ".escarabajo/kb/docs/a.docx.md"})
	require.NoError(t, err)
	assert.Contains(t, got, "**.escarabajo/kb/docs/a.docx.md**")
	assert.NotContains(t, got, "{{")
}

func TestRender_NoParamsReturnsTemplate(t *testing.T) {
	got, err := Render("ppt.to_outline", nil)
	require.NoError(t, err)
	p, ok := Get("ppt.to_outline")
	require.True(t, ok)
	assert.Equal(t, p.Text, got)
}

func TestRender_MissingParam(t *testing.T) {
	_, err := Render("doc.summarize", map[string]any{"other": "x"})
	assert.Error(t, err)
}

func TestRender_Crosslink(t *testing.T) {
	want := "Given these paths:\n- a.md\n- b.md\nPropose cross-links"

	got, err := Render("kb.crosslink", map[string]any{"paths": []any{"a.md", "b.md"}})
	require.NoError(t, err)
	assert.Contains(t, got, want)

	got, err = Render("kb.crosslink", map[string]any{"paths": "a.md, b.md\n"})
	require.NoError(t, err)
	assert.Contains(t, got, want)
}

func TestRender_Unknown(t *testing.T) {
	_, err := Render("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownPrompt)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitList([]string{" a ", "", "b"}))
	assert.Equal(t, []string{"x"}, SplitList("x"))
	assert.Equal(t, []string{"3"}, SplitList(3))
}
