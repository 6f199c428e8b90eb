// Package prompts holds the prompt pack offered alongside the cache: short
// instructions that point a model at cached artifacts by path.
package prompts

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"
)

// ErrUnknownPrompt is returned for a name that is not in the pack
var ErrUnknownPrompt = errors.New("unknown prompt")

// Arg describes one template parameter
type Arg struct {
	Name        string
	Description string
	List        bool // accepts several values
}

// Prompt is a named template
type Prompt struct {
	Name        string
	Description string
	Args        []Arg
	Text        string

	tmpl *template.Template
}

var pack = map[string]*Prompt{}

func register(p *Prompt) {
	p.tmpl = template.Must(template.New(p.Name).Option("missingkey=error").Parse(p.Text))
	pack[p.Name] = p
}

func init() {
	pathArg := []Arg{{Name: "path", Description: "Repository-relative path of the document or its cached text"}}

	register(&Prompt{
		Name:        "doc.summarize",
		Description: "Summarize a document",
		Args:        pathArg,
		Text: "You are extracting a precise summary of **{{.path}}**. Produce: TL;DR (5 bullets), " +
			"key sections with one-line takeaways, and a list of open questions. Quote sparingly; " +
			"prefer paraphrase.",
	})
	register(&Prompt{
		Name:        "doc.extract_requirements",
		Description: "List requirements and acceptance criteria from a document",
		Args:        pathArg,
		Text: "From **{{.path}}**, list functional requirements, non-functional requirements, constraints, " +
			"and explicit acceptance criteria. Output in Markdown tables.",
	})
	register(&Prompt{
		Name:        "ppt.to_outline",
		Description: "Turn a slide deck into an outline",
		Args:        pathArg,
		Text: "Turn **{{.path}}** into a clean outline: per slide → heading + 1-3 bullets; capture any " +
			"speaker notes as italicized sub-bullets.",
	})
	register(&Prompt{
		Name:        "pdf.policy_risk",
		Description: "Review a PDF for policy and compliance risks",
		Args:        pathArg,
		Text: "Inspect **{{.path}}** for policy or compliance risks. Return a table: section/page • risk • " +
			"severity • rationale • suggested mitigation.",
	})
	register(&Prompt{
		Name:        "kb.crosslink",
		Description: "Propose cross-links between several cached documents",
		Args:        []Arg{{Name: "paths", Description: "Paths to cross-link (comma or newline separated)", List: true}},
		Text: "Given these paths:\n{{range .paths}}- {{.}}\n{{end}}" +
			"Propose cross-links (related sections) and a consolidated index.md with anchors.",
	})
}

// List returns every prompt sorted by name
func List() []Prompt {
	out := make([]Prompt, 0, len(pack))
	for _, p := range pack {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted prompt names
func Names() []string {
	names := make([]string, 0, len(pack))
	for name := range pack {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the named prompt
func Get(name string) (Prompt, bool) {
	p, ok := pack[name]
	if !ok {
		return Prompt{}, false
	}
	return *p, true
}

// Render fills the named template with params. Without params the raw
// template text is returned.
func Render(name string, params map[string]any) (string, error) {
	p, ok := pack[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPrompt, name)
	}
	if len(params) == 0 {
		return p.Text, nil
	}

	data := make(map[string]any, len(params))
	for k, v := range params {
		data[k] = v
	}
	for _, a := range p.Args {
		if v, ok := data[a.Name]; ok && a.List {
			data[a.Name] = SplitList(v)
		}
	}

	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// SplitList coerces a list parameter. Strings are split on commas and
// newlines; blank items are dropped.
func SplitList(v any) []string {
	var raw []string
	switch val := v.(type) {
	case []string:
		raw = val
	case []any:
		for _, item := range val {
			raw = append(raw, fmt.Sprint(item))
		}
	case string:
		raw = strings.FieldsFunc(val, func(r rune) bool { return r == ',' || r == '\n' })
	default:
		raw = []string{fmt.Sprint(val)}
	}

	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
