package templ

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"text/template"

	"github.com/rs/zerolog/log"
)

//goland:noinspection SpellCheckingInspection
const option = "missingkey=error"

// TemplateRenderer parses and executes Go templates such as archive URL templates
// and the generated Dockerfile. Parsed templates are cached by content, so one
// renderer can be shared by concurrent variant builds.
type TemplateRenderer struct {
	cache sync.Map // map[string]*template.Template
}

// NewTemplateRenderer creates a new TemplateRenderer.
func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{}
}

// Render parses and executes a template with the given data.
func (r *TemplateRenderer) Render(w io.Writer, content string, data any) error {
	tmpl, err := r.Parse(content)
	if err != nil {
		return err
	}
	log.Trace().Msgf("rendering content with data: %#v", data)
	return tmpl.Execute(w, data)
}

// RenderString is Render into a string.
func (r *TemplateRenderer) RenderString(content string, data any) (string, error) {
	var sb strings.Builder
	if err := r.Render(&sb, content, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Parse returns the cached template for content, parsing it on first use.
func (r *TemplateRenderer) Parse(content string) (*template.Template, error) {
	if cached, ok := r.cache.Load(content); ok {
		return cached.(*template.Template), nil
	}

	tmpl, err := template.New("renderbox").
		Option(option).
		Funcs(funcs).
		Parse(content)
	if err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}

	r.cache.Store(content, tmpl)
	return tmpl, nil
}

var funcs = template.FuncMap{
	"join":  strings.Join,
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"quote": func(s string) string { return fmt.Sprintf("%q", s) },
}
