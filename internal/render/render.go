// Package render turns HTML and templates into PDF documents.
package render

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Renderer converts an HTML document to PDF bytes.
type Renderer interface {
	Render(ctx context.Context, html string) ([]byte, error)
}

// TemplateExpander expands templates into HTML.
type TemplateExpander interface {
	// ExpandNamed expands a template from the template directory.
	ExpandNamed(name string, data map[string]interface{}) (string, error)
	// ExpandInline expands template source supplied by the caller.
	ExpandInline(source string, data map[string]interface{}) (string, error)
}

// RenderError wraps a failure of the PDF engine.
type RenderError struct {
	Err     error
	Timeout bool
}

func (e *RenderError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("pdf generation timed out: %v", e.Err)
	}
	return fmt.Sprintf("pdf generation failed: %v", e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

func renderError(err error) error {
	return &RenderError{
		Err:     err,
		Timeout: errors.Is(err, context.DeadlineExceeded),
	}
}

// Template error kinds.
const (
	TemplateNotFound = "not_found"
	TemplateSyntax   = "syntax"
	TemplateData     = "data"
)

// TemplateError reports a template that could not be expanded.
type TemplateError struct {
	Name string
	Kind string
	Err  error
}

func (e *TemplateError) Error() string {
	switch e.Kind {
	case TemplateNotFound:
		return fmt.Sprintf("template '%s' was not found", e.Name)
	case TemplateSyntax:
		return fmt.Sprintf("template '%s' is invalid: %v", e.Name, e.Err)
	default:
		return fmt.Sprintf("template '%s' could not be rendered: %v", e.Name, e.Err)
	}
}

func (e *TemplateError) Unwrap() error {
	return e.Err
}

var (
	headCloseRe = regexp.MustCompile(`(?i)</head>`)
	htmlOpenRe  = regexp.MustCompile(`(?i)<html[^>]*>`)
)

// InjectCSS places css in a <style> element: before </head> when the
// document has one, otherwise in a new head right after <html>, otherwise the
// fragment is wrapped in a complete document.
func InjectCSS(html, css string) string {
	if css == "" {
		return html
	}
	style := "<style>" + css + "</style>"

	if loc := headCloseRe.FindStringIndex(html); loc != nil {
		return html[:loc[0]] + style + html[loc[0]:]
	}
	if loc := htmlOpenRe.FindStringIndex(html); loc != nil {
		return html[:loc[1]] + "<head>" + style + "</head>" + html[loc[1]:]
	}
	return "<html><head>" + style + "</head><body>" + html + "</body></html>"
}

// Source describes what to render. Exactly one of HTML, Template or
// TemplateSource is set.
type Source struct {
	HTML           string
	Template       string
	TemplateSource string
	CSS            string
	Data           map[string]interface{}
}

// BuildHTML produces the final HTML document for src. Templates see the CSS
// as the "css" variable; when their output does not include it, it is
// injected like for raw HTML.
func BuildHTML(expander TemplateExpander, src Source) (string, error) {
	if strings.TrimSpace(src.HTML) != "" {
		return InjectCSS(src.HTML, src.CSS), nil
	}

	data := make(map[string]interface{}, len(src.Data)+1)
	for k, v := range src.Data {
		data[k] = v
	}
	data["css"] = src.CSS

	var (
		html string
		err  error
	)
	switch {
	case strings.TrimSpace(src.Template) != "":
		html, err = expander.ExpandNamed(strings.TrimSpace(src.Template), data)
	case strings.TrimSpace(src.TemplateSource) != "":
		html, err = expander.ExpandInline(src.TemplateSource, data)
	default:
		return "", &TemplateError{Name: "", Kind: TemplateNotFound, Err: errors.New("missing render source")}
	}
	if err != nil {
		return "", err
	}

	if src.CSS != "" && !strings.Contains(html, src.CSS) {
		html = InjectCSS(html, src.CSS)
	}
	return html, nil
}
