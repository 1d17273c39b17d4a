package render

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/flosch/pongo2/v6"
)

const inlineTemplateName = "template_file"

// errOutsideRoot is returned for template paths that leave the template directory.
var errOutsideRoot = errors.New("template path outside the template directory")

// dirLoader loads templates from a single directory. Every name, including
// the targets of include, extends and import, is resolved against the root
// and must stay inside it.
type dirLoader struct {
	root string
}

func (l *dirLoader) Abs(_, name string) string {
	path := filepath.Clean(filepath.FromSlash(name))
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.root, path)
	}
	if !within(l.root, path) {
		return ""
	}
	return path
}

func (l *dirLoader) Get(path string) (io.Reader, error) {
	if path == "" || !within(l.root, path) {
		return nil, errOutsideRoot
	}
	// Symlinks must not lead out of the directory either.
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, err
	}
	root, err := filepath.EvalSymlinks(l.root)
	if err != nil {
		return nil, err
	}
	if !within(root, real) {
		return nil, errOutsideRoot
	}
	buf, err := os.ReadFile(real)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(buf), nil
}

func within(root, path string) bool {
	if strings.Contains(path, "\x00") {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// PongoExpander expands Jinja-style templates with pongo2. Named templates
// are loaded from a single directory and may only include, extend or import
// templates from that directory. Uploaded templates get the same confinement,
// and ssi, which reads files past the loader, is banned.
type PongoExpander struct {
	dir string
	set *pongo2.TemplateSet
}

// NewPongoExpander creates an expander rooted at dir. The directory does not
// have to exist; named lookups then report TemplateNotFound.
func NewPongoExpander(dir string) (*PongoExpander, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve template dir: %w", err)
	}
	set := pongo2.NewSet("gopdf", &dirLoader{root: abs})
	if err := set.BanTag("ssi"); err != nil {
		return nil, fmt.Errorf("failed to restrict template set: %w", err)
	}
	return &PongoExpander{dir: abs, set: set}, nil
}

// ExpandNamed expands the template called name.
func (p *PongoExpander) ExpandNamed(name string, data map[string]interface{}) (string, error) {
	path, ok := p.resolve(name)
	if !ok {
		return "", &TemplateError{Name: name, Kind: TemplateNotFound}
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return "", &TemplateError{Name: name, Kind: TemplateNotFound, Err: err}
	}

	tpl, err := p.set.FromFile(path)
	if err != nil {
		return "", &TemplateError{Name: name, Kind: TemplateSyntax, Err: err}
	}
	return execute(tpl, name, data)
}

// ExpandInline expands template source supplied with the request.
func (p *PongoExpander) ExpandInline(source string, data map[string]interface{}) (string, error) {
	tpl, err := p.set.FromString(source)
	if err != nil {
		return "", &TemplateError{Name: inlineTemplateName, Kind: TemplateSyntax, Err: err}
	}
	return execute(tpl, inlineTemplateName, data)
}

func (p *PongoExpander) resolve(name string) (string, bool) {
	if name == "" || filepath.IsAbs(name) {
		return "", false
	}
	path := filepath.Join(p.dir, filepath.FromSlash(name))
	if !within(p.dir, path) {
		return "", false
	}
	return path, true
}

func execute(tpl *pongo2.Template, name string, data map[string]interface{}) (string, error) {
	out, err := tpl.Execute(pongo2.Context(data))
	if err != nil {
		return "", &TemplateError{Name: name, Kind: TemplateData, Err: err}
	}
	return out, nil
}
