package routing

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrViewNotFound is returned when no search path holds the named template.
var ErrViewNotFound = errors.New("view not found")

var viewExts = []string{".html", ".tmpl"}

// ViewResolver finds templates along an ordered search path; the first
// directory that holds a name wins.
type ViewResolver struct {
	paths []string

	mu    sync.Mutex
	cache map[string]*template.Template
}

// NewViewResolver creates a resolver over paths, highest priority first.
func NewViewResolver(paths ...string) *ViewResolver {
	return &ViewResolver{paths: paths, cache: make(map[string]*template.Template)}
}

// Paths returns the search path.
func (v *ViewResolver) Paths() []string {
	out := make([]string, len(v.paths))
	copy(out, v.paths)
	return out
}

// Resolve returns the file that provides name, e.g. "errors/404".
func (v *ViewResolver) Resolve(name string) (string, error) {
	rel := filepath.FromSlash(name)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrViewNotFound, name)
	}
	for _, dir := range v.paths {
		for _, ext := range viewExts {
			candidate := filepath.Join(dir, rel+ext)
			if st, err := os.Stat(candidate); err == nil && st.Mode().IsRegular() {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %q", ErrViewNotFound, name)
}

// Render executes the named template with data. Output is buffered so a
// template error never leaves a half-written page.
func (v *ViewResolver) Render(w io.Writer, name string, data any) error {
	path, err := v.Resolve(name)
	if err != nil {
		return err
	}
	tmpl, err := v.load(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("failed to render view %s: %w", name, err)
	}
	_, err = buf.WriteTo(w)
	return err
}

func (v *ViewResolver) load(path string) (*template.Template, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t, ok := v.cache[path]; ok {
		return t, nil
	}
	t, err := template.ParseFiles(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse view %s: %w", path, err)
	}
	v.cache[path] = t
	return t, nil
}
