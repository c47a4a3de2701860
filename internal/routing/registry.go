package routing

import (
	"fmt"
	"net/http"
	"sort"
)

// Registry maps handler names used in route modules to Go handlers.
type Registry struct {
	handlers map[string]http.Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]http.Handler)}
}

// Register adds a handler. Registering the same name twice is a programming
// error and panics.
func (r *Registry) Register(name string, h http.Handler) {
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("routing: handler %q registered twice", name))
	}
	r.handlers[name] = h
}

// RegisterFunc adds a handler function.
func (r *Registry) RegisterFunc(name string, fn http.HandlerFunc) {
	r.Register(name, fn)
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (http.Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
