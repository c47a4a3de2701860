package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// MountOptions supplies what route actions need at request time.
type MountOptions struct {
	Handlers *Registry
	Views    *ViewResolver
	// Locals returns values merged into every template's data under their
	// own keys, e.g. "plugins".
	Locals func(r *http.Request) map[string]any
	// Reserved lists path prefixes owned by the panel itself. Routes from
	// extensions under one of them are skipped.
	Reserved []string
}

// Mount registers every table entry on router in table order and returns how
// many were mounted. Entries that cannot be served are skipped with a
// warning, as are extension entries under a reserved prefix.
func Mount(router chi.Router, table *Table, opts MountOptions) int {
	mounted := 0
	for _, route := range table.Entries() {
		if route.Origin != CoreOrigin && opts.reserves(route.Pattern) {
			log.Warn().Str("origin", route.Origin).Str("source", route.Source).Str("pattern", route.Pattern).Msg("Route under a reserved path, skipping")
			continue
		}
		h := opts.handlerFor(route)
		if h == nil {
			continue
		}
		if err := mountRoute(router, route, h); err != nil {
			log.Warn().Err(err).Str("origin", route.Origin).Str("source", route.Source).Str("pattern", route.Pattern).Msg("Route rejected by router, skipping")
			continue
		}
		mounted++
	}
	log.Info().Int("routes", mounted).Int("entries", table.Len()).Msg("Dispatch table mounted")
	return mounted
}

func mountRoute(router chi.Router, route Route, h http.Handler) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%v", p)
		}
	}()
	router.Method(route.Method, route.Pattern, h)
	return nil
}

func (o MountOptions) reserves(pattern string) bool {
	for _, prefix := range o.Reserved {
		rest, ok := strings.CutPrefix(pattern, prefix)
		if !ok {
			continue
		}
		if rest == "" || rest[0] == '/' || rest[0] == '*' || rest[0] == '{' {
			return true
		}
	}
	return false
}

func (o MountOptions) handlerFor(route Route) http.Handler {
	a := route.Action
	switch a.Kind {
	case ActionHandler:
		h, ok := o.Handlers.Lookup(a.Handler)
		if !ok {
			log.Warn().Str("origin", route.Origin).Str("source", route.Source).Str("handler", a.Handler).Msg("Unknown route handler, skipping")
			return nil
		}
		return h
	case ActionRedirect:
		return http.RedirectHandler(a.Target, a.Status)
	case ActionJSON:
		body := []byte(a.Data)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write(body)
		})
	case ActionStatic:
		file := a.File
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, file)
		})
	case ActionTemplate:
		if o.Views == nil {
			log.Warn().Str("origin", route.Origin).Str("source", route.Source).Msg("Template route without a view resolver, skipping")
			return nil
		}
		return o.templateHandler(route)
	}
	return nil
}

func (o MountOptions) templateHandler(route Route) http.Handler {
	var static map[string]any
	if len(route.Action.Data) > 0 {
		if err := json.Unmarshal(route.Action.Data, &static); err != nil {
			// Non-object data is exposed as .data.
			var v any
			json.Unmarshal(route.Action.Data, &v)
			static = map[string]any{"data": v}
		}
	}
	name := route.Action.Template

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data := make(map[string]any, len(static)+2)
		for k, v := range static {
			data[k] = v
		}
		if o.Locals != nil {
			for k, v := range o.Locals(r) {
				data[k] = v
			}
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := o.Views.Render(w, name, data); err != nil {
			log.Error().Err(err).Str("view", name).Msg("Failed to render view")
			status := http.StatusInternalServerError
			if errors.Is(err, ErrViewNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, http.StatusText(status), status)
		}
	})
}

// NotFoundHandler renders the "errors/404" view when one exists.
func NotFoundHandler(views *ViewResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if views != nil {
			if _, err := views.Resolve("errors/404"); err == nil {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.WriteHeader(http.StatusNotFound)
				if err := views.Render(w, "errors/404", map[string]any{"path": r.URL.Path}); err != nil {
					log.Error().Err(err).Msg("Failed to render 404 view")
				}
				return
			}
		}
		http.NotFound(w, r)
	}
}
