package routing

import (
	"fmt"
	"regexp"

	"github.com/rs/zerolog/log"
)

// Table is the ordered dispatch table. Earlier entries win: an entry whose
// method and pattern match an existing one is dropped.
type Table struct {
	entries []Route
	index   map[string]int
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{index: make(map[string]int)}
}

var paramPattern = regexp.MustCompile(`\{[^{}:]*(:[^{}]*)?\}`)

// routeKey ignores parameter names, since chi treats /{a} and /{b} as the same route.
func routeKey(method, pattern string) string {
	return method + " " + paramPattern.ReplaceAllString(pattern, "{$1}")
}

// Add appends r unless an entry with the same method and pattern is already
// present. It reports whether r was added.
func (t *Table) Add(r Route) bool {
	key := routeKey(r.Method, r.Pattern)
	if i, ok := t.index[key]; ok {
		existing := t.entries[i]
		log.Warn().
			Str("method", r.Method).
			Str("pattern", r.Pattern).
			Str("origin", r.Origin).
			Str("source", r.Source).
			Str("kept_origin", existing.Origin).
			Str("kept_source", existing.Source).
			Msg("Route shadowed by an earlier mount, skipping")
		return false
	}
	t.index[key] = len(t.entries)
	t.entries = append(t.entries, r)
	return true
}

// AddModules adds every route of every module in order and returns how many were added.
func (t *Table) AddModules(modules []*Module) int {
	added := 0
	for _, m := range modules {
		for _, r := range m.Routes {
			if t.Add(r) {
				added++
			}
		}
	}
	return added
}

// Entries returns a copy of the table in mount order.
func (t *Table) Entries() []Route {
	out := make([]Route, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Clone returns an independent copy of the table.
func (t *Table) Clone() *Table {
	c := NewTable()
	for _, r := range t.entries {
		c.Add(r)
	}
	return c
}

// Validate checks that every first-party handler route names a registered handler.
func (t *Table) Validate(handlers *Registry) error {
	for _, r := range t.entries {
		if r.Origin != CoreOrigin || r.Action.Kind != ActionHandler {
			continue
		}
		if _, ok := handlers.Lookup(r.Action.Handler); !ok {
			return fmt.Errorf("%s %s in %s: unknown handler %q", r.Method, r.Pattern, r.Source, r.Action.Handler)
		}
	}
	return nil
}
