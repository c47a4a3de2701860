package extensions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
)

// Set is the ordered, read-only collection of loaded extensions.
type Set struct {
	ordered []*Descriptor
	byName  map[string]*Descriptor
}

func newSet() *Set {
	return &Set{byName: make(map[string]*Descriptor)}
}

func (s *Set) add(d *Descriptor) bool {
	if _, exists := s.byName[d.Name]; exists {
		return false
	}
	s.byName[d.Name] = d
	s.ordered = append(s.ordered, d)
	return true
}

// Names returns extension names in discovery order.
func (s *Set) Names() []string {
	names := make([]string, len(s.ordered))
	for i, d := range s.ordered {
		names[i] = d.Name
	}
	return names
}

// Get returns the extension called name.
func (s *Set) Get(name string) (*Descriptor, bool) {
	d, ok := s.byName[name]
	return d, ok
}

// All returns the descriptors in discovery order.
func (s *Set) All() []*Descriptor {
	out := make([]*Descriptor, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Len returns the number of loaded extensions.
func (s *Set) Len() int {
	return len(s.ordered)
}

// LoadAll reads the descriptor of every immediate subdirectory of root in
// lexical order. Extensions with an invalid descriptor, or whose name was
// already taken by an earlier directory, are skipped with a warning. A
// missing or unreadable root yields an empty set. Only cancellation of ctx
// returns an error.
func LoadAll(ctx context.Context, root string) (*Set, error) {
	set := newSet()

	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("dir", root).Msg("Plugins directory not found, no extensions loaded")
		} else {
			log.Warn().Err(err).Str("dir", root).Msg("Plugins directory unreadable, no extensions loaded")
		}
		return set, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := filepath.Join(root, entry.Name())
		if !isDir(dir) {
			continue
		}

		d, err := ReadDescriptor(dir)
		if err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Skipping extension")
			continue
		}
		if !set.add(d) {
			kept, _ := set.Get(d.Name)
			log.Warn().
				Str("name", d.Name).
				Str("dir", dir).
				Str("kept_dir", kept.Root).
				Msg("Duplicate extension name, skipping")
			continue
		}
		log.Info().
			Str("name", d.Name).
			Str("version", d.Version).
			Interface("capabilities", d.Capabilities).
			Msg("Loaded extension")
	}
	return set, nil
}
