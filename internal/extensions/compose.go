package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/isdelr/ender-panel/internal/models"
	"github.com/isdelr/ender-panel/internal/routing"
	"github.com/isdelr/ender-panel/internal/services"
	"github.com/rs/zerolog/log"
)

// SettingsKey is the settings key under which all extension entries are
// exposed. A single extension's configuration is at SettingsKey + "." + name.
const SettingsKey = "plugins"

// Surface is the composed application surface: the dispatch table, the view
// search path and the settings entries contributed by extensions. It is
// built once at startup and never modified afterwards.
type Surface struct {
	table     *routing.Table
	viewPaths []string
	entries   []models.SettingsEntry
	byName    map[string]int
	providers map[Capability][]string
}

// Compose merges the extensions of set, in discovery order, with the
// first-party route table and views directory. core is not modified.
//
// A capability whose backing directory is missing is skipped with a warning.
// Route modules that fail to parse are skipped, as are the routes of an
// extension whose routes directory cannot be read. Routes that collide with
// an earlier entry are shadowed. Only cancellation of ctx returns an error.
func Compose(ctx context.Context, set *Set, core *routing.Table, coreViewsDir string) (*Surface, error) {
	s := &Surface{
		table:     core.Clone(),
		byName:    make(map[string]int),
		providers: make(map[Capability][]string),
	}
	if coreViewsDir != "" {
		s.viewPaths = append(s.viewPaths, coreViewsDir)
	}

	for _, d := range set.All() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d.Has(CapRoutes) {
			if err := s.addRoutes(ctx, d); err != nil {
				return nil, err
			}
		}
		if d.Has(CapViews) {
			s.addViews(d)
		}
		if d.Has(CapSettingsEntries) {
			if err := s.addSettings(d); err != nil {
				log.Warn().Err(err).Str("extension", d.Name).Msg("Skipping settings entry")
			}
		}
	}

	log.Info().
		Int("extensions", set.Len()).
		Int("routes", s.table.Len()).
		Int("view_paths", len(s.viewPaths)).
		Int("settings_entries", len(s.entries)).
		Msg("Extensions composed")
	return s, nil
}

func (s *Surface) addRoutes(ctx context.Context, d *Descriptor) error {
	dir := d.RoutesPath()
	if !isDir(dir) {
		log.Warn().Str("extension", d.Name).Str("dir", dir).Msg("Extension declares routes but has no routes directory")
		return nil
	}
	modules, err := routing.Discover(ctx, dir, routing.WithOrigin(d.Name), routing.SkipInvalidModules())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("extension", d.Name).Str("dir", dir).Msg("Failed to read extension routes, skipping")
		return nil
	}
	added := s.table.AddModules(modules)
	s.providers[CapRoutes] = append(s.providers[CapRoutes], d.Name)
	log.Debug().Str("extension", d.Name).Int("modules", len(modules)).Int("routes", added).Msg("Extension routes mounted")
	return nil
}

func (s *Surface) addViews(d *Descriptor) {
	dir := d.ViewsPath()
	if !isDir(dir) {
		log.Warn().Str("extension", d.Name).Str("dir", dir).Msg("Extension declares views but has no views directory")
		return
	}
	s.viewPaths = append(s.viewPaths, dir)
	s.providers[CapViews] = append(s.providers[CapViews], d.Name)
}

func (s *Surface) addSettings(d *Descriptor) error {
	config, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("configuration of %s is not JSON-encodable: %w", d.Name, err)
	}
	s.byName[d.Name] = len(s.entries)
	s.entries = append(s.entries, models.SettingsEntry{
		Name:        d.Name,
		Version:     d.Version,
		Description: d.Description,
		Config:      config,
	})
	s.providers[CapSettingsEntries] = append(s.providers[CapSettingsEntries], d.Name)
	return nil
}

// Table returns the composed dispatch table.
func (s *Surface) Table() *routing.Table {
	return s.table
}

// ViewPaths returns the template search path, first-party directory first.
func (s *Surface) ViewPaths() []string {
	out := make([]string, len(s.viewPaths))
	copy(out, s.viewPaths)
	return out
}

// SettingsEntries returns the settings entries in discovery order.
func (s *Surface) SettingsEntries() []models.SettingsEntry {
	out := make([]models.SettingsEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Providers returns the extensions that contributed capability c, in
// discovery order.
func (s *Surface) Providers(c Capability) []string {
	names := s.providers[c]
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Get implements services.SettingsReader for the extension keys.
func (s *Surface) Get(_ context.Context, key string) (json.RawMessage, error) {
	if key == SettingsKey {
		return json.Marshal(s.SettingsEntries())
	}
	if name, ok := strings.CutPrefix(key, SettingsKey+"."); ok {
		if i, ok := s.byName[name]; ok {
			return s.entries[i].Config, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", services.ErrSettingNotFound, key)
}
