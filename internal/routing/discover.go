package routing

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/isdelr/ender-panel/internal/fsutil"
	"github.com/rs/zerolog/log"
)

// ModuleExt is the file extension of route modules.
const ModuleExt = ".hcl"

type discoverConfig struct {
	origin      string
	skipInvalid bool
}

// DiscoverOption configures Discover.
type DiscoverOption func(*discoverConfig)

// WithOrigin tags every discovered route with origin instead of CoreOrigin.
func WithOrigin(origin string) DiscoverOption {
	return func(c *discoverConfig) { c.origin = origin }
}

// SkipInvalidModules logs and skips modules that fail to parse instead of
// failing the whole discovery.
func SkipInvalidModules() DiscoverOption {
	return func(c *discoverConfig) { c.skipInvalid = true }
}

// Discover parses every route module below root in depth-first, lexical
// order. A missing root yields no modules.
func Discover(ctx context.Context, root string, opts ...DiscoverOption) ([]*Module, error) {
	cfg := discoverConfig{origin: CoreOrigin}
	for _, opt := range opts {
		opt(&cfg)
	}

	var modules []*Module
	for entry, err := range fsutil.Walk(root) {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				log.Warn().Str("dir", root).Str("origin", cfg.origin).Msg("Routes directory not found, no routes loaded")
				return nil, nil
			}
			return nil, fmt.Errorf("failed to walk routes directory %s: %w", root, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.Kind != fsutil.KindFile || !strings.EqualFold(filepath.Ext(entry.RelPath), ModuleExt) {
			continue
		}

		mod, err := ParseModule(entry.Path, entry.RelPath, cfg.origin)
		if err != nil {
			if cfg.skipInvalid {
				log.Warn().Err(err).Str("origin", cfg.origin).Str("module", entry.RelPath).Msg("Skipping invalid route module")
				continue
			}
			return nil, err
		}
		log.Debug().Str("origin", cfg.origin).Str("module", mod.Name).Int("routes", len(mod.Routes)).Msg("Loaded route module")
		modules = append(modules, mod)
	}
	return modules, nil
}
