// Package targeting holds the catalog of targeting configs and builds the
// boolean targeting expression clients evaluate before enrolling.
package targeting

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"nimbus/pkg/domain"
)

//go:embed targeting.yaml
var defaultCatalogYAML []byte

// Config is one named targeting expression template.
type Config struct {
	Slug               string               `yaml:"slug" json:"slug"`
	Name               string               `yaml:"name" json:"name"`
	Description        string               `yaml:"description" json:"description"`
	Targeting          string               `yaml:"targeting" json:"targeting"`
	StickyRequired     bool                 `yaml:"sticky_required" json:"sticky_required"`
	IsFirstRunRequired bool                 `yaml:"is_first_run_required" json:"is_first_run_required"`
	Applications       []domain.Application `yaml:"applications" json:"applications"`
}

// SupportsApplication reports whether the config may be used by app.
func (c Config) SupportsApplication(app domain.Application) bool {
	for _, candidate := range c.Applications {
		if candidate == app {
			return true
		}
	}
	return false
}

func (c Config) clone() Config {
	c.Applications = append([]domain.Application(nil), c.Applications...)
	return c
}

type catalogFile struct {
	Configs []Config `yaml:"configs"`
}

// Registry is an immutable, ordered set of targeting configs.
type Registry struct {
	configs []Config
	bySlug  map[string]int
}

// Parse builds a registry from a YAML catalog. Slugs must be unique and every
// config must name at least one known application.
func Parse(data []byte) (*Registry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode targeting catalog: %w", err)
	}
	if len(file.Configs) == 0 {
		return nil, fmt.Errorf("targeting catalog is empty")
	}
	r := &Registry{bySlug: make(map[string]int, len(file.Configs))}
	for _, cfg := range file.Configs {
		cfg.Slug = strings.TrimSpace(cfg.Slug)
		if cfg.Slug == "" {
			return nil, fmt.Errorf("targeting config %q: slug is required", cfg.Name)
		}
		if _, dup := r.bySlug[cfg.Slug]; dup {
			return nil, fmt.Errorf("targeting config %s: duplicate slug", cfg.Slug)
		}
		if len(cfg.Applications) == 0 {
			return nil, fmt.Errorf("targeting config %s: at least one application is required", cfg.Slug)
		}
		for _, app := range cfg.Applications {
			if _, ok := domain.LookupApplication(app); !ok {
				return nil, fmt.Errorf("targeting config %s: unknown application %q", cfg.Slug, app)
			}
		}
		r.bySlug[cfg.Slug] = len(r.configs)
		r.configs = append(r.configs, cfg.clone())
	}
	return r, nil
}

var loadDefault = sync.OnceValues(func() (*Registry, error) {
	return Parse(defaultCatalogYAML)
})

// Default returns the registry built from the embedded catalog.
func Default() (*Registry, error) {
	return loadDefault()
}

// Lookup returns the config registered under slug.
func (r *Registry) Lookup(slug string) (Config, bool) {
	idx, ok := r.bySlug[slug]
	if !ok {
		return Config{}, false
	}
	return r.configs[idx].clone(), true
}

// All returns every config in catalog order.
func (r *Registry) All() []Config {
	out := make([]Config, len(r.configs))
	for i, cfg := range r.configs {
		out[i] = cfg.clone()
	}
	return out
}

// ForApplication returns the configs usable by app, sorted by slug.
func (r *Registry) ForApplication(app domain.Application) []Config {
	var out []Config
	for _, cfg := range r.configs {
		if cfg.SupportsApplication(app) {
			out = append(out, cfg.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}
