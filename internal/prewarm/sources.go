package prewarm

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/yelban/roast-sub000/internal/usage"
)

// Source supplies phrases worth prewarming
type Source interface {
	// Name returns the name of the source (e.g., "menu", "popular")
	Name() string

	// Phrases returns the phrases to warm, most important first
	Phrases(ctx context.Context) ([]string, error)
}

// Registry manages the available phrase sources
type Registry struct {
	sources map[string]Source
}

// NewRegistry creates an empty source registry
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]Source),
	}
}

// Register adds a source, replacing any source with the same name
func (r *Registry) Register(source Source) {
	r.sources[source.Name()] = source
}

// Get retrieves a source by name
func (r *Registry) Get(name string) (Source, bool) {
	source, exists := r.sources[name]
	return source, exists
}

// List returns all registered source names, sorted
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collect merges the phrases of the named sources in order, or of every
// source when names is empty. Duplicates keep their first position.
func (r *Registry) Collect(ctx context.Context, names ...string) ([]string, error) {
	if len(names) == 0 {
		names = r.List()
	}
	var all []string
	for _, name := range names {
		source, ok := r.sources[name]
		if !ok {
			return nil, fmt.Errorf("unknown prewarm source %q (available: %v)", name, r.List())
		}
		phrases, err := source.Phrases(ctx)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", name, err)
		}
		all = append(all, phrases...)
	}
	return dedupe(all), nil
}

// Menu is the phrase file layout
type Menu struct {
	Phrases    []string       `yaml:"phrases"`
	Categories []MenuCategory `yaml:"categories"`
}

type MenuCategory struct {
	Name  string   `yaml:"name"`
	Items []string `yaml:"items"`
}

// All returns the loose phrases followed by every category item
func (m Menu) All() []string {
	out := append([]string(nil), m.Phrases...)
	for _, c := range m.Categories {
		out = append(out, c.Items...)
	}
	return out
}

// MenuSource reads phrases from a YAML menu file on every call, so edits
// are picked up without a restart.
type MenuSource struct {
	Path string
}

func (s MenuSource) Name() string { return "menu" }

func (s MenuSource) Phrases(context.Context) ([]string, error) {
	m, err := LoadMenu(s.Path)
	if err != nil {
		return nil, err
	}
	return m.All(), nil
}

// LoadMenu parses the YAML menu file at path
func LoadMenu(path string) (Menu, error) {
	var m Menu
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// Ranker is the part of usage.Tracker used by PopularSource
type Ranker interface {
	RankPopular(ctx context.Context, limit int) ([]usage.Ranked, error)
}

// PopularSource returns the source text of the most popular cached phrases
type PopularSource struct {
	Ranker Ranker
	Limit  int
}

func (s PopularSource) Name() string { return "popular" }

func (s PopularSource) Phrases(ctx context.Context) ([]string, error) {
	ranked, err := s.Ranker.RankPopular(ctx, s.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ranked))
	for _, r := range ranked {
		if r.SourceText != "" {
			out = append(out, r.SourceText)
		}
	}
	return out, nil
}

// StaticSource returns a fixed list, e.g. phrases from configuration
type StaticSource struct {
	Label string
	List  []string
}

func (s StaticSource) Name() string { return s.Label }

func (s StaticSource) Phrases(context.Context) ([]string, error) {
	return append([]string(nil), s.List...), nil
}
