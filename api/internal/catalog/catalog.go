// Package catalog loads the species reference file (YAML). The catalog seeds
// the species table, gives the vision backend its label set and serves as the
// reference source when no database is configured.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
)

type Entry struct {
	ScientificName string          `yaml:"scientific_name"`
	CommonName     string          `yaml:"common_name"`
	Description    string          `yaml:"description"`
	Care           string          `yaml:"care"`
	Reference      string          `yaml:"reference"`
	ImageURL       string          `yaml:"image_url"`
	Taxonomy       *plant.Taxonomy `yaml:"taxonomy"`
}

type file struct {
	Species []Entry `yaml:"species"`
}

// Catalog is an immutable, case-insensitive index of entries.
type Catalog struct {
	entries []Entry
	byName  map[string]int
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := &Catalog{byName: make(map[string]int, len(f.Species))}
	for i, e := range f.Species {
		e.ScientificName = plant.NormalizeSpecies(e.ScientificName)
		if e.ScientificName == "" {
			return nil, fmt.Errorf("catalog entry %d: scientific_name is empty", i+1)
		}
		key := strings.ToLower(e.ScientificName)
		if _, dup := c.byName[key]; dup {
			return nil, fmt.Errorf("catalog entry %d: duplicate species %q", i+1, e.ScientificName)
		}
		if e.Taxonomy != nil && e.Taxonomy.Empty() {
			e.Taxonomy = nil
		}
		c.byName[key] = len(c.entries)
		c.entries = append(c.entries, e)
	}
	if len(c.entries) == 0 {
		return nil, fmt.Errorf("catalog has no species")
	}
	return c, nil
}

func (c *Catalog) Len() int { return len(c.entries) }

// Entries returns a copy of all entries in file order.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Names returns the scientific names sorted alphabetically.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.ScientificName)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) Get(name string) (Entry, bool) {
	i, ok := c.byName[strings.ToLower(plant.NormalizeSpecies(name))]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// LookupSpecies implements plant.Reference.
func (c *Catalog) LookupSpecies(_ context.Context, name string) plant.SpeciesInfo {
	e, ok := c.Get(name)
	if !ok {
		return plant.SpeciesInfo{ScientificName: plant.NormalizeSpecies(name), Source: plant.SourceNotFound}
	}
	return e.Info()
}

// Info converts an entry into verified reference data.
func (e Entry) Info() plant.SpeciesInfo {
	info := plant.SpeciesInfo{
		ScientificName: e.ScientificName,
		CommonName:     e.CommonName,
		Description:    strings.TrimSpace(e.Description),
		Care:           strings.TrimSpace(e.Care),
		Reference:      e.Reference,
		ImageURL:       e.ImageURL,
		Source:         plant.SourceVerified,
	}
	if e.Taxonomy != nil {
		t := *e.Taxonomy
		info.Taxonomy = &t
	}
	return info
}
