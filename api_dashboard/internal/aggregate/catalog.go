package aggregate

import (
	"embed"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"frameworks/api_dashboard/internal/source"
)

//go:embed catalog.yaml
var embeddedFS embed.FS

// Catalog is the set of known metrics plus the table routing they rely on
type Catalog struct {
	Tables  source.TableMap `yaml:"tables"`
	Metrics []Definition    `yaml:"metrics"`

	index map[string]int
}

// LoadCatalog loads the built-in catalog
func LoadCatalog() (*Catalog, error) {
	b, err := fs.ReadFile(embeddedFS, "catalog.yaml")
	if err != nil {
		return nil, err
	}
	return ParseCatalog(b)
}

// LoadCatalogFile loads a catalog override from disk
func LoadCatalogFile(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(b)
}

// ParseCatalog decodes and validates a catalog document
func ParseCatalog(b []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c.index = make(map[string]int, len(c.Metrics))
	for i, def := range c.Metrics {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.index[def.Name]; dup {
			return nil, fmt.Errorf("duplicate metric %q", def.Name)
		}
		c.index[def.Name] = i
	}
	return &c, nil
}

func (c *Catalog) Get(name string) (Definition, bool) {
	i, ok := c.index[name]
	if !ok {
		return Definition{}, false
	}
	return c.Metrics[i], true
}

// Names lists metrics in catalog order
func (c *Catalog) Names() []string {
	names := make([]string, len(c.Metrics))
	for i, def := range c.Metrics {
		names[i] = def.Name
	}
	return names
}

// Select returns the named definitions in order, or every definition when
// names is empty.
func (c *Catalog) Select(names []string) ([]Definition, error) {
	if len(names) == 0 {
		return append([]Definition(nil), c.Metrics...), nil
	}
	out := make([]Definition, 0, len(names))
	for _, name := range names {
		def, ok := c.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown metric %q", name)
		}
		out = append(out, def)
	}
	return out, nil
}
