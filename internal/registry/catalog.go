package registry

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/starbud-ai/starbud/internal/config"
)

// Entry is one catalogued module code with its display metadata and default
// config block.
type Entry struct {
	Code    string         `yaml:"code"`
	Name    string         `yaml:"name"`
	Default bool           `yaml:"default"`
	Config  map[string]any `yaml:"config"`
}

// Catalog declares the module codes offered per type. It is loaded from a
// YAML file at startup and hot-reloaded by [WatchCatalog].
type Catalog struct {
	Modules map[config.ModuleType][]Entry `yaml:"modules"`
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: open catalog: %w", err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

// ParseCatalog decodes a catalog document. Unknown fields are rejected so a
// typo in the catalog fails loudly instead of silently dropping a module.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("registry: parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	var errs []error
	for typ, entries := range c.Modules {
		if !typ.IsValid() {
			errs = append(errs, fmt.Errorf("registry: catalog: unknown module type %q", typ))
			continue
		}
		seen := make(map[string]bool, len(entries))
		defaults := 0
		for _, e := range entries {
			if e.Code == "" {
				errs = append(errs, fmt.Errorf("registry: catalog: %s entry with empty code", typ))
				continue
			}
			if seen[e.Code] {
				errs = append(errs, fmt.Errorf("registry: catalog: duplicate %s code %q", typ, e.Code))
			}
			seen[e.Code] = true
			if e.Default {
				defaults++
			}
		}
		if defaults > 1 {
			errs = append(errs, fmt.Errorf("registry: catalog: multiple default %s entries", typ))
		}
	}
	return errors.Join(errs...)
}

// List returns the entries of one type in declaration order.
func (c *Catalog) List(typ config.ModuleType) []Entry {
	return c.Modules[typ]
}

// Entry returns the catalogued entry for (type, code).
func (c *Catalog) Entry(typ config.ModuleType, code string) (Entry, bool) {
	for _, e := range c.Modules[typ] {
		if e.Code == code {
			return e, true
		}
	}
	return Entry{}, false
}

// DefaultCode returns the code picked when an agent's module parameters are
// silent for a type: the entry marked default, else the first entry, else
// "".
func (c *Catalog) DefaultCode(typ config.ModuleType) string {
	entries := c.Modules[typ]
	for _, e := range entries {
		if e.Default {
			return e.Code
		}
	}
	if len(entries) > 0 {
		return entries[0].Code
	}
	return ""
}

// mergeConfig overlays the per-agent config block onto the catalog default,
// shallowly: each top-level key in overlay replaces the base key wholesale.
func mergeConfig(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
