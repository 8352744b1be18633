package entry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultWasmEntry is the export invoked when a catalog entry names none.
const DefaultWasmEntry = "_start"

// CatalogEntry maps a unit name to a WebAssembly module.
type CatalogEntry struct {
	Name   string `yaml:"name"`
	Module string `yaml:"module"`
	Entry  string `yaml:"entry"`
}

// Catalog is a set of named WebAssembly units loaded from YAML.
type Catalog struct {
	Entries []CatalogEntry `yaml:"entries"`

	byName map[string]CatalogEntry
}

// LoadCatalog reads the catalog at path. Relative module paths are resolved
// against the catalog's directory.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := ParseCatalog(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog decodes a catalog document. Unknown fields are rejected.
func ParseCatalog(data []byte, baseDir string) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c.byName = make(map[string]CatalogEntry, len(c.Entries))
	for i, e := range c.Entries {
		if e.Name == "" {
			return nil, fmt.Errorf("entry %d: name is required", i)
		}
		if e.Module == "" {
			return nil, fmt.Errorf("entry %q: module is required", e.Name)
		}
		if _, dup := c.byName[e.Name]; dup {
			return nil, fmt.Errorf("entry %q: duplicate name", e.Name)
		}
		if e.Entry == "" {
			e.Entry = DefaultWasmEntry
		}
		if !filepath.IsAbs(e.Module) && baseDir != "" {
			e.Module = filepath.Join(baseDir, e.Module)
		}
		c.Entries[i] = e
		c.byName[e.Name] = e
	}
	return &c, nil
}

// Lookup returns the entry named name.
func (c *Catalog) Lookup(name string) (CatalogEntry, bool) {
	if c == nil {
		return CatalogEntry{}, false
	}
	e, ok := c.byName[name]
	return e, ok
}
