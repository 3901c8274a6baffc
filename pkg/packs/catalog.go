// Package packs models configuration packs and plans their apply and remove
// operations.
package packs

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/driftwatch/pkg/engine"
	"gopkg.in/yaml.v3"
)

// Catalog is the read-only set of packs known to the process.
type Catalog struct {
	packs map[string]*Pack
	names []string
}

// NewCatalog validates packs and builds a catalog. A pack named base is
// added when none is declared.
func NewCatalog(packs ...*Pack) (*Catalog, error) {
	schema, err := NewSchema()
	if err != nil {
		return nil, err
	}
	validate := validator.New()

	c := &Catalog{packs: make(map[string]*Pack, len(packs)+1)}
	for _, p := range packs {
		if err := validatePack(validate, schema, p); err != nil {
			return nil, err
		}
		if _, dup := c.packs[p.Name]; dup {
			return nil, engine.NewValidationError(fmt.Sprintf("duplicate pack name %q", p.Name), nil).
				WithResource(p.Name)
		}
		c.packs[p.Name] = p
		c.names = append(c.names, p.Name)
	}

	if _, ok := c.packs[BasePackName]; !ok {
		c.packs[BasePackName] = &Pack{Name: BasePackName, Description: "Baseline pack assigned to every server"}
		c.names = append(c.names, BasePackName)
	}
	sort.Strings(c.names)

	return c, nil
}

func validatePack(validate *validator.Validate, schema *Schema, p *Pack) error {
	if p == nil {
		return engine.NewValidationError("nil pack", nil)
	}
	if err := validate.Struct(p); err != nil {
		return engine.NewValidationError("invalid pack "+p.Name, err).WithResource(p.Name)
	}
	if err := schema.Validate(p); err != nil {
		return engine.NewValidationError("invalid pack "+p.Name, err).WithResource(p.Name)
	}

	seen := make(map[string]bool, p.ItemCount())
	for _, f := range p.Files {
		if seen["file:"+f.Path] {
			return engine.NewValidationError(fmt.Sprintf("pack %s declares file %s twice", p.Name, f.Path), nil).WithResource(p.Name)
		}
		seen["file:"+f.Path] = true
		if path.Clean(f.Path) != f.Path {
			return engine.NewValidationError(fmt.Sprintf("pack %s: file path %s is not clean, use %s", p.Name, f.Path, path.Clean(f.Path)), nil).WithResource(p.Name)
		}
		if f.Content != "" && f.ContentHash != "" {
			expected := FileItem{Content: f.Content}.ExpectedHash()
			if !strings.EqualFold(expected, f.ContentHash) {
				return engine.NewValidationError(fmt.Sprintf("pack %s: content_hash of %s does not match content", p.Name, f.Path), nil).WithResource(p.Name)
			}
		}
	}
	for _, pkg := range p.Packages {
		if seen["package:"+pkg.Name] {
			return engine.NewValidationError(fmt.Sprintf("pack %s declares package %s twice", p.Name, pkg.Name), nil).WithResource(p.Name)
		}
		seen["package:"+pkg.Name] = true
	}
	for _, s := range p.Settings {
		if seen["setting:"+s.Key] {
			return engine.NewValidationError(fmt.Sprintf("pack %s declares setting %s twice", p.Name, s.Key), nil).WithResource(p.Name)
		}
		seen["setting:"+s.Key] = true
	}

	return nil
}

// LoadCatalog reads every *.yaml and *.yml file in dir as one pack.
// An empty dir yields a catalog holding only base.
func LoadCatalog(dir string) (*Catalog, error) {
	if dir == "" {
		return NewCatalog()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read pack directory: %w", err)
	}

	var packs []*Pack
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		p, err := LoadPackFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		packs = append(packs, p)
	}

	return NewCatalog(packs...)
}

// LoadPackFile decodes a single pack definition.
func LoadPackFile(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pack file: %w", err)
	}

	var p Pack
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse pack file %s: %w", path, err)
	}
	for i := range p.Settings {
		if p.Settings[i].Kind == "" {
			p.Settings[i].Kind = SettingKindEnvVar
		}
	}

	return &p, nil
}

// Get returns the named pack.
func (c *Catalog) Get(name string) (*Pack, bool) {
	p, ok := c.packs[name]
	return p, ok
}

// Lookup returns the named pack or a PackNotFound catalog error.
func (c *Catalog) Lookup(name string) (*Pack, error) {
	p, ok := c.packs[name]
	if !ok {
		return nil, engine.NewCatalogError("pack not found: "+name, nil).
			WithCode(engine.ErrCodePackNotFound).
			WithResource(name)
	}
	return p, nil
}

// Names returns pack names in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// List returns packs in name order.
func (c *Catalog) List() []*Pack {
	out := make([]*Pack, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.packs[n])
	}
	return out
}

// Len returns the number of packs.
func (c *Catalog) Len() int {
	return len(c.names)
}
