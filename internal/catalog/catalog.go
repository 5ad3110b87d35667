// Package catalog serves the property definitions and page templates offered to sitemap editors.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Scope names the resource a property is stored on.
type Scope string

const (
	// ScopeNode stores the property on the navigation node itself.
	ScopeNode Scope = "node"
	// ScopeContent stores the property on the node's default document.
	ScopeContent Scope = "content"
)

// ErrInvalidCatalog indicates a catalog document that cannot be served.
var ErrInvalidCatalog = errors.New("catalog: invalid document")

//go:embed default.yaml
var defaultDocument []byte

// Definition describes an editable property.
type Definition struct {
	Name        string `yaml:"name" json:"name"`
	Label       string `yaml:"label" json:"label"`
	Scope       Scope  `yaml:"scope" json:"scope"`
	Default     string `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Template describes a preset for new entries.
type Template struct {
	Name       string            `yaml:"name" json:"name"`
	Title      string            `yaml:"title" json:"title"`
	Kind       string            `yaml:"kind" json:"kind"`
	Properties map[string]string `yaml:"properties,omitempty" json:"properties,omitempty"`
}

type document struct {
	Properties []Definition `yaml:"properties"`
	Templates  []Template   `yaml:"templates"`
}

// Catalog is the current, reloadable set of definitions and templates.
type Catalog struct {
	mu          sync.RWMutex
	path        string
	definitions []Definition
	templates   []Template
	scopes      map[string]Scope
}

// Load reads the catalog at path, or the built-in catalog when path is empty.
func Load(path string) (*Catalog, error) {
	catalog := &Catalog{path: strings.TrimSpace(path)}
	if err := catalog.Reload(); err != nil {
		return nil, err
	}
	return catalog, nil
}

// Parse builds a catalog from a YAML document.
func Parse(data []byte) (*Catalog, error) {
	parsed, err := parseDocument(data)
	if err != nil {
		return nil, err
	}
	catalog := &Catalog{}
	catalog.install(parsed)
	return catalog, nil
}

// Path returns the backing file, empty for the built-in catalog.
func (c *Catalog) Path() string {
	return c.path
}

// Reload re-reads the backing file. A document that fails to parse leaves the current catalog in place.
func (c *Catalog) Reload() error {
	data := defaultDocument
	if c.path != "" {
		fileData, err := os.ReadFile(c.path)
		if err != nil {
			return fmt.Errorf("catalog: read %s: %w", c.path, err)
		}
		data = fileData
	}
	parsed, err := parseDocument(data)
	if err != nil {
		return err
	}
	c.install(parsed)
	return nil
}

// Definitions returns a copy of the property definitions.
func (c *Catalog) Definitions() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Definition(nil), c.definitions...)
}

// Templates returns a copy of the templates.
func (c *Catalog) Templates() []Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	templates := make([]Template, 0, len(c.templates))
	for _, template := range c.templates {
		clone := template
		if template.Properties != nil {
			clone.Properties = make(map[string]string, len(template.Properties))
			for key, value := range template.Properties {
				clone.Properties[key] = value
			}
		}
		templates = append(templates, clone)
	}
	return templates
}

// ScopeOf returns the storage scope of a property; unknown properties live on the node.
func (c *Catalog) ScopeOf(name string) Scope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if scope, ok := c.scopes[name]; ok {
		return scope
	}
	return ScopeNode
}

func (c *Catalog) install(parsed document) {
	scopes := make(map[string]Scope, len(parsed.Properties))
	for _, definition := range parsed.Properties {
		scopes[definition.Name] = definition.Scope
	}
	c.mu.Lock()
	c.definitions = parsed.Properties
	c.templates = parsed.Templates
	c.scopes = scopes
	c.mu.Unlock()
}

func parseDocument(data []byte) (document, error) {
	var parsed document
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return document{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	seen := make(map[string]bool, len(parsed.Properties))
	for index := range parsed.Properties {
		definition := &parsed.Properties[index]
		definition.Name = strings.TrimSpace(definition.Name)
		if definition.Name == "" {
			return document{}, fmt.Errorf("%w: property %d has no name", ErrInvalidCatalog, index)
		}
		if seen[definition.Name] {
			return document{}, fmt.Errorf("%w: property %s defined twice", ErrInvalidCatalog, definition.Name)
		}
		seen[definition.Name] = true
		switch definition.Scope {
		case "":
			definition.Scope = ScopeNode
		case ScopeNode, ScopeContent:
		default:
			return document{}, fmt.Errorf("%w: property %s has scope %q", ErrInvalidCatalog, definition.Name, definition.Scope)
		}
	}
	for index, template := range parsed.Templates {
		if strings.TrimSpace(template.Name) == "" {
			return document{}, fmt.Errorf("%w: template %d has no name", ErrInvalidCatalog, index)
		}
		switch template.Kind {
		case "folder", "leaf", "redirect":
		default:
			return document{}, fmt.Errorf("%w: template %s has kind %q", ErrInvalidCatalog, template.Name, template.Kind)
		}
	}
	return parsed, nil
}
