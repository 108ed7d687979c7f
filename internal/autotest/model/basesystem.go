package model

import (
	"fmt"
	"os"

	appErr "autotest/pkg/errors"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// BaseSystem is a named toolchain installed into the base sandbox before cloning.
type BaseSystem struct {
	ID               string
	Name             string
	SetupCommands    [][]string
	PreStartCommands [][]string
}

type baseSystemFile struct {
	BaseSystems []struct {
		ID               string   `yaml:"id"`
		Name             string   `yaml:"name"`
		SetupCommands    []string `yaml:"setupCommands"`
		PreStartCommands []string `yaml:"preStartCommands"`
	} `yaml:"baseSystems"`
}

// Catalog holds every known base system keyed by id.
type Catalog struct {
	systems map[string]BaseSystem
}

// NewCatalog builds a catalog from already parsed systems.
func NewCatalog(systems ...BaseSystem) *Catalog {
	c := &Catalog{systems: make(map[string]BaseSystem, len(systems))}
	for _, s := range systems {
		c.systems[s.ID] = s
	}
	return c
}

// LoadCatalog reads a YAML catalog. An empty path yields an empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read base systems file failed: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses YAML catalog data. Commands are split like a shell would.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file baseSystemFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse base systems file failed: %w", err)
	}
	systems := make([]BaseSystem, 0, len(file.BaseSystems))
	for _, raw := range file.BaseSystems {
		if raw.ID == "" {
			return nil, appErr.ValidationError("baseSystems.id", "required")
		}
		setup, err := splitCommands(raw.SetupCommands)
		if err != nil {
			return nil, fmt.Errorf("base system %s: %w", raw.ID, err)
		}
		preStart, err := splitCommands(raw.PreStartCommands)
		if err != nil {
			return nil, fmt.Errorf("base system %s: %w", raw.ID, err)
		}
		systems = append(systems, BaseSystem{
			ID:               raw.ID,
			Name:             raw.Name,
			SetupCommands:    setup,
			PreStartCommands: preStart,
		})
	}
	return NewCatalog(systems...), nil
}

// Resolve returns the catalog entries for refs, in order.
func (c *Catalog) Resolve(refs []BaseSystemRef) ([]BaseSystem, error) {
	out := make([]BaseSystem, 0, len(refs))
	for _, ref := range refs {
		bs, ok := c.systems[ref.ID]
		if !ok {
			return nil, appErr.Newf(appErr.BaseSystemNotFound, "base system %q not found", ref.ID)
		}
		out = append(out, bs)
	}
	return out, nil
}

func splitCommands(lines []string) ([][]string, error) {
	out := make([][]string, 0, len(lines))
	for _, line := range lines {
		argv, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("split command %q failed: %w", line, err)
		}
		if len(argv) == 0 {
			continue
		}
		out = append(out, argv)
	}
	return out, nil
}
