package components

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// DescriptorName is the metadata file at the root of a release archive.
const DescriptorName = "component.yaml"

// Descriptor declares how a component release wants to be installed:
// which services to cycle, which paths survive upgrades, what the
// platform must provide, and an optional post-install hook.
type Descriptor struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"`
	Services     []string          `yaml:"services"`
	Bin          map[string]string `yaml:"bin"`           // link name -> relative target
	Ignore       []string          `yaml:"ignore"`        // preserved across upgrades
	PlatformDeps []string          `yaml:"platform_deps"` // OS packages required
	PostInstall  string            `yaml:"post_install"`  // hook script, relative path
}

// LoadDescriptor reads component.yaml from an extracted archive. A
// missing descriptor yields zero-value defaults; old releases never
// shipped one.
func LoadDescriptor(dir string) (*Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(dir, DescriptorName))
	if err != nil {
		if os.IsNotExist(err) {
			return &Descriptor{}, nil
		}
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	return &d, nil
}

// IgnorePaths returns the descriptor's ignore list plus the paths every
// upgrade must preserve regardless of what the archive declares.
func (d *Descriptor) IgnorePaths() []string {
	defaults := []string{"node_modules", "data", ".env"}
	out := append([]string{}, d.Ignore...)
	for _, def := range defaults {
		if !slices.Contains(out, def) {
			out = append(out, def)
		}
	}
	return out
}

// ServiceNames resolves which services an upgrade must stop and start:
// the declared list, or the conventional single service for declarative
// components. AI components run no process.
func (d *Descriptor) ServiceNames(component, componentType string) []string {
	if len(d.Services) > 0 {
		return d.Services
	}
	if componentType == TypeAI {
		return nil
	}
	return []string{ServiceName(component)}
}
