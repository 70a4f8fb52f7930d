// Package components tracks what is installed under the supervisor's
// root: the registry file listing every component, the per-component
// content manifest used to detect local edits, and the descriptor
// shipped inside release archives.
package components

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// Component types. Declarative components carry code and run as
// services; ai components are prompt/skill packs with no process.
const (
	TypeDeclarative = "declarative"
	TypeAI          = "ai"
)

// Entry is one installed component as recorded in components.json.
type Entry struct {
	Version     string    `json:"version"`
	Repo        string    `json:"repo"`
	Type        string    `json:"type"`
	InstalledAt time.Time `json:"installedAt"`
	UpgradedAt  time.Time `json:"upgradedAt,omitzero"`
	SkillDir    string    `json:"skillDir"`
	DataDir     string    `json:"dataDir"`
	Bin         string    `json:"bin,omitempty"`
}

// Registry is the on-disk component registry, a JSON object keyed by
// component name.
type Registry struct {
	path    string
	Entries map[string]*Entry
}

// LoadRegistry reads the registry at path. A missing file yields an
// empty registry, not an error.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, Entries: map[string]*Entry{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.Entries); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return r, nil
}

// Get returns the entry for name, or nil if not installed.
func (r *Registry) Get(name string) *Entry {
	return r.Entries[name]
}

// Set records or replaces the entry for name. Save persists it.
func (r *Registry) Set(name string, e *Entry) {
	r.Entries[name] = e
}

// Names returns the installed component names in sorted order.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.Entries))
}

// Save writes the registry atomically so a crashed writer never leaves
// a torn file behind.
func (r *Registry) Save() error {
	data, err := json.MarshalIndent(r.Entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("mkdir for registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("rename registry: %w", err)
	}
	return nil
}

// ServiceName returns the process-supervisor service name for a
// declarative component.
func ServiceName(component string) string {
	return "vigil-" + component
}
