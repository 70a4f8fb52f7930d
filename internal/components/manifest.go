package components

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ManifestName is the manifest file each installed component carries in
// its skill directory. It is invisible to its own hashes.
const ManifestName = ".vigil-manifest.json"

// SnapshotDirName holds pre-upgrade copies inside an install dir and is
// never hashed or copied.
const SnapshotDirName = ".backup"

// Manifest maps slash-separated relative paths to sha256 content
// hashes, captured when a component version is installed.
type Manifest map[string]string

// BuildManifest hashes every regular file under root, skipping ignored
// paths. Bare ignore entries match any path segment; entries containing
// a slash match as a relative-path prefix.
func BuildManifest(root string, ignore []string) (Manifest, error) {
	m := Manifest{}
	skip := append([]string{ManifestName, SnapshotDirName}, ignore...)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if PathIgnored(rel, skip) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || PathIgnored(rel, skip) {
			return nil
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		m[rel] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("build manifest for %s: %w", root, err)
	}
	return m, nil
}

// PathIgnored reports whether the slash-separated relative path matches
// any pattern. Bare patterns match any path segment; patterns with a
// slash match as a relative-path prefix.
func PathIgnored(rel string, patterns []string) bool {
	segments := strings.Split(rel, "/")
	for _, pat := range patterns {
		if strings.Contains(pat, "/") {
			if rel == pat || strings.HasPrefix(rel, pat+"/") {
				return true
			}
			continue
		}
		for _, seg := range segments {
			if seg == pat {
				return true
			}
		}
	}
	return false
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LoadManifest reads a manifest file. A missing file yields an empty
// manifest so pre-manifest installs still upgrade (every file then
// counts as locally added).
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m := Manifest{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

// Save writes the manifest atomically.
func (m Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// Changes describes how a directory drifted from its recorded manifest.
type Changes struct {
	Modified []string
	Added    []string
	Deleted  []string
}

// Empty reports whether no drift was detected.
func (c Changes) Empty() bool {
	return len(c.Modified) == 0 && len(c.Added) == 0 && len(c.Deleted) == 0
}

// Diff compares the recorded manifest m against the current state of
// the same directory. Paths present in both with differing hashes are
// modified; present only in current are added; present only in m are
// deleted. All lists come back sorted.
func (m Manifest) Diff(current Manifest) Changes {
	var c Changes
	for rel, sum := range m {
		cur, ok := current[rel]
		switch {
		case !ok:
			c.Deleted = append(c.Deleted, rel)
		case cur != sum:
			c.Modified = append(c.Modified, rel)
		}
	}
	for rel := range current {
		if _, ok := m[rel]; !ok {
			c.Added = append(c.Added, rel)
		}
	}
	sort.Strings(c.Modified)
	sort.Strings(c.Added)
	sort.Strings(c.Deleted)
	return c
}
