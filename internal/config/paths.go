package config

import (
	"os"
	"path/filepath"
)

// VigilPath returns the install root for vigil data.
// It uses $VIGIL_PATH if set, otherwise defaults to ~/.vigil.
func VigilPath() string {
	if v := os.Getenv("VIGIL_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".vigil")
	}
	return filepath.Join(home, ".vigil")
}

// ConfigPath returns the path to the vigil config file.
func ConfigPath() string {
	return filepath.Join(VigilPath(), "config.jsonc")
}

// DotenvPath returns the path to the vigil .env file.
func DotenvPath() string {
	return filepath.Join(VigilPath(), ".env")
}

// DatabasePath returns the path to the queue store database.
func DatabasePath() string {
	return filepath.Join(VigilPath(), "conversations.db")
}

// MonitorDir returns the directory holding status and state files.
func MonitorDir() string {
	return filepath.Join(VigilPath(), "activity-monitor")
}

// ComponentsDir returns the directory holding installed component data.
func ComponentsDir() string {
	return filepath.Join(VigilPath(), "components")
}

// SkillsDir returns the directory holding installed component code.
func SkillsDir() string {
	return filepath.Join(VigilPath(), "skills")
}

// LocksDir returns the directory holding per-component upgrade locks.
func LocksDir() string {
	return filepath.Join(VigilPath(), "locks")
}

// RegistryPath returns the path to the component registry file.
func RegistryPath() string {
	return filepath.Join(VigilPath(), "components.json")
}
