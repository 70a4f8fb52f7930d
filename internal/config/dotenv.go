package config

import (
	"bufio"
	"os"
	"strings"
)

// LoadDotenv reads a .env file and sets environment variables that are not already defined.
// Missing file is silently ignored. Existing env vars are never overridden.
func LoadDotenv(path string) error {
	entries, err := ParseDotenv(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, exists := os.LookupEnv(e.Key); !exists {
			os.Setenv(e.Key, e.Value)
		}
	}
	return nil
}

// ReloadDotenv re-reads a .env file in override mode: values replace any
// existing environment variables. Used by the config reloader so edits to
// .env take effect without a process restart.
func ReloadDotenv(path string) error {
	entries, err := ParseDotenv(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		os.Setenv(e.Key, e.Value)
	}
	return nil
}

// DotenvEntry is one KEY=VALUE pair from a .env file, in file order.
type DotenvEntry struct {
	Key   string
	Value string
}

// ParseDotenv reads a .env file without touching the process environment.
// Missing file yields no entries and no error. Values keep their raw text;
// surrounding quotes are stripped.
func ParseDotenv(path string) ([]DotenvEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []DotenvEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = unquote(value)
		entries = append(entries, DotenvEntry{Key: key, Value: value})
	}
	return entries, scanner.Err()
}

// unquote strips matching surrounding quotes (single or double).
func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
