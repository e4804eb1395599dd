package datadir

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvFileEnvVar names a single .env file to load instead of the defaults.
const EnvFileEnvVar = "MEMCORE_ENV_FILE"

// LoadEnv loads KEY=VALUE pairs (S3 credentials and the like) from
// MEMCORE_ENV_FILE, or else from {root}/.env and ./.env in that order.
// The first file to set a key wins and the process environment is never
// overridden.
func LoadEnv(root string) error {
	seen := make(map[string]bool)
	for _, p := range envPaths(root) {
		if err := loadEnvFile(p, seen); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

func envPaths(root string) []string {
	if override := os.Getenv(EnvFileEnvVar); override != "" {
		return []string{override}
	}
	var paths []string
	if root != "" {
		paths = append(paths, filepath.Join(root, ".env"))
	}
	if cwd, err := os.Getwd(); err == nil {
		p := filepath.Join(cwd, ".env")
		if len(paths) == 0 || filepath.Clean(paths[0]) != filepath.Clean(p) {
			paths = append(paths, p)
		}
	}
	return paths
}

func loadEnvFile(path string, seen map[string]bool) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = unquote(strings.TrimSpace(value))

		if seen[key] {
			continue
		}
		seen[key] = true
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		os.Setenv(key, value)
	}
	return scanner.Err()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
