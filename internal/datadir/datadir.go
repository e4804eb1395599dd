// Package datadir resolves the memcore data directory and the layout of
// the files kept inside it.
package datadir

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the data directory name under $HOME.
	DefaultDirName = ".memcore"

	// EnvVar overrides the data directory.
	EnvVar = "MEMCORE_DATA_DIR"

	// ConfigFileName is the config file kept in the root.
	ConfigFileName = "memcore.yaml"

	blobsSubdir    = "blobs"
	badgerSubdir   = "badger"
	registrySubdir = "registry"

	registryFileName = "versions.db"
)

// Layout is the resolved data directory tree.
type Layout struct {
	root string
}

// New resolves the root without creating anything.
//
// Resolution priority:
//  1. MEMCORE_DATA_DIR
//  2. configValue (the config file's data_dir)
//  3. ~/.memcore/
func New(configValue string) (*Layout, error) {
	root, err := resolveRoot(configValue)
	if err != nil {
		return nil, err
	}
	return &Layout{root: root}, nil
}

func (l *Layout) Root() string { return l.root }

// ConfigFile returns {root}/memcore.yaml.
func (l *Layout) ConfigFile() string { return filepath.Join(l.root, ConfigFileName) }

// BlobsDir holds the local blob store.
func (l *Layout) BlobsDir() string { return filepath.Join(l.root, blobsSubdir) }

// BadgerDir holds the badger blob store.
func (l *Layout) BadgerDir() string { return filepath.Join(l.root, badgerSubdir) }

// RegistryDir holds the version registry database.
func (l *Layout) RegistryDir() string { return filepath.Join(l.root, registrySubdir) }

// RegistryFile returns {root}/registry/versions.db.
func (l *Layout) RegistryFile() string { return filepath.Join(l.RegistryDir(), registryFileName) }

// EnsureDirs creates the root and every subdirectory with 0700 permissions.
func (l *Layout) EnsureDirs() error {
	for _, dir := range []string{l.root, l.BlobsDir(), l.BadgerDir(), l.RegistryDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DefaultConfigPath returns the config file location without touching disk.
func DefaultConfigPath() (string, error) {
	root, err := resolveRoot("")
	if err != nil {
		return "", err
	}
	return filepath.Join(root, ConfigFileName), nil
}

func resolveRoot(configValue string) (string, error) {
	dir := os.Getenv(EnvVar)
	if dir == "" {
		dir = configValue
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, DefaultDirName)
	}
	return dir, nil
}
