package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memcore/internal/ann"
	"memcore/internal/blobstore"
	"memcore/internal/datadir"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.Cache.BatchDelay)
	assert.Equal(t, 50, cfg.Cache.MaxBatchSize)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Cache.SweepInterval)
	assert.Equal(t, blobstore.BackendLocal, cfg.Storage.Backend)
	assert.Equal(t, "hnsw", cfg.Index.Backend)
}

func TestLoad_CreatesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "memcore.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Cache, cfg.Cache)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// The written file loads back to the same settings.
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Cache, again.Cache)
	assert.Equal(t, cfg.Maintenance, again.Maintenance)
}

func TestLoad_ParsesDurationsAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memcore.yaml")
	yml := `
cache:
  batch_delay: 250ms
  max_batch_size: 8
  propagation_grace: 2s
index:
  backend: chromem
storage:
  backend: memory
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Cache.BatchDelay)
	assert.Equal(t, 8, cfg.Cache.MaxBatchSize)
	assert.Equal(t, 2*time.Second, cfg.Cache.PropagationGrace)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL, "unset fields keep their defaults")

	cc := cfg.CacheConfig()
	assert.Equal(t, 250*time.Millisecond, cc.BatchDelay)
	assert.Equal(t, 2*time.Second, cc.PropagationGrace)

	ic, err := cfg.IndexConfig()
	require.NoError(t, err)
	assert.Equal(t, ann.KindChromem, ic.Backend)
	assert.Equal(t, ann.Cosine, ic.Metric)
}

func TestLoad_ExpandsEnvAndTilde(t *testing.T) {
	t.Setenv("MEMCORE_TEST_BUCKET", "vectors")
	t.Setenv("MEMCORE_TEST_SECRET", "s3cr3t")
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "memcore.yaml")
	yml := `
data_dir: ~/memcore-data
storage:
  backend: s3
  s3:
    bucket: ${MEMCORE_TEST_BUCKET}
    secret_access_key: ${MEMCORE_TEST_SECRET}
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "memcore-data"), cfg.DataDir)
	assert.Equal(t, "vectors", cfg.Storage.S3.Bucket)
	assert.Equal(t, "s3cr3t", cfg.Storage.S3.SecretAccessKey)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yml  string
	}{
		{"bad yaml", "cache: [unclosed"},
		{"bad duration", "cache:\n  batch_delay: soon\n"},
		{"zero batch size", "cache:\n  max_batch_size: 0\n"},
		{"unknown storage", "storage:\n  backend: floppy\n"},
		{"s3 without bucket", "storage:\n  backend: s3\n"},
		{"unknown metric", "index:\n  metric: hamming\n"},
		{"chromem with l2", "index:\n  backend: chromem\n  metric: l2\n"},
		{"keep zero", "maintenance:\n  registry_keep: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "memcore.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yml), 0600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestBlobOptions(t *testing.T) {
	layout, err := datadir.New(t.TempDir())
	require.NoError(t, err)

	cfg := Default()
	opts := cfg.BlobOptions(layout)
	assert.Equal(t, blobstore.BackendLocal, opts.Backend)
	assert.Equal(t, layout.BlobsDir(), opts.LocalDir)
	assert.Equal(t, layout.BadgerDir(), opts.BadgerDir)
	assert.Zero(t, opts.CacheBytes)

	cfg.Storage.Cache.Enabled = true
	assert.Equal(t, int64(blobstore.DefaultCacheCost), cfg.BlobOptions(layout).CacheBytes)
	cfg.Storage.Cache.MaxBytes = 1 << 20
	assert.Equal(t, int64(1<<20), cfg.BlobOptions(layout).CacheBytes)

	cfg.Storage.LocalDir = "/srv/blobs"
	assert.Equal(t, "/srv/blobs", cfg.BlobOptions(layout).LocalDir)

	assert.Equal(t, layout.RegistryFile(), cfg.RegistryPath(layout))
	cfg.Registry.Path = "/srv/versions.db"
	assert.Equal(t, "/srv/versions.db", cfg.RegistryPath(layout))
}
