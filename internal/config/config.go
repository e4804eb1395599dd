package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"memcore/internal/ann"
	"memcore/internal/blobstore"
	"memcore/internal/datadir"
	"memcore/internal/indexcache"
)

// Config represents the memcore configuration file
type Config struct {
	DataDir     string            `yaml:"data_dir,omitempty"`
	Cache       CacheConfig       `yaml:"cache"`
	Index       IndexConfig       `yaml:"index"`
	Storage     StorageConfig     `yaml:"storage"`
	Registry    RegistryConfig    `yaml:"registry,omitempty"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Debug       DebugConfig       `yaml:"debug,omitempty"`
}

// CacheConfig tunes batching, flushing and eviction
type CacheConfig struct {
	BatchDelay       time.Duration `yaml:"batch_delay"`
	MaxBatchSize     int           `yaml:"max_batch_size"`
	TTL              time.Duration `yaml:"ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	FlushTimeout     time.Duration `yaml:"flush_timeout"`
	PropagationGrace time.Duration `yaml:"propagation_grace,omitempty"`
	MaxFlushFailures int           `yaml:"max_flush_failures"`
	FlushConcurrency int           `yaml:"flush_concurrency"`
	Retention        time.Duration `yaml:"retention,omitempty"` // 0 keeps blobs forever
}

// IndexConfig selects the ANN backend
type IndexConfig struct {
	Backend         string `yaml:"backend"` // "hnsw" or "chromem"
	Metric          string `yaml:"metric"`  // "cosine", "l2" or "ip"
	M               int    `yaml:"m,omitempty"`
	EfConstruction  int    `yaml:"ef_construction,omitempty"`
	EfSearch        int    `yaml:"ef_search,omitempty"`
	InitialCapacity int    `yaml:"initial_capacity,omitempty"`
}

// StorageConfig selects the blob store
type StorageConfig struct {
	Backend  string          `yaml:"backend"` // local, s3, badger or memory
	LocalDir string          `yaml:"local_dir,omitempty"`
	S3       S3Config        `yaml:"s3,omitempty"`
	Badger   BadgerConfig    `yaml:"badger,omitempty"`
	Cache    BlobCacheConfig `yaml:"cache,omitempty"`
}

// S3Config holds S3 (or S3-compatible) settings. Credentials support
// ${ENV_VAR} expansion.
type S3Config struct {
	Bucket          string `yaml:"bucket,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	UsePathStyle    bool   `yaml:"use_path_style,omitempty"`
}

// BadgerConfig holds badger settings
type BadgerConfig struct {
	Dir      string `yaml:"dir,omitempty"`
	InMemory bool   `yaml:"in_memory,omitempty"`
}

// BlobCacheConfig controls the in-process read cache for blobs
type BlobCacheConfig struct {
	Enabled  bool  `yaml:"enabled"`
	MaxBytes int64 `yaml:"max_bytes,omitempty"`
}

// RegistryConfig locates the version registry database
type RegistryConfig struct {
	Path string `yaml:"path,omitempty"` // defaults to {data_dir}/registry/versions.db
}

// MaintenanceConfig schedules background housekeeping
type MaintenanceConfig struct {
	RegistryKeep     int    `yaml:"registry_keep"`
	RegistrySchedule string `yaml:"registry_schedule"`
}

// DebugConfig contains debugging and logging settings
type DebugConfig struct {
	VerboseLogging bool `yaml:"verbose_logging,omitempty"`
}

// Default returns a default configuration
func Default() *Config {
	cc := indexcache.DefaultConfig()
	return &Config{
		Cache: CacheConfig{
			BatchDelay:       cc.BatchDelay,
			MaxBatchSize:     cc.MaxBatchSize,
			TTL:              cc.CacheTTL,
			SweepInterval:    cc.SweepInterval,
			FlushTimeout:     cc.FlushTimeout,
			MaxFlushFailures: cc.MaxFlushFailures,
			FlushConcurrency: cc.FlushConcurrency,
		},
		Index: IndexConfig{
			Backend:         "hnsw",
			Metric:          string(ann.Cosine),
			InitialCapacity: cc.InitialCapacity,
		},
		Storage: StorageConfig{
			Backend: blobstore.BackendLocal,
			S3: S3Config{
				Region:          "us-east-1",
				AccessKeyID:     "${AWS_ACCESS_KEY_ID}",
				SecretAccessKey: "${AWS_SECRET_ACCESS_KEY}",
			},
		},
		Maintenance: MaintenanceConfig{
			RegistryKeep:     20,
			RegistrySchedule: "0 0 3 * * *", // Daily at 3 AM
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	// Check if file exists, create default if not
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Created default configuration at %s\n", path)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnvVars()
	cfg.expandTilde()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	// May hold S3 credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandEnvVars expands ${ENV_VAR} placeholders in string settings
func (c *Config) expandEnvVars() {
	c.DataDir = os.ExpandEnv(c.DataDir)
	c.Storage.LocalDir = os.ExpandEnv(c.Storage.LocalDir)
	c.Storage.Badger.Dir = os.ExpandEnv(c.Storage.Badger.Dir)
	c.Registry.Path = os.ExpandEnv(c.Registry.Path)

	s3 := &c.Storage.S3
	s3.Bucket = os.ExpandEnv(s3.Bucket)
	s3.Prefix = os.ExpandEnv(s3.Prefix)
	s3.Region = os.ExpandEnv(s3.Region)
	s3.Endpoint = os.ExpandEnv(s3.Endpoint)
	s3.AccessKeyID = os.ExpandEnv(s3.AccessKeyID)
	s3.SecretAccessKey = os.ExpandEnv(s3.SecretAccessKey)
}

// expandTilde replaces a leading "~/" with the user's home directory in
// path-valued settings.
func (c *Config) expandTilde() {
	home, err := os.UserHomeDir()
	if err != nil {
		return // can't expand, leave as-is
	}
	expand := func(p string) string {
		if p == "~" {
			return home
		}
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}
		return p
	}

	c.DataDir = expand(c.DataDir)
	c.Storage.LocalDir = expand(c.Storage.LocalDir)
	c.Storage.Badger.Dir = expand(c.Storage.Badger.Dir)
	c.Registry.Path = expand(c.Registry.Path)
}

// Validate validates the entire configuration
func (c *Config) Validate() error {
	if c.Cache.BatchDelay <= 0 {
		return fmt.Errorf("cache.batch_delay must be positive")
	}
	if c.Cache.MaxBatchSize <= 0 {
		return fmt.Errorf("cache.max_batch_size must be greater than 0")
	}
	if c.Cache.TTL <= 0 || c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache.ttl and cache.sweep_interval must be positive")
	}
	if c.Cache.FlushTimeout <= 0 {
		return fmt.Errorf("cache.flush_timeout must be positive")
	}
	if c.Cache.PropagationGrace < 0 || c.Cache.Retention < 0 {
		return fmt.Errorf("cache durations must not be negative")
	}
	if c.Cache.FlushConcurrency < 0 || c.Cache.MaxFlushFailures < 0 {
		return fmt.Errorf("cache.flush_concurrency and cache.max_flush_failures must not be negative")
	}

	if _, err := c.IndexConfig(); err != nil {
		return err
	}
	if c.Index.InitialCapacity < 0 {
		return fmt.Errorf("index.initial_capacity must not be negative")
	}

	switch c.Storage.Backend {
	case blobstore.BackendLocal, blobstore.BackendBadger, blobstore.BackendMemory, "":
	case blobstore.BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend '%s'", c.Storage.Backend)
	}
	if c.Storage.Cache.MaxBytes < 0 {
		return fmt.Errorf("storage.cache.max_bytes must not be negative")
	}

	if c.Maintenance.RegistryKeep < 1 {
		return fmt.Errorf("maintenance.registry_keep must be at least 1")
	}
	if c.Maintenance.RegistrySchedule == "" {
		return fmt.Errorf("maintenance.registry_schedule is required")
	}
	return nil
}

// CacheConfig converts the cache section into engine settings.
func (c *Config) CacheConfig() indexcache.Config {
	return indexcache.Config{
		BatchDelay:       c.Cache.BatchDelay,
		MaxBatchSize:     c.Cache.MaxBatchSize,
		CacheTTL:         c.Cache.TTL,
		SweepInterval:    c.Cache.SweepInterval,
		FlushTimeout:     c.Cache.FlushTimeout,
		PropagationGrace: c.Cache.PropagationGrace,
		MaxFlushFailures: c.Cache.MaxFlushFailures,
		FlushConcurrency: c.Cache.FlushConcurrency,
		InitialCapacity:  c.Index.InitialCapacity,
		Retention:        c.Cache.Retention,
	}
}

// IndexConfig parses the index section.
func (c *Config) IndexConfig() (ann.Config, error) {
	kind, err := ann.ParseKind(c.Index.Backend)
	if err != nil {
		return ann.Config{}, fmt.Errorf("invalid index.backend: %w", err)
	}
	metric, err := ann.ParseMetric(c.Index.Metric)
	if err != nil {
		return ann.Config{}, fmt.Errorf("invalid index.metric: %w", err)
	}
	if kind == ann.KindChromem && metric != ann.Cosine {
		return ann.Config{}, fmt.Errorf("index.backend chromem only supports the cosine metric")
	}
	return ann.Config{
		Backend:        kind,
		Metric:         metric,
		M:              c.Index.M,
		EfConstruction: c.Index.EfConstruction,
		EfSearch:       c.Index.EfSearch,
	}, nil
}

// BlobOptions resolves the storage section against the data directory.
func (c *Config) BlobOptions(layout *datadir.Layout) blobstore.Options {
	opts := blobstore.Options{
		Backend:        c.Storage.Backend,
		LocalDir:       c.Storage.LocalDir,
		S3Bucket:       c.Storage.S3.Bucket,
		S3Prefix:       c.Storage.S3.Prefix,
		BadgerDir:      c.Storage.Badger.Dir,
		BadgerInMemory: c.Storage.Badger.InMemory,
		S3: blobstore.S3Options{
			Region:          c.Storage.S3.Region,
			Endpoint:        c.Storage.S3.Endpoint,
			AccessKeyID:     c.Storage.S3.AccessKeyID,
			SecretAccessKey: c.Storage.S3.SecretAccessKey,
			UsePathStyle:    c.Storage.S3.UsePathStyle,
		},
	}
	if opts.LocalDir == "" {
		opts.LocalDir = layout.BlobsDir()
	}
	if opts.BadgerDir == "" {
		opts.BadgerDir = layout.BadgerDir()
	}
	if c.Storage.Cache.Enabled {
		opts.CacheBytes = c.Storage.Cache.MaxBytes
		if opts.CacheBytes == 0 {
			opts.CacheBytes = blobstore.DefaultCacheCost
		}
	}
	return opts
}

// RegistryPath returns the registry database path.
func (c *Config) RegistryPath(layout *datadir.Layout) string {
	if c.Registry.Path != "" {
		return c.Registry.Path
	}
	return layout.RegistryFile()
}
