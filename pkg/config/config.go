// Package config loads engine settings and aggregation definitions from YAML.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/eunmann/olapcube/pkg/chunkstore"
	"github.com/eunmann/olapcube/pkg/membudget"
	"github.com/eunmann/olapcube/pkg/metastore"
)

// Chunk store kinds.
const (
	StoreMemory  = "memory"
	StoreFS      = "fs"
	StoreS3      = "s3"
	StoreParquet = "parquet"
)

// DefaultMemoryFraction is the share of system RAM used when no budget is set.
const DefaultMemoryFraction = 0.25

// StoreConfig selects where chunk data lives.
type StoreConfig struct {
	// Kind is one of memory, fs, s3 or parquet. Default: fs
	Kind string `yaml:"kind"`
	// Dir is the chunk directory for fs and parquet stores.
	Dir string `yaml:"dir"`
	// Compression is the codec compression for memory, fs and s3 stores.
	// Default: zstd
	Compression string `yaml:"compression"`
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
}

// Config is the engine configuration.
type Config struct {
	// DataDir holds chunk files and the metadata database unless overridden.
	DataDir string      `yaml:"data_dir"`
	Store   StoreConfig `yaml:"store"`
	// MetadataPath is the SQLite metadata database. Default: DataDir/meta.db.
	// ":memory:" selects the in-process metadata store.
	MetadataPath string `yaml:"metadata_path"`
	// MemoryBudget bounds group reducer memory, e.g. "2GiB". Default: a
	// quarter of system RAM.
	MemoryBudget string `yaml:"memory_budget"`

	Aggregations []AggregationDef `yaml:"aggregations"`
}

// DefaultConfig returns a configuration rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir: dataDir,
		Store: StoreConfig{
			Kind:        StoreFS,
			Dir:         filepath.Join(dataDir, "chunks"),
			Compression: string(chunkstore.CompressionZstd),
		},
		MetadataPath: filepath.Join(dataDir, "meta.db"),
	}
}

// Load reads a YAML configuration file. Unset values take their defaults
// relative to the file's data_dir.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML configuration and validates it.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fills defaults for zero values and checks the rest.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		c.DataDir = "."
	}
	def := DefaultConfig(c.DataDir)
	if c.Store.Kind == "" {
		c.Store.Kind = def.Store.Kind
	}
	if c.Store.Dir == "" {
		c.Store.Dir = def.Store.Dir
	}
	if c.MetadataPath == "" {
		c.MetadataPath = def.MetadataPath
	}

	switch c.Store.Kind {
	case StoreMemory, StoreFS, StoreParquet:
	case StoreS3:
		if c.Store.Bucket == "" {
			return errors.New("store.bucket is required for the s3 store")
		}
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
	comp, err := chunkstore.ParseCompression(c.Store.Compression)
	if err != nil {
		return fmt.Errorf("store.compression: %w", err)
	}
	c.Store.Compression = string(comp)

	if c.MemoryBudget != "" {
		if _, err := membudget.ParseHumanSize(c.MemoryBudget); err != nil {
			return fmt.Errorf("memory_budget: %w", err)
		}
	}

	seen := make(map[string]bool, len(c.Aggregations))
	for i := range c.Aggregations {
		a := &c.Aggregations[i]
		if err := a.Validate(); err != nil {
			return fmt.Errorf("aggregation %d: %w", i, err)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate aggregation id %q", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// Aggregation returns the definition with the given id.
func (c *Config) Aggregation(id string) (AggregationDef, bool) {
	for _, a := range c.Aggregations {
		if a.ID == id {
			return a, true
		}
	}
	return AggregationDef{}, false
}

// Budget returns the memory budget for group reducers.
func (c *Config) Budget() (*membudget.Budget, error) {
	if c.MemoryBudget == "" {
		return membudget.FromSystemRAM(DefaultMemoryFraction), nil
	}
	n, err := membudget.ParseHumanSize(c.MemoryBudget)
	if err != nil {
		return nil, fmt.Errorf("memory_budget: %w", err)
	}
	return membudget.New(n, membudget.SourceConfig), nil
}

// OpenChunkStore builds the configured chunk store.
func (c *Config) OpenChunkStore(ctx context.Context) (chunkstore.Store, error) {
	comp := chunkstore.Compression(c.Store.Compression)
	switch c.Store.Kind {
	case StoreMemory:
		return chunkstore.NewMemStore(comp), nil
	case StoreFS:
		s, err := chunkstore.NewFSStore(c.Store.Dir, comp)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StoreParquet:
		s, err := chunkstore.NewParquetStore(c.Store.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StoreS3:
		s, err := chunkstore.NewS3StoreFromConfig(ctx, c.Store.Bucket, c.Store.Prefix, comp)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store kind %q", c.Store.Kind)
}

// OpenMetaStore builds the configured metadata store.
func (c *Config) OpenMetaStore() (metastore.Store, error) {
	if c.MetadataPath == ":memory:" {
		return metastore.NewMemStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(c.MetadataPath), 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	s, err := metastore.OpenSQLite(metastore.DefaultSQLiteConfig(c.MetadataPath))
	if err != nil {
		return nil, err
	}
	return s, nil
}
