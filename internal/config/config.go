// Package config provides configuration management for the S-201 server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Index backends.
const (
	IndexBackendLevelDB = "leveldb"
	IndexBackendMemory  = "memory"
)

// Config represents the server configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Index     IndexConfig     `yaml:"index"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	API       APIConfig       `yaml:"api"`
	SECOM     SECOMConfig     `yaml:"secom"`
	Query     QueryConfig     `yaml:"query"`
	Packaging PackagingConfig `yaml:"packaging"`
}

// StorageConfig contains catalog database settings.
type StorageConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// IndexConfig contains search index settings.
type IndexConfig struct {
	Backend string `yaml:"backend"` // "leveldb" or "memory"
	Path    string `yaml:"path"`
}

// BootstrapConfig controls the startup index rebuild.
type BootstrapConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Workers    int           `yaml:"workers"`
}

// APIConfig contains HTTP listener settings.
type APIConfig struct {
	Listen         string `yaml:"listen"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// SECOMConfig contains SECOM surface settings.
type SECOMConfig struct {
	// SubscriberHeader names the trusted header carrying the caller's MRN,
	// populated by the TLS-terminating gateway in front of this server.
	SubscriberHeader string `yaml:"subscriber_header"`
}

// QueryConfig contains paging limits.
type QueryConfig struct {
	DefaultPageSize int `yaml:"default_page_size"`
	MaxPageSize     int `yaml:"max_page_size"`
}

// PackagingConfig contains exchange-set settings.
type PackagingConfig struct {
	Compress bool `yaml:"compress"`
}

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataPath := filepath.Join(homeDir, ".s201-server", "data")

	return &Config{
		Storage: StorageConfig{
			Path:        dataPath,
			BusyTimeout: 5 * time.Second,
		},
		Index: IndexConfig{
			Backend: IndexBackendLevelDB,
			Path:    filepath.Join(dataPath, "index"),
		},
		Bootstrap: BootstrapConfig{
			Enabled:    true,
			MaxRetries: 3,
			RetryDelay: 300 * time.Millisecond,
			Workers:    7,
		},
		API: APIConfig{
			Listen:         "127.0.0.1:8766",
			MetricsEnabled: true,
		},
		SECOM: SECOMConfig{
			SubscriberHeader: "X-SECOM-MRN",
		},
		Query: QueryConfig{
			DefaultPageSize: 20,
			MaxPageSize:     1000,
		},
		Packaging: PackagingConfig{
			Compress: true,
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".s201-server", "config.yaml")
}

// Load loads the configuration from a file. Keys missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return cfg, nil
		}
		return nil, err
	}

	// An index path left unset follows storage.path.
	cfg.Index.Path = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.Index.Path == "" {
		cfg.Index.Path = filepath.Join(cfg.Storage.Path, "index")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Index.Backend {
	case IndexBackendLevelDB, IndexBackendMemory:
	default:
		return fmt.Errorf("invalid index backend %q", c.Index.Backend)
	}
	if c.Bootstrap.MaxRetries < 1 {
		return fmt.Errorf("bootstrap.max_retries must be at least 1")
	}
	if c.Bootstrap.RetryDelay < 0 {
		return fmt.Errorf("bootstrap.retry_delay must be non-negative")
	}
	if c.Bootstrap.Workers < 1 {
		return fmt.Errorf("bootstrap.workers must be at least 1")
	}
	if c.Query.DefaultPageSize < 1 || c.Query.MaxPageSize < c.Query.DefaultPageSize {
		return fmt.Errorf("invalid query page sizes: default=%d max=%d", c.Query.DefaultPageSize, c.Query.MaxPageSize)
	}
	return nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
