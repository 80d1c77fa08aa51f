// Package config defines the top-level configuration for the storage core
// and its runnable front-end, loaded from a single YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ahchan99/bustub/pkg/logger"
	"github.com/ahchan99/bustub/pkg/telemetry"
)

// Storage holds the knobs for the disk manager, buffer pool, and replacer.
type Storage struct {
	// DataFile is the path of the single backing database file.
	DataFile string `yaml:"data_file"`
	// PageSize is the fixed page size in bytes.
	PageSize int `yaml:"page_size"`
	// PoolSize is the number of frames the buffer pool owns.
	PoolSize int `yaml:"pool_size"`
	// LRUK is the K parameter of the LRU-K replacement policy.
	LRUK int `yaml:"lru_k"`
}

// Config is the root configuration document.
type Config struct {
	Storage   Storage          `yaml:"storage"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns a configuration suitable for local development.
func Default() Config {
	return Config{
		Storage: Storage{
			DataFile: "bustub.db",
			PageSize: 4096,
			PoolSize: 64,
			LRUK:     2,
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "bustub",
			PrometheusPort: 9091,
		},
	}
}

// Load reads path and unmarshals it over the defaults, so a partial file
// only overrides what it names.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Storage.PageSize < 64 {
		return fmt.Errorf("config: page_size %d too small", c.Storage.PageSize)
	}
	if c.Storage.PoolSize < 1 {
		return fmt.Errorf("config: pool_size must be at least 1")
	}
	if c.Storage.LRUK < 1 {
		return fmt.Errorf("config: lru_k must be at least 1")
	}
	if c.Storage.DataFile == "" {
		return fmt.Errorf("config: data_file must be set")
	}
	return nil
}
