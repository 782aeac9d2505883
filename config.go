package swrcache

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/always-cache/swrcache/cache"
	keyrules "github.com/always-cache/swrcache/pkg/key-rules"
)

// FileConfig is the YAML configuration of a client.
type FileConfig struct {
	// Origin URL of the fetched resources.
	Origin string `yaml:"origin"`
	// Key namespace.
	Namespace string `yaml:"namespace"`
	// Storage backend: "memory" (default) or "sqlite".
	Storage  string `yaml:"storage"`
	Capacity int    `yaml:"capacity"`
	// Refresh entries expiring within this duration, 0 disables.
	UpdateAhead                time.Duration   `yaml:"updateAhead"`
	MaxConcurrentRevalidations int64           `yaml:"maxConcurrentRevalidations"`
	Defaults                   keyrules.Policy `yaml:"defaults"`
	Rules                      keyrules.Rules  `yaml:"rules"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// NewConfig creates a client config from a file config.
// The fetcher, logger and clock are left to the caller.
func NewConfig[V any](fc FileConfig) (Config[V], error) {
	config := Config[V]{
		Capacity:                   fc.Capacity,
		Defaults:                   fc.Defaults,
		Rules:                      fc.Rules,
		MaxConcurrentRevalidations: fc.MaxConcurrentRevalidations,
		UpdateAhead:                fc.UpdateAhead,
	}
	switch fc.Storage {
	case "", "memory":
	case "sqlite":
		provider, err := cache.NewSQLiteProvider[V]()
		if err != nil {
			return config, fmt.Errorf("opening sqlite storage: %w", err)
		}
		config.Provider = provider
	default:
		return config, fmt.Errorf("unknown storage %q", fc.Storage)
	}
	return config, nil
}
