package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the configuration from configPath (or POSITORY_CONFIG, or
// the default path), applies environment overrides and defaults, and
// validates the result. A missing default config file is not an error:
// the service then runs on defaults plus environment.
func Load(configPath string) (*Config, error) {
	explicit := configPath != ""
	if configPath == "" {
		configPath = os.Getenv("POSITORY_CONFIG")
		explicit = configPath != ""
	}
	if configPath == "" {
		configPath = DefaultPath
	}

	var cfg Config

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", configPath, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Defaults only
	default:
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.defaults()

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
