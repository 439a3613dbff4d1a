package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultFilePath returns ~/.meetsynth/config.yaml
func DefaultFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".meetsynth", "config.yaml")
}

// LoadFile builds a configuration from the environment and then overlays the
// YAML file at path. Keys present in the file win over the environment.
// A missing file is not an error. The result is not validated.
func LoadFile(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if path == "" {
		return &cfg, nil
	}
	if err := cfg.ApplyFile(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyFile overlays the YAML document at path onto c
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}
