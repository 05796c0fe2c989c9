// Package config loads the machine manifest.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultFilename is looked up in the working directory when no manifest is named.
const DefaultFilename = "corvus.yml"

// Config is the machine manifest. Every field has a working default so a manifest is only
// needed to change something.
type Config struct {
	// RAMSize is the amount of backing physical memory in bytes.
	RAMSize int `yaml:"ram_size"`

	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string `yaml:"log_level"`

	// Storage names the block storage image file. Empty disables the device.
	Storage string `yaml:"storage"`

	// Net enables the network socket adapter.
	Net bool `yaml:"net"`
}

// Default returns the manifest used when no file is present.
func Default() Config {
	return Config{
		RAMSize:  1 << 24,
		LogLevel: "INFO",
	}
}

// Load reads a manifest file. A missing file is not an error: the defaults are returned.
func Load(filename string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", filename, err)
	}

	if cfg.RAMSize <= 0 {
		return cfg, fmt.Errorf("config: %s: ram_size must be positive", filename)
	}

	return cfg, nil
}
