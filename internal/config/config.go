// Package config loads daemon configuration from a YAML file.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Listen is the UDP address the protocol endpoint binds.
	Listen string `yaml:"listen"`
	// DataDir backs the file resources and received transfers.
	DataDir string `yaml:"data_dir"`

	Log  Log  `yaml:"log"`
	API  API  `yaml:"api"`
	NATS NATS `yaml:"nats"`
}

type Log struct {
	// Level is a zerolog level name. Empty means info.
	Level string `yaml:"level"`
	// File enables rotated file output when set; otherwise logs go
	// to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type API struct {
	// Listen enables the HTTP control surface when set.
	Listen string `yaml:"listen"`
}

type NATS struct {
	// URL enables event publishing when set.
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:  ":5683",
		DataDir: "data",
		Log: Log{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 5,
		},
	}
}

// Load reads path and overlays it on the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, errors.Wrap(err, "parse config")
	}
	if c.Listen == "" {
		c.Listen = ":5683"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	return c, nil
}
