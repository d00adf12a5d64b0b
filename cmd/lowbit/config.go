package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the lowbit configuration file (~/.config/lowbit/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Defaults for model commands
	Data       string `yaml:"data"`
	Batch      *int64 `yaml:"batch"`
	Seed       *int64 `yaml:"seed"`
	SidecarDir string `yaml:"sidecar_dir"`

	// Tuning
	Recipe string `yaml:"recipe"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

// cfg is loaded once before any command runs.
var cfg Config

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "lowbit", "config.yaml")
}

func applyLogConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyModelConfig applies config file defaults to the model flags when the
// corresponding CLI flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Data != "" && !c.IsSet("data") {
		dataPath = cfg.Data
	}
	if cfg.Batch != nil && !c.IsSet("batch") {
		batchSize = *cfg.Batch
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.SidecarDir != "" && os.Getenv(envLowbitSidecarDir) == "" {
		sidecarDirDefault = cfg.SidecarDir
	}
}

func applyTuneConfig(c *cli.Command, cfg Config, recipe, addr *string) {
	if cfg.Recipe != "" && !c.IsSet("recipe") {
		*recipe = cfg.Recipe
	}
	if cfg.ServerAddress != "" && !c.IsSet("status-addr") {
		*addr = cfg.ServerAddress
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return loadConfigFrom(configPath())
}

func loadConfigFrom(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
