// Package config loads the optional YAML configuration file, the .env
// overrides and the command-line switches, and resolves them into a Plan.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/eargollo/dicomanon/internal/codec"
	"github.com/eargollo/dicomanon/internal/outpath"
)

// DefaultPath is read when -config is not given. It may be absent.
const DefaultPath = "dicomanon.yaml"

// Environment overrides, applied after the config file.
const (
	EnvLogLevel = "DICOMANON_LOG_LEVEL"
	EnvDBPath   = "DICOMANON_DB"
	EnvHTTPAddr = "DICOMANON_HTTP_ADDR"
)

// Config holds the settings that may come from dicomanon.yaml.
type Config struct {
	Workers              int    `yaml:"workers"`
	LogLevel             string `yaml:"log_level"`
	DBPath               string `yaml:"db_path"`
	HTTPAddr             string `yaml:"http_addr"`
	Schedule             string `yaml:"schedule"`
	DefaultOutputPattern string `yaml:"default_output_pattern"`
	Codec                Codec  `yaml:"codec"`
}

// Codec holds the external transcoder command templates.
type Codec struct {
	Decompress string `yaml:"decompress"`
	Recompress string `yaml:"recompress"`
}

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DefaultOutputPattern == "" {
		c.DefaultOutputPattern = outpath.DefaultPattern
	}
	if c.Codec.Decompress == "" {
		c.Codec.Decompress = codec.DefaultDecompress
	}
	if c.Codec.Recompress == "" {
		c.Codec.Recompress = codec.DefaultRecompress
	}
}

// Load reads and parses the YAML config file at path. A missing file
// yields the defaults, so the tool runs without any config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		var cfg Config
		cfg.applyDefaults()
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadEnvFiles loads KEY=VALUE files (default ".env") into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overlays the DICOMANON_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := getenv(EnvDBPath); v != "" {
		c.DBPath = v
	}
	if v := getenv(EnvHTTPAddr); v != "" {
		c.HTTPAddr = v
	}
}

// ParseLogLevel maps debug|info|warn|error to a slog level; anything else
// is info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseWorkers returns n parsed from s, or 1 when s is not a positive
// integer.
func parseWorkers(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 1
	}
	return n
}
