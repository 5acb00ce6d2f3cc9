// Package config loads offsync settings: a YAML file, then .env files, then
// OFFSYNC_* environment variables, each overriding the one before.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OFFSYNC_"

// Config is the full configuration.
type Config struct {
	// DataDir holds the database and the staging area unless they are
	// given as absolute paths.
	DataDir    string `yaml:"data_dir"`
	Database   string `yaml:"database"`
	StagingDir string `yaml:"staging_dir"`
	// Catalog is a CUE file replacing the built-in resource catalog.
	Catalog string `yaml:"catalog"`

	Sync struct {
		Interval    time.Duration `yaml:"interval"`
		Periodic    time.Duration `yaml:"periodic"`
		Concurrency int           `yaml:"concurrency"`
	} `yaml:"sync"`

	Cache struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"cache"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Metrics struct {
		Namespace string `yaml:"namespace"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	c := &Config{
		DataDir:    ".offsync",
		Database:   "offline.db",
		StagingDir: "staging",
	}
	c.Sync.Interval = 5 * time.Minute
	c.Sync.Periodic = 10 * time.Minute
	c.Sync.Concurrency = 4
	c.Cache.TTL = 10 * time.Minute
	c.Log.Level = "info"
	c.Log.Format = "text"
	c.Metrics.Namespace = "offsync"
	return c
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path skips the file. Unknown keys are an error.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := c.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are skipped; variables already set are not overwritten.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
		slog.Debug("loaded env file", "path", p)
	}
	return nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	switch {
	case c.Sync.Interval < 0:
		return errors.New("config: sync.interval must not be negative")
	case c.Sync.Periodic < 0:
		return errors.New("config: sync.periodic must not be negative")
	case c.Sync.Concurrency < 1:
		return errors.New("config: sync.concurrency must be at least 1")
	case c.Cache.TTL < 0:
		return errors.New("config: cache.ttl must not be negative")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// DatabasePath resolves the SQLite file against DataDir.
func (c *Config) DatabasePath() string {
	return c.resolve(c.Database)
}

// StagingPath resolves the staging directory against DataDir.
func (c *Config) StagingPath() string {
	return c.resolve(c.StagingDir)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("config: unknown log level %q", s)
}

// ---- env overrides ----

func getEnv(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + name))
	return v, v != ""
}

func envString(name string, dst *string) {
	if v, ok := getEnv(name); ok {
		*dst = v
	}
}

func envDuration(name string, dst *time.Duration) error {
	if v, ok := getEnv(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
	}
	return nil
}

func envInt(name string, dst *int) error {
	if v, ok := getEnv(name); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
		}
		*dst = i
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	envString("DATA_DIR", &c.DataDir)
	envString("DATABASE", &c.Database)
	envString("STAGING_DIR", &c.StagingDir)
	envString("CATALOG", &c.Catalog)
	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)
	envString("METRICS_NAMESPACE", &c.Metrics.Namespace)

	if err := envDuration("SYNC_INTERVAL", &c.Sync.Interval); err != nil {
		return err
	}
	if err := envDuration("SYNC_PERIODIC", &c.Sync.Periodic); err != nil {
		return err
	}
	if err := envInt("SYNC_CONCURRENCY", &c.Sync.Concurrency); err != nil {
		return err
	}
	return envDuration("CACHE_TTL", &c.Cache.TTL)
}
