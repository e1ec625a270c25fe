package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// FileName is the configuration file looked up from the working directory.
const FileName = "consolidate.toml"

const (
	defaultEnvironmentName = "local"
	defaultDatabaseURL     = "postgres://localhost:5432/postgres?sslmode=disable"
	defaultMappingPath     = "consolidation.yaml"
	defaultMetricsJob      = "consolidate"
)

// Duration is a Go duration string such as "5s" or "168h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// EnvironmentConfig describes a single named environment from consolidate.toml.
type EnvironmentConfig struct {
	Description      string   `toml:"description"`
	DatabaseURL      string   `toml:"database_url"`
	LockTimeout      Duration `toml:"lock_timeout"`
	StatementTimeout Duration `toml:"statement_timeout"`
}

type RetryConfig struct {
	InitialInterval Duration `toml:"initial_interval"`
	MaxInterval     Duration `toml:"max_interval"`
	MaxElapsed      Duration `toml:"max_elapsed"`
	Disabled        bool     `toml:"disabled"`
}

type ArchiveConfig struct {
	// URL is a directory path, file:// URL or s3://bucket/prefix.
	URL string `toml:"url"`
}

type MetricsConfig struct {
	PushgatewayURL string `toml:"pushgateway_url"`
	Job            string `toml:"job"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ActivityConfig struct {
	BatchSize   int `toml:"batch_size"`
	Parallelism int `toml:"parallelism"`
}

type Config struct {
	DefaultEnvironment string                       `toml:"default_environment"`
	Mapping            string                       `toml:"mapping"`
	HistoryTable       string                       `toml:"history_table"`
	Environments       map[string]EnvironmentConfig `toml:"environments"`
	Retry              RetryConfig                  `toml:"retry"`
	Archive            ArchiveConfig                `toml:"archive"`
	Metrics            MetricsConfig                `toml:"metrics"`
	Log                LogConfig                    `toml:"log"`
	Activity           ActivityConfig               `toml:"activity"`

	ConfigFilePath string `toml:"-"`
	configDir      string
}

// LoadConfig finds consolidate.toml in the working directory or its parents,
// stopping at the project root. A missing file yields an empty config.
func LoadConfig() (*Config, error) {
	startDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return LoadConfigFrom(startDir)
}

// LoadConfigFrom is LoadConfig starting at dir.
func LoadConfigFrom(startDir string) (*Config, error) {
	dir := startDir
	for {
		configPath := filepath.Join(dir, FileName)
		if _, err := os.Stat(configPath); err == nil {
			return loadFile(configPath)
		}

		if isProjectRoot(dir) {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return &Config{configDir: startDir}, nil
}

func loadFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	var config Config
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
	}

	config.ConfigFilePath = configPath
	config.configDir = filepath.Dir(configPath)
	return &config, nil
}

// ConfigDir is the directory holding consolidate.toml, or the directory the
// search started from when there is none.
func (c *Config) ConfigDir() string {
	if c == nil {
		return ""
	}
	return c.configDir
}

// ProjectDir is the nearest project root at or above ConfigDir.
func (c *Config) ProjectDir() string {
	dir := c.ConfigDir()
	for dir != "" {
		if isProjectRoot(dir) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return c.ConfigDir()
}

// MappingPath returns the mapping document path, relative paths resolved
// against ConfigDir.
func (c *Config) MappingPath() string {
	p := defaultMappingPath
	if c != nil && c.Mapping != "" {
		p = c.Mapping
	}
	return c.resolvePath(p)
}

// ArchiveURL returns the archive location. Plain paths are resolved against
// ConfigDir; URLs are returned unchanged.
func (c *Config) ArchiveURL() string {
	if c == nil || c.Archive.URL == "" {
		return ""
	}
	if strings.Contains(c.Archive.URL, "://") {
		return c.Archive.URL
	}
	return c.resolvePath(c.Archive.URL)
}

// MetricsJob returns the Pushgateway job name.
func (c *Config) MetricsJob() string {
	if c != nil && c.Metrics.Job != "" {
		return c.Metrics.Job
	}
	return defaultMetricsJob
}

func (c *Config) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.ConfigDir() == "" {
		return p
	}
	return filepath.Join(c.ConfigDir(), p)
}

// isProjectRoot checks if the directory is a project root based on common markers
func isProjectRoot(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return true
	}
	if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
		return true
	}
	if _, err := os.Stat(filepath.Join(dir, "package.json")); err == nil {
		return true
	}
	return false
}
