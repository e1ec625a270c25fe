package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ResolvedEnvironment represents a fully-resolved environment with concrete values.
type ResolvedEnvironment struct {
	Name             string
	DatabaseURL      string
	LockTimeout      time.Duration
	StatementTimeout time.Duration
	DotenvPath       string
	FromConfig       bool
	FromDotenv       bool
}

// ResolveEnvironment resolves a named environment into a connection string
// and session timeouts. Values in .env.<name> override consolidate.toml.
func ResolveEnvironment(config *Config, name string) (*ResolvedEnvironment, error) {
	envName := strings.TrimSpace(name)
	if envName == "" {
		if config != nil && config.DefaultEnvironment != "" {
			envName = config.DefaultEnvironment
		} else {
			envName = defaultEnvironmentName
		}
	}

	var (
		envConfig EnvironmentConfig
		envExists bool
	)
	if config != nil && config.Environments != nil {
		if cfg, ok := config.Environments[envName]; ok {
			envConfig = cfg
			envExists = true
		}
	}

	resolved := &ResolvedEnvironment{
		Name:             envName,
		DatabaseURL:      envConfig.DatabaseURL,
		LockTimeout:      envConfig.LockTimeout.Duration,
		StatementTimeout: envConfig.StatementTimeout.Duration,
		FromConfig:       envExists,
	}

	dotenvFileName := ".env." + envName
	var baseDir, projectDir string
	if config != nil {
		baseDir = config.ConfigDir()
		projectDir = config.ProjectDir()
	}
	if baseDir == "" {
		if cwd, err := os.Getwd(); err == nil {
			baseDir = cwd
		}
	}
	resolved.DotenvPath = filepath.Join(baseDir, dotenvFileName)

	if _, err := os.Stat(resolved.DotenvPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to access %s: %w", resolved.DotenvPath, err)
		}
		if projectDir != "" && projectDir != baseDir {
			altPath := filepath.Join(projectDir, dotenvFileName)
			if altInfo, altErr := os.Stat(altPath); altErr == nil && !altInfo.IsDir() {
				resolved.DotenvPath = altPath
			}
		}
	}

	if info, err := os.Stat(resolved.DotenvPath); err == nil && !info.IsDir() {
		values, err := godotenv.Read(resolved.DotenvPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", resolved.DotenvPath, err)
		}
		resolved.FromDotenv = true
		if err := applyDotenv(resolved, values); err != nil {
			return nil, fmt.Errorf("%s: %w", resolved.DotenvPath, err)
		}
	}

	if resolved.DatabaseURL == "" {
		resolved.DatabaseURL = defaultDatabaseURL
	}

	if config != nil && len(config.Environments) > 0 && !envExists && !resolved.FromDotenv {
		return nil, fmt.Errorf("environment %q not defined in %s and %s not found", envName, FileName, resolved.DotenvPath)
	}

	return resolved, nil
}

// applyDotenv copies connection settings from a .env file. DATABASE_URL
// wins over the driver-specific variables.
func applyDotenv(resolved *ResolvedEnvironment, values map[string]string) error {
	switch {
	case values["DATABASE_URL"] != "":
		resolved.DatabaseURL = values["DATABASE_URL"]
	case values["POSTGRES_URL"] != "":
		resolved.DatabaseURL = values["POSTGRES_URL"]
	case values["SQLITE_DB_PATH"] != "":
		resolved.DatabaseURL = values["SQLITE_DB_PATH"]
	case values["LIBSQL_URL"] != "":
		resolved.DatabaseURL = values["LIBSQL_URL"]
		if authToken := values["LIBSQL_AUTH_TOKEN"]; authToken != "" {
			resolved.DatabaseURL = fmt.Sprintf("%s?authToken=%s", values["LIBSQL_URL"], authToken)
		}
	}

	for key, dst := range map[string]*time.Duration{
		"LOCK_TIMEOUT":      &resolved.LockTimeout,
		"STATEMENT_TIMEOUT": &resolved.StatementTimeout,
	} {
		value := values[key]
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		*dst = d
	}
	return nil
}
