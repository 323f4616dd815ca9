// Package config loads gateway configuration from a YAML file with
// MCPSCOPE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Backend selects which log store backends receive capture records.
type Backend string

// Storage backends.
const (
	BackendSQLite Backend = "sqlite"
	BackendFile   Backend = "file"
	BackendBoth   Backend = "both"
)

// Valid reports whether b names a known backend selection.
func (b Backend) Valid() bool {
	switch b {
	case BackendSQLite, BackendFile, BackendBoth:
		return true
	}
	return false
}

// Config is the top-level gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Registry RegistryConfig `yaml:"registry"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	// ListenAddr serves proxied MCP traffic.
	ListenAddr string `yaml:"listen_addr"`

	// AdminAddr serves the query and management API.
	AdminAddr string `yaml:"admin_addr"`
}

// StorageConfig selects and locates the capture backends.
type StorageConfig struct {
	Backend      Backend `yaml:"backend"`
	DatabasePath string  `yaml:"database_path"`
	FileDir      string  `yaml:"file_dir"`
}

// RegistryConfig locates the server registry file.
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// LogConfig configures structured logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file or overrides are
// present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			AdminAddr:  ":8081",
		},
		Storage: StorageConfig{
			Backend:      BackendSQLite,
			DatabasePath: "mcpscope.db",
			FileDir:      "logs",
		},
		Registry: RegistryConfig{
			Path: "servers.json",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration at path, layering file values over the
// defaults and environment overrides over both. An empty path or a
// missing file is not an error; the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if !c.Storage.Backend.Valid() {
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend != BackendFile && c.Storage.DatabasePath == "" {
		return errors.New("storage.database_path is required for the sqlite backend")
	}
	if c.Storage.Backend != BackendSQLite && c.Storage.FileDir == "" {
		return errors.New("storage.file_dir is required for the file backend")
	}
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("MCPSCOPE_LISTEN_ADDR", &cfg.Server.ListenAddr)
	setString("MCPSCOPE_ADMIN_ADDR", &cfg.Server.AdminAddr)
	setString("MCPSCOPE_DB_PATH", &cfg.Storage.DatabasePath)
	setString("MCPSCOPE_FILE_DIR", &cfg.Storage.FileDir)
	setString("MCPSCOPE_REGISTRY_PATH", &cfg.Registry.Path)
	setString("MCPSCOPE_LOG_LEVEL", &cfg.Log.Level)
	setString("MCPSCOPE_LOG_FORMAT", &cfg.Log.Format)
	if v, ok := os.LookupEnv("MCPSCOPE_STORAGE_BACKEND"); ok {
		cfg.Storage.Backend = Backend(v)
	}
}
