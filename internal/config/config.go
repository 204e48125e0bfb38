// Package config loads the gateway configuration from YAML with environment
// overrides.
package config

import "fmt"

// Config is the top-level gateway configuration.
type Config struct {
	ServiceName string        `yaml:"service_name"`
	Server      ServerConfig  `yaml:"server"`
	Storage     StorageConfig `yaml:"storage"`
	Auth        AuthConfig    `yaml:"auth"`
	// PolicyFile points at the risk policy YAML. Empty means the built-in
	// default policy.
	PolicyFile string `yaml:"policy_file"`
	// WatchPolicy enables fsnotify hot reload of the policy file.
	WatchPolicy bool `yaml:"watch_policy"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	CORS     bool   `yaml:"cors"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type AuthConfig struct {
	// APIKeys is the static allow-list checked against X-API-Key. The
	// API_KEY_DEV and API_KEY_TEST environment variables are appended.
	APIKeys []string `yaml:"api_keys"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServiceName: "oversight-gateway",
		Server: ServerConfig{
			Port:     8001,
			LogLevel: "info",
			CORS:     true,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./riskgate.db",
		},
		WatchPolicy: true,
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.Storage.Driver != "sqlite" {
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	return nil
}
