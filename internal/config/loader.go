package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader reads, caches and reloads the configuration file. Get always
// returns a usable config, falling back to defaults when nothing was loaded.
type Loader struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewLoader creates a Loader serving the default configuration until Load
// is called.
func NewLoader() *Loader {
	return &Loader{cfg: applyEnv(Default())}
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. The path is remembered for Reload.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config yaml: %w", err)
	}
	cfg = applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.path = path
	l.mu.Unlock()
	return nil
}

// Get returns the current configuration.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Reload re-reads the last loaded file. A load failure keeps the previous
// configuration.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.path
	l.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("no config file loaded")
	}
	return l.Load(path)
}

// applyEnv layers environment variables over the file values. Environment
// always wins so deployments can override a baked-in config.
func applyEnv(cfg *Config) *Config {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("RISKGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RISKGATE_POLICY"); v != "" {
		cfg.PolicyFile = v
	}
	for _, name := range []string{"API_KEY_DEV", "API_KEY_TEST"} {
		if v := os.Getenv(name); v != "" {
			cfg.Auth.APIKeys = append(cfg.Auth.APIKeys, v)
		}
	}
	return cfg
}

const defaultYAML = `# Oversight gateway configuration.

service_name: oversight-gateway

server:
  port: 8001
  log_level: info
  cors: true

storage:
  driver: sqlite
  path: ./riskgate.db

auth:
  # Static API keys accepted in the X-API-Key header. The API_KEY_DEV and
  # API_KEY_TEST environment variables are appended to this list.
  api_keys: []

# Risk policy file; leave empty to use the built-in defaults.
policy_file: ./riskgate-policy.yaml
watch_policy: true
`

// GenerateDefault writes a starter config file. Fails if the file exists.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	return os.WriteFile(path, []byte(defaultYAML), 0o644)
}
