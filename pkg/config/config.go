// Package config handles configuration loading and management.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/revenant/revenant/internal/artifact"
	"github.com/revenant/revenant/pkg/types"
	"gopkg.in/yaml.v3"
)

// CurrentVersion is the only configuration version understood.
const CurrentVersion = "1.0"

// DefaultAPIAddr is where the management API listens unless configured.
const DefaultAPIAddr = "127.0.0.1:8787"

// ConfigFileNames are searched in order by FindConfig.
var ConfigFileNames = []string{
	"revenant.config.yaml",
	"revenant.config.yml",
	"revenant.config.json",
	"revenant.config.toml",
}

// ErrNoConfig is returned by FindConfig when no file exists.
var ErrNoConfig = errors.New("no configuration file found")

// Manager handles configuration operations.
type Manager struct{}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{}
}

// FindConfig returns the first known configuration file in dir.
func (m *Manager) FindConfig(dir string) (string, error) {
	for _, name := range ConfigFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNoConfig, dir)
}

// LoadConfig reads, defaults and validates the configuration at path.
// Relative directories are resolved against the directory holding the file.
func (m *Manager) LoadConfig(path string) (*types.RevenantConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := decode(path, data)
	if err != nil {
		return nil, err
	}

	root, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}
	ApplyDefaults(cfg, root)

	if err := m.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg in the format implied by the extension of path.
func (m *Manager) SaveConfig(cfg *types.RevenantConfig, path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	default:
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ValidateConfig validates a configuration.
func (m *Manager) ValidateConfig(cfg *types.RevenantConfig) error {
	if cfg.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version: %q", cfg.Version)
	}

	if cfg.AppsDir == "" || cfg.DomainsDir == "" {
		return fmt.Errorf("both apps and domains directories are required")
	}
	if filepath.Clean(cfg.AppsDir) == filepath.Clean(cfg.DomainsDir) {
		return fmt.Errorf("apps and domains must be different directories")
	}

	if cfg.PollInterval < 0 {
		return fmt.Errorf("pollInterval must not be negative")
	}
	if cfg.Watch != nil && cfg.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative")
	}

	for _, name := range cfg.StartupOrder {
		if err := artifact.ValidateName(name); err != nil {
			return fmt.Errorf("startupOrder: %w", err)
		}
	}

	if cfg.Logging != nil {
		switch cfg.Logging.Level {
		case "", types.LogLevelDebug, types.LogLevelInfo, types.LogLevelWarn, types.LogLevelError:
		default:
			return fmt.Errorf("invalid log level: %q", cfg.Logging.Level)
		}
	}

	if cfg.APIEnabled() && cfg.API.Addr == "" {
		return fmt.Errorf("api.addr is required when the API is enabled")
	}

	return nil
}

// GetDefaultConfig returns the configuration written by `revenant init`.
func (m *Manager) GetDefaultConfig() *types.RevenantConfig {
	enabled := false

	return &types.RevenantConfig{
		Version:      CurrentVersion,
		AppsDir:      "apps",
		DomainsDir:   "domains",
		PollInterval: int(types.DefaultPollInterval.Milliseconds()),
		Watch: &types.WatchConfig{
			Fsnotify: true,
			Debounce: 250,
		},
		Notifications: &types.NotificationConfig{
			Enabled: &enabled,
		},
		Logging: &types.LoggingConfig{
			Level: types.LogLevelInfo,
		},
	}
}

// ApplyDefaults fills unset fields and makes every directory absolute
// relative to root.
func ApplyDefaults(cfg *types.RevenantConfig, root string) {
	if cfg.Version == "" {
		cfg.Version = CurrentVersion
	}
	if cfg.AppsDir == "" {
		cfg.AppsDir = "apps"
	}
	if cfg.DomainsDir == "" {
		cfg.DomainsDir = "domains"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(".revenant", "state")
	}

	cfg.AppsDir = resolve(root, cfg.AppsDir)
	cfg.DomainsDir = resolve(root, cfg.DomainsDir)
	cfg.StateDir = resolve(root, cfg.StateDir)

	if cfg.Logging == nil {
		cfg.Logging = &types.LoggingConfig{}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = types.LogLevelInfo
	}
	if cfg.Logging.File != "" {
		cfg.Logging.File = resolve(root, cfg.Logging.File)
	}

	if cfg.API != nil && cfg.API.Addr == "" {
		cfg.API.Addr = DefaultAPIAddr
	}
}

func resolve(root, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(root, path)
}

func decode(path string, data []byte) (*types.RevenantConfig, error) {
	var cfg types.RevenantConfig

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		// JSON is a subset of YAML, so one attempt covers both
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config as JSON or YAML")
		}
	}

	return &cfg, nil
}
