// Package config loads relaychat configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all relaychat configuration.
type Config struct {
	// Backend endpoint configuration
	Backend BackendConfig `yaml:"backend"`

	// Chat defaults
	Chat ChatConfig `yaml:"chat"`

	// Local message store
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig configures the streaming chat endpoint.
type BackendConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
	Timeout  string `yaml:"timeout"`
}

// ChatConfig holds per-send defaults.
type ChatConfig struct {
	Mode               string `yaml:"mode"`
	Model              string `yaml:"model"`
	SystemPrompt       string `yaml:"system_prompt"`
	ThinkingEnabled    bool   `yaml:"thinking_enabled"`
	MemoryReadEnabled  bool   `yaml:"memory_read_enabled"`
	MemoryWriteEnabled bool   `yaml:"memory_write_enabled"`
}

// StoreConfig configures the SQLite message store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
	Dir        string          `yaml:"dir"`
}

const (
	defaultEndpoint = "http://localhost:8080/v1/chat/completions"
	defaultMode     = "balanced"
	defaultModel    = "shannon-1.6-pro"
	defaultTimeout  = "10m"

	defaultSystemPrompt = "You are a creative and optimistic assistant. Be imaginative, proactive, and encouraging while staying accurate and helpful. Keep responses concise when possible, but don't sacrifice clarity."
)

// Default returns the default configuration rooted at dir.
func Default(dir string) *Config {
	return &Config{
		Backend: BackendConfig{
			Endpoint: defaultEndpoint,
			Timeout:  defaultTimeout,
		},
		Chat: ChatConfig{
			Mode:               defaultMode,
			Model:              defaultModel,
			SystemPrompt:       defaultSystemPrompt,
			MemoryReadEnabled:  true,
			MemoryWriteEnabled: true,
		},
		Store: StoreConfig{
			DatabasePath: filepath.Join(dir, "chats.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join(dir, "logs"),
		},
	}
}

// Dir returns the directory where relaychat keeps its state.
// Prefers $RELAYCHAT_HOME, then ~/.relaychat.
func Dir() (string, error) {
	if dir := os.Getenv("RELAYCHAT_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".relaychat"), nil
}

// File returns the full path to the config file.
func File() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads configuration from the default location, falling back to
// defaults when no file exists, then applies environment overrides.
func Load() (*Config, error) {
	path, err := File()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := Default(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the given path.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides lets environment variables win over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RELAYCHAT_ENDPOINT"); v != "" {
		c.Backend.Endpoint = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("RELAYCHAT_TOKEN"); v != "" {
		c.Backend.Token = v
	}
	if v := os.Getenv("RELAYCHAT_MODEL"); v != "" {
		c.Chat.Model = v
	}
	if v := os.Getenv("RELAYCHAT_MODE"); v != "" {
		c.Chat.Mode = v
	}
	if v := os.Getenv("RELAYCHAT_DB"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("RELAYCHAT_DEBUG"); v != "" {
		c.Logging.DebugMode = v == "1" || strings.EqualFold(v, "true")
	}
}

func (c *Config) validate() error {
	if c.Backend.Endpoint == "" {
		return fmt.Errorf("backend.endpoint is required")
	}
	if c.Backend.Timeout != "" {
		if _, err := time.ParseDuration(c.Backend.Timeout); err != nil {
			return fmt.Errorf("invalid backend.timeout %q: %w", c.Backend.Timeout, err)
		}
	}
	return nil
}

// RequestTimeout returns the parsed backend timeout.
func (c *Config) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.Backend.Timeout)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(defaultTimeout)
	}
	return d
}
