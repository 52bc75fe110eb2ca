package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultServiceType   = "_deckrocket._tcp"
	DefaultDomain        = "local"
	DefaultPort          = 8080
	DefaultInviteTimeout = 30 * time.Second
)

// Config holds everything both roles need to run. Zero values are filled in
// by Default and may be overridden by a YAML file and then by CLI flags.
type Config struct {
	Name          string        `yaml:"name"`
	ServiceType   string        `yaml:"service_type"`
	Domain        string        `yaml:"domain"`
	Port          int           `yaml:"port"`
	InviteTimeout time.Duration `yaml:"invite_timeout"`

	DocumentsDir string `yaml:"documents_dir"`
	StagingDir   string `yaml:"staging_dir"`
	SettingsPath string `yaml:"settings_path"`

	ChunkSize  int32  `yaml:"chunk_size"`
	LogLevel   string `yaml:"log_level"`
	AutoAccept bool   `yaml:"auto_accept"`
}

// Default returns a configuration rooted at the user's data directory.
func Default() *Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "deckrocket"
	}
	base := filepath.Join(os.TempDir(), "deckrocket")
	if dir, err := os.UserConfigDir(); err == nil {
		base = filepath.Join(dir, "deckrocket")
	}
	return &Config{
		Name:          name,
		ServiceType:   DefaultServiceType,
		Domain:        DefaultDomain,
		Port:          DefaultPort,
		InviteTimeout: DefaultInviteTimeout,
		DocumentsDir:  filepath.Join(base, "documents"),
		StagingDir:    filepath.Join(base, "staging"),
		SettingsPath:  filepath.Join(base, "settings.sqlite3"),
		ChunkSize:     16 * 1024,
		LogLevel:      "info",
	}
}

// Load reads a YAML file on top of the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ServiceName is the fully qualified browse name, e.g. "_deckrocket._tcp.local.".
func (c *Config) ServiceName() string {
	return fmt.Sprintf("%s.%s.", c.ServiceType, c.Domain)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("name cannot be empty")
	}
	if c.ServiceType == "" {
		return errors.New("service_type cannot be empty")
	}
	if c.Domain == "" {
		return errors.New("domain cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.InviteTimeout <= 0 {
		return errors.New("invite_timeout must be positive")
	}
	if c.DocumentsDir == "" {
		return errors.New("documents_dir cannot be empty")
	}
	if c.StagingDir == "" {
		return errors.New("staging_dir cannot be empty")
	}
	if c.ChunkSize <= 0 {
		return errors.New("chunk_size must be positive")
	}
	return nil
}
