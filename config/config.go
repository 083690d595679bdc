package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

const DefaultBranch = "main"
const DefaultAddress = ":3690"

// RepositoryMapping is one entry of the repositoryMapping list: the
// longest-prefix match table session.resolveRepository consults,
// mirroring repo.MappingEntry on the wire-config side of the boundary.
type RepositoryMapping struct {
	Prefix        string `yaml:"prefix"`
	GitDir        string `yaml:"gitDir"`
	DefaultBranch string `yaml:"defaultBranch"`
	DetectRenames bool   `yaml:"detectRenames"`
	AllowAnonRead bool   `yaml:"allowAnonymousRead"`
}

// UserEntry is one bundled-authenticator user record. PasswordHash is a
// bcrypt hash (golang.org/x/crypto/bcrypt), never a plaintext password.
type UserEntry struct {
	User         string `yaml:"user"`
	PasswordHash string `yaml:"passwordHash"`
}

// Config is gitsvnbridge's top-level server configuration.
type Config struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Realm              string        `yaml:"realm"`
	ReuseAddress       bool          `yaml:"reuseAddress"`
	CompressionEnabled bool          `yaml:"compressionEnabled"`
	Cache              string        `yaml:"cache"` // "memory" or a filesystem path

	RepositoryMapping []RepositoryMapping `yaml:"repositoryMapping"`
	UserDB            []UserEntry         `yaml:"userDB"`
	SharedExtensions  string              `yaml:"sharedExtensions"`

	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	AuthTimeout   time.Duration `yaml:"authTimeout"`
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`
}

// Unmarshal parses config on top of a set of field defaults; fields the
// document sets explicitly override them.
func Unmarshal(config []byte) (*Config, error) {
	cfg := &Config{
		Host:          "0.0.0.0",
		Port:          3690,
		Realm:         "gitsvnbridge",
		Cache:         "memory",
		IdleTimeout:   10 * time.Minute,
		AuthTimeout:   30 * time.Second,
		ShutdownGrace: 15 * time.Second,
	}
	if err := yaml.Unmarshal(config, cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v. make sure to use 'single quotes' around strings with special characters (like match patterns)", err.Error())
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile loads and parses the config file at filename.
func LoadConfigFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	cfg, err := LoadConfigString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	return cfg, nil
}

// LoadConfigString parses content as a config document.
func LoadConfigString(content []byte) (*Config, error) {
	return Unmarshal(content)
}

// Address returns the host:port pair to listen on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Cache == "" {
		return fmt.Errorf("cache must be 'memory' or a filesystem path")
	}
	seen := map[string]bool{}
	for _, m := range c.RepositoryMapping {
		if m.GitDir == "" {
			return fmt.Errorf("repositoryMapping entry %q missing gitDir", m.Prefix)
		}
		if seen[m.Prefix] {
			return fmt.Errorf("duplicate repositoryMapping prefix %q", m.Prefix)
		}
		seen[m.Prefix] = true
	}
	for _, u := range c.UserDB {
		if u.User == "" || u.PasswordHash == "" {
			return fmt.Errorf("userDB entry missing user or passwordHash")
		}
	}
	return nil
}
