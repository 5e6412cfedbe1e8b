// Package config loads the layered pository configuration: built-in
// defaults, a YAML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPath is the configuration file consulted when no explicit path
// is given.
const DefaultPath = "/etc/pository/config.yaml"

// Config represents the complete service configuration.
type Config struct {
	DataRoot      string          `yaml:"dataRoot"`
	LogPath       string          `yaml:"logPath"`
	Port          int             `yaml:"port"`
	BindAddress   string          `yaml:"bindAddress"`
	TLS           TLSConfig       `yaml:"tls,omitempty"`
	Retention     RetentionConfig `yaml:"retention,omitempty"`
	MaxUploadSize int64           `yaml:"maxUploadSize"`
	AllowedRepos  []string        `yaml:"allowedRepos,omitempty"`
	CORSOrigins   []string        `yaml:"corsOrigins,omitempty"`
	AdminKey      string          `yaml:"adminKey,omitempty"`
	APIKeysPath   string          `yaml:"apiKeysPath"`
	AuthDownloads *bool           `yaml:"authDownloads,omitempty"`

	// Workload identity (GitHub Actions OIDC)
	OIDCAudience       string              `yaml:"oidcAudience,omitempty"`
	OIDCAllowedOwners  []string            `yaml:"oidcAllowedOwners,omitempty"`
	OIDCRequirePrivate bool                `yaml:"oidcRequirePrivate,omitempty"`
	OIDCOverrides      map[string][]string `yaml:"oidcOverrides,omitempty"`
}

// TLSConfig contains the optional TLS listener settings.
type TLSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cert    string `yaml:"cert,omitempty"`
	Key     string `yaml:"key,omitempty"`
}

// RetentionConfig controls the background retention sweep.
type RetentionConfig struct {
	Enabled    bool `yaml:"enabled"`
	KeepLastN  int  `yaml:"keepLastN,omitempty"`
	MaxAgeDays int  `yaml:"maxAgeDays,omitempty"`
}

// AuthenticatedDownloads reports whether /repo downloads require a read
// credential. Defaults to true when unset.
func (c *Config) AuthenticatedDownloads() bool {
	if c.AuthDownloads == nil {
		return true
	}
	return *c.AuthDownloads
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// RepoAllowed reports whether repo passes the allow-list. An empty
// allow-list admits every repo.
func (c *Config) RepoAllowed(repo string) bool {
	if len(c.AllowedRepos) == 0 {
		return true
	}
	for _, allowed := range c.AllowedRepos {
		if allowed == repo {
			return true
		}
	}
	return false
}

// defaults applies built-in defaults for unset values.
func (c *Config) defaults() {
	if c.DataRoot == "" {
		c.DataRoot = "/var/lib/pository/data"
	}
	if c.LogPath == "" {
		c.LogPath = "/var/log/pository/pository.log"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.BindAddress == "" {
		c.BindAddress = "0.0.0.0"
	}
	if c.MaxUploadSize == 0 {
		c.MaxUploadSize = 256 << 20 // 256 MiB
	}
	if c.APIKeysPath == "" {
		c.APIKeysPath = filepath.Join(filepath.Dir(c.DataRoot), "api-keys.json")
	}
	if c.OIDCAudience == "" {
		c.OIDCAudience = "pository"
	}
	if c.Retention.Enabled && c.Retention.KeepLastN == 0 && c.Retention.MaxAgeDays == 0 {
		// An enabled sweep with no bounds would delete nothing; make the
		// toggle alone meaningful.
		c.Retention.KeepLastN = 10
	}
}

// applyEnv overlays POSITORY_* environment variables. List values are
// comma-split.
func (c *Config) applyEnv() error {
	if v := os.Getenv("POSITORY_DATA_ROOT"); v != "" {
		c.DataRoot = v
	}
	if v := os.Getenv("POSITORY_LOG_PATH"); v != "" {
		c.LogPath = v
	}
	if v := os.Getenv("POSITORY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("POSITORY_PORT: %w", err)
		}
		c.Port = port
	}
	if v := os.Getenv("POSITORY_BIND_ADDRESS"); v != "" {
		c.BindAddress = v
	}
	if v := os.Getenv("POSITORY_ADMIN_KEY"); v != "" {
		c.AdminKey = v
	}
	if v := os.Getenv("POSITORY_API_KEYS_PATH"); v != "" {
		c.APIKeysPath = v
	}
	if v := os.Getenv("POSITORY_TLS_CERT"); v != "" {
		c.TLS.Cert = v
		c.TLS.Enabled = true
	}
	if v := os.Getenv("POSITORY_TLS_KEY"); v != "" {
		c.TLS.Key = v
		c.TLS.Enabled = true
	}
	if v := os.Getenv("POSITORY_MAX_UPLOAD_SIZE"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("POSITORY_MAX_UPLOAD_SIZE: %w", err)
		}
		c.MaxUploadSize = size
	}
	if v := os.Getenv("POSITORY_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}
	return nil
}

// splitList splits a comma-separated env value, trimming whitespace and
// dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// EnsureDirectories creates any missing directories for data, logs and
// the key store.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataRoot,
		filepath.Dir(c.LogPath),
		filepath.Dir(c.APIKeysPath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
