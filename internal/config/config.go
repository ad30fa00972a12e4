// Package config loads process configuration from a YAML file with
// environment variable overrides. Secrets (signing keys, API keys) come
// from the environment only and never from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/alpacapurpura/fieldline/internal/auth"
)

// Config holds all configuration for the fieldline server.
type Config struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Records  RecordsConfig  `yaml:"records"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	// DataDir holds the database file; ":memory:" runs fully in memory.
	DataDir string `yaml:"data_dir" env:"DATA_DIR" env-default:"fieldline-data"`
}

// AuthConfig holds credential cache settings. SigningKey is required.
type AuthConfig struct {
	SigningKey        string `yaml:"-" env:"AUTH_SIGNING_KEY"` // Secret - not in YAML
	CacheTTLMinutes   int    `yaml:"cache_ttl_minutes" env:"AUTH_CACHE_TTL_MINUTES" env-default:"15"`
	SweepIntervalSecs int    `yaml:"sweep_interval_seconds" env:"AUTH_SWEEP_INTERVAL_SECONDS" env-default:"60"`

	// DirectoryURL points at an external user directory. When empty, the
	// static Users table below backs authentication instead.
	DirectoryURL   string `yaml:"directory_url" env:"AUTH_DIRECTORY_URL"`
	DirectoryToken string `yaml:"-" env:"AUTH_DIRECTORY_TOKEN"` // Secret - not in YAML

	// RoleGrants maps directory groups to capability names. When empty,
	// the built-in defaults apply.
	RoleGrants map[string][]string `yaml:"role_grants"`

	// Users is the static user table for standalone deployments without
	// an external directory.
	Users []UserEntry `yaml:"users"`
}

// UserEntry is one statically configured user.
type UserEntry struct {
	ID          int      `yaml:"id"`
	Username    string   `yaml:"username"`
	DisplayName string   `yaml:"display_name"`
	Email       string   `yaml:"email"`
	Active      bool     `yaml:"active"`
	Groups      []string `yaml:"groups"`
}

// PipelineConfig tunes the conversation pipeline.
type PipelineConfig struct {
	MaxHistory       int `yaml:"max_history" env:"PIPELINE_MAX_HISTORY" env-default:"50"`
	TopK             int `yaml:"top_k" env:"PIPELINE_TOP_K" env-default:"5"`
	TimeoutSeconds   int `yaml:"timeout_seconds" env:"PIPELINE_TIMEOUT_SECONDS" env-default:"30"`
	ActiveWindowMins int `yaml:"active_window_minutes" env:"PIPELINE_ACTIVE_WINDOW_MINUTES" env-default:"60"`
}

// RecordsConfig points at the external business-records service.
type RecordsConfig struct {
	BaseURL        string `yaml:"base_url" env:"RECORDS_BASE_URL" env-default:"http://localhost:8069"`
	APIKey         string `yaml:"-" env:"RECORDS_API_KEY"` // Secret - not in YAML
	TimeoutSeconds int    `yaml:"timeout_seconds" env:"RECORDS_TIMEOUT_SECONDS" env-default:"10"`
}

// Load reads configuration from path (when it exists) with environment
// overrides, or from the environment alone.
func Load(path, version string) (*Config, error) {
	cfg := &Config{Version: version}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.SigningKey == "" {
		return errors.New("AUTH_SIGNING_KEY must be set")
	}
	if c.Pipeline.MaxHistory <= 0 {
		return fmt.Errorf("pipeline max_history must be positive, got %d", c.Pipeline.MaxHistory)
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return c.BindAddr + ":" + c.Port
}

// CacheTTL returns the credential cache TTL.
func (c *AuthConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// SweepInterval returns the credential cache sweep period.
func (c *AuthConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

// Grants converts the configured role table to capability grants,
// falling back to the built-in defaults when none are configured.
func (c *AuthConfig) Grants() auth.RoleGrants {
	if len(c.RoleGrants) == 0 {
		return auth.DefaultRoleGrants()
	}
	grants := make(auth.RoleGrants, len(c.RoleGrants))
	for role, caps := range c.RoleGrants {
		list := make([]auth.Capability, 0, len(caps))
		for _, capName := range caps {
			list = append(list, auth.Capability(capName))
		}
		grants[role] = list
	}
	return grants
}

// UserRecords converts the static user table for the in-memory backend.
func (c *AuthConfig) UserRecords() []auth.UserRecord {
	records := make([]auth.UserRecord, 0, len(c.Users))
	for _, u := range c.Users {
		records = append(records, auth.UserRecord{
			ID:          u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			Email:       u.Email,
			Active:      u.Active,
			Groups:      u.Groups,
		})
	}
	return records
}

// Timeout returns the per-turn processing deadline.
func (c *PipelineConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ActiveWindow returns the idle window for the active-conversations view.
func (c *PipelineConfig) ActiveWindow() time.Duration {
	return time.Duration(c.ActiveWindowMins) * time.Minute
}

// Timeout returns the records client timeout.
func (c *RecordsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
