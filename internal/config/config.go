// Package config loads shopsync settings with viper.
//
// Settings come from, in increasing priority: built-in defaults, a config
// file (shopsync.toml, .yaml or .json in the working directory or the user
// config directory, or an explicit path), and SHOPSYNC_* environment
// variables (SHOPSYNC_API_BASE_URL for api.base_url, and so on).
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SHOPSYNC"

// ErrInvalid is returned for settings that cannot work.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete daemon and CLI configuration.
type Config struct {
	// UserID is the active user; empty means signed out.
	UserID    string          `mapstructure:"user_id" yaml:"user_id"`
	API       APIConfig       `mapstructure:"api" yaml:"api"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Notify    NotifyConfig    `mapstructure:"notify" yaml:"notify"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// APIConfig describes the remote service and the transport in front of it.
type APIConfig struct {
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelay     time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Jitter        float64       `mapstructure:"jitter" yaml:"jitter"`
}

type StoreConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Driver string `mapstructure:"driver" yaml:"driver"`
}

type SyncConfig struct {
	// Interval between daemon refreshes of every kind
	Interval           time.Duration `mapstructure:"interval" yaml:"interval"`
	BackgroundInterval time.Duration `mapstructure:"background_interval" yaml:"background_interval"`
	RefreshInterval    time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
}

type QueueConfig struct {
	DrainInterval time.Duration `mapstructure:"drain_interval" yaml:"drain_interval"`
}

type NotifyConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// LogConfig selects stderr (empty File) or a rotated log file.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// defaults lists every key with its default. Keys unknown to viper are
// not overridable from the environment, so every setting is listed.
func defaults() map[string]any {
	return map[string]any{
		"user_id":                  "",
		"api.base_url":             "http://localhost:3000/api",
		"api.timeout":              "30s",
		"api.max_concurrent":       5,
		"api.max_retries":          3,
		"api.base_delay":           "1s",
		"api.max_delay":            "30s",
		"api.jitter":               0.25,
		"store.path":               filepath.Join(".shopsync", "shopsync.db"),
		"store.driver":             "sqlite3",
		"sync.interval":            "1m",
		"sync.background_interval": "30s",
		"sync.refresh_interval":    "10s",
		"queue.drain_interval":     "15s",
		"notify.enabled":           true,
		"notify.interval":          "5m",
		"dashboard.enabled":        false,
		"dashboard.host":           "127.0.0.1",
		"dashboard.port":           8787,
		"log.file":                 "",
		"log.max_size_mb":          10,
		"log.max_backups":          3,
		"log.max_age_days":         28,
		"log.compress":             false,
	}
}

// Source is a loaded configuration that can be re-read and watched.
type Source struct {
	v      *viper.Viper
	logger *log.Logger
}

// Open reads the configuration. An empty path searches for shopsync.* in
// the working directory and the user config directory; a missing file is
// not an error then. An explicit path must exist.
func Open(path string) (*Source, error) {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("shopsync")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "shopsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return &Source{
		v:      v,
		logger: log.New(os.Stderr, "[config] ", log.LstdFlags),
	}, nil
}

// Load is Open followed by Config.
func Load(path string) (Config, error) {
	src, err := Open(path)
	if err != nil {
		return Config{}, err
	}
	return src.Config()
}

// SetLogger replaces the logger used for reload messages.
func (s *Source) SetLogger(logger *log.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// File returns the config file in use, or "" when running on defaults.
func (s *Source) File() string {
	return s.v.ConfigFileUsed()
}

// Set overrides a key for this process, above every other source.
func (s *Source) Set(key string, value any) {
	s.v.Set(key, value)
}

// Config decodes and validates the current settings.
func (s *Source) Config() (Config, error) {
	var cfg Config
	if err := s.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch calls fn with the new settings whenever the config file changes.
// Invalid edits are logged and ignored. Without a config file there is
// nothing to watch and Watch reports false.
func (s *Source) Watch(fn func(Config)) bool {
	if s.File() == "" {
		return false
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := s.Config()
		if err != nil {
			s.logger.Printf("Ignoring config change in %s: %v", e.Name, err)
			return
		}
		s.logger.Printf("Config reloaded from %s", e.Name)
		fn(cfg)
	})
	s.v.WatchConfig()
	return true
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.API.BaseURL) == "" {
		problems = append(problems, "api.base_url is required")
	}
	if c.API.MaxConcurrent < 1 {
		problems = append(problems, "api.max_concurrent must be at least 1")
	}
	if c.API.MaxRetries < 0 {
		problems = append(problems, "api.max_retries must not be negative")
	}
	if c.API.Jitter < 0 || c.API.Jitter > 1 {
		problems = append(problems, "api.jitter must be within [0, 1]")
	}
	if c.API.BaseDelay <= 0 || c.API.MaxDelay < c.API.BaseDelay {
		problems = append(problems, "api.base_delay must be positive and not above api.max_delay")
	}
	if c.Store.Path == "" {
		problems = append(problems, "store.path is required")
	}
	if c.Queue.DrainInterval <= 0 {
		problems = append(problems, "queue.drain_interval must be positive")
	}
	if c.Notify.Enabled && c.Notify.Interval <= 0 {
		problems = append(problems, "notify.interval must be positive")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port < 0 || c.Dashboard.Port > 65535) {
		problems = append(problems, "dashboard.port is out of range")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
