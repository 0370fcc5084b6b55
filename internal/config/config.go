// Package config loads fitsync settings from JSONC files and the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tailscale/hujson"

	"github.com/colthorp/fitsync-go/internal/cache"
	"github.com/colthorp/fitsync-go/internal/core"
)

var (
	ErrConfigInvalid      = errors.New("invalid config")
	ErrConfigFileNotFound = errors.New("config file not found")
)

// Config holds all configuration options.
type Config struct {
	APIBaseURL     string                                `json:"api_url" validate:"required,url"`
	Token          string                                `json:"-"`
	Timezone       string                                `json:"timezone" validate:"required,timezone"`
	RequestTimeout time.Duration                         `json:"request_timeout" validate:"gt=0"`
	PollInterval   time.Duration                         `json:"poll_interval" validate:"gte=1s"`
	StaleAfter     map[cache.ResourceType]time.Duration `json:"stale_after,omitempty"`
	CacheDir       string                                `json:"cache_dir" validate:"required"`
	PersistCache   bool                                  `json:"persist_cache"`
	Environment    string                                `json:"environment" validate:"oneof=development production test"`
	WeightUnit     string                                `json:"weight_unit" validate:"oneof=kg lb st"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global   string // Path to global config if loaded, empty otherwise
	Explicit string // Path to --config file if given
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		APIBaseURL:     core.APIBaseURL,
		Timezone:       core.DefaultTZ,
		RequestTimeout: core.RequestTimeout,
		PollInterval:   core.PollInterval,
		CacheDir:       core.CacheRoot(),
		PersistCache:   true,
		Environment:    "development",
		WeightUnit:     "kg",
	}
}

// fileConfig mirrors Config with optional fields so that a file only
// overrides what it sets. Durations are Go duration strings ("15s").
type fileConfig struct {
	APIBaseURL     *string           `json:"api_url"`
	Timezone       *string           `json:"timezone"`
	RequestTimeout *string           `json:"request_timeout"`
	PollInterval   *string           `json:"poll_interval"`
	StaleAfter     map[string]string `json:"stale_after"`
	CacheDir       *string           `json:"cache_dir"`
	PersistCache   *bool             `json:"persist_cache"`
	Environment    *string           `json:"environment"`
	WeightUnit     *string           `json:"weight_unit"`
}

// GlobalPath returns $XDG_CONFIG_HOME/fitsync/config.json, falling back to
// ~/.config/fitsync/config.json. Empty when no home directory is known.
func GlobalPath(env []string) string {
	if xdg := lookup(env, "XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "fitsync", "config.json")
	}
	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "fitsync", "config.json")
	}
	return ""
}

// Load builds the configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config
// 3. Explicit config file via configPath (if non-empty)
// 4. Environment (FITSYNC_API_URL, FITSYNC_TOKEN, FITSYNC_TIMEZONE, FITSYNC_ENV)
//
// env is a KEY=VALUE list such as os.Environ(). Command-line flags are
// applied by the caller, which then calls Validate.
func Load(configPath string, env []string) (Config, Sources, error) {
	cfg := Default()
	var sources Sources

	if global := GlobalPath(env); global != "" {
		loaded, err := mergeFile(&cfg, global, false)
		if err != nil {
			return Config{}, Sources{}, err
		}
		if loaded {
			sources.Global = global
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return Config{}, Sources{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}
		if _, err := mergeFile(&cfg, configPath, true); err != nil {
			return Config{}, Sources{}, err
		}
		sources.Explicit = configPath
	}

	applyEnv(&cfg, env)

	if err := cfg.Validate(); err != nil {
		return Config{}, Sources{}, err
	}
	return cfg, sources, nil
}

func mergeFile(cfg *Config, path string, mustExist bool) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return false, nil
		}
		return false, fmt.Errorf("read config %s: %w", path, err)
	}
	fc, err := parse(data)
	if err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}
	if err := fc.mergeInto(cfg); err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}
	return true, nil
}

func parse(data []byte) (fileConfig, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}
	var fc fileConfig
	if err := json.Unmarshal(standardized, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return fc, nil
}

func (fc fileConfig) mergeInto(cfg *Config) error {
	if fc.APIBaseURL != nil {
		cfg.APIBaseURL = *fc.APIBaseURL
	}
	if fc.Timezone != nil {
		cfg.Timezone = *fc.Timezone
	}
	if fc.RequestTimeout != nil {
		d, err := time.ParseDuration(*fc.RequestTimeout)
		if err != nil {
			return fmt.Errorf("request_timeout: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if fc.PollInterval != nil {
		d, err := time.ParseDuration(*fc.PollInterval)
		if err != nil {
			return fmt.Errorf("poll_interval: %w", err)
		}
		cfg.PollInterval = d
	}
	for name, raw := range fc.StaleAfter {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("stale_after.%s: %w", name, err)
		}
		if cfg.StaleAfter == nil {
			cfg.StaleAfter = make(map[cache.ResourceType]time.Duration)
		}
		cfg.StaleAfter[cache.ResourceType(name)] = d
	}
	if fc.CacheDir != nil {
		cfg.CacheDir = expandHome(*fc.CacheDir)
	}
	if fc.PersistCache != nil {
		cfg.PersistCache = *fc.PersistCache
	}
	if fc.Environment != nil {
		cfg.Environment = *fc.Environment
	}
	if fc.WeightUnit != nil {
		cfg.WeightUnit = *fc.WeightUnit
	}
	return nil
}

func applyEnv(cfg *Config, env []string) {
	if v := lookup(env, core.BaseURLEnvVar); v != "" {
		cfg.APIBaseURL = v
	}
	if v := lookup(env, core.TokenEnvVar); v != "" {
		cfg.Token = v
	}
	if v := lookup(env, core.TZEnvVar); v != "" {
		cfg.Timezone = v
	}
	if v := lookup(env, core.EnvEnvVar); v != "" {
		cfg.Environment = v
	}
}

// lookup reads name from env, falling back to the process environment.
func lookup(env []string, name string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, name+"="); ok {
			return after
		}
	}
	return os.Getenv(name)
}

func expandHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return path
}

var validate = validator.New()

// Validate checks the configuration's field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	for t, d := range c.StaleAfter {
		if d <= 0 {
			return fmt.Errorf("%w: stale_after.%s must be positive", ErrConfigInvalid, t)
		}
	}
	return nil
}

// Location returns the configured time zone.
func (c Config) Location() *time.Location {
	return core.GetTZ(c.Timezone)
}
