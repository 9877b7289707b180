// Package config provides configuration loading and defaults for the ps4cord
// daemon.
//
// Configuration is loaded from a TOML file in the user's data directory,
// migrated through [migrate.Config], overridden from PS4CORD_* environment
// variables and validated. [Config.Policy] converts it into the engine's
// runtime policy.
package config

//go:generate go run ../../cmd/genconfig

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/caarlos0/env/v11"
	"tools.zach/dev/ps4cord/internal/atomicfile"
	"tools.zach/dev/ps4cord/internal/console"
	"tools.zach/dev/ps4cord/internal/engine"
	"tools.zach/dev/ps4cord/internal/metadata"
	"tools.zach/dev/ps4cord/internal/migrate"
	"tools.zach/dev/ps4cord/internal/paths"
	"tools.zach/dev/ps4cord/internal/presence"
)

// DefaultDiscordClientID is the Discord application used by the original
// PS4 presence app.
const DefaultDiscordClientID = "858345055966461973"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PS4CORD_"

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config represents the top-level application configuration.
type Config struct {
	// Version is the config schema version used for migrations.
	Version  int            `toml:"version"`
	Console  ConsoleConfig  `toml:"console" envPrefix:"CONSOLE_"`
	Discord  DiscordConfig  `toml:"discord" envPrefix:"DISCORD_"`
	Display  DisplayConfig  `toml:"display" envPrefix:"DISPLAY_"`
	Polling  PollingConfig  `toml:"polling" envPrefix:"POLLING_"`
	Metadata MetadataConfig `toml:"metadata" envPrefix:"METADATA_"`
	Privacy  PrivacyConfig  `toml:"privacy" envPrefix:"PRIVACY_"`
	Log      LogConfig      `toml:"log" envPrefix:"LOG_"`
}

// ConsoleConfig holds the console connection settings.
type ConsoleConfig struct {
	// Address is the console's host or IP; empty until configured.
	Address string `toml:"address" env:"ADDRESS"`
	// Port is the FTP payload port.
	Port int `toml:"port" env:"PORT"`
	// AutoConnect connects at startup when an address is set.
	AutoConnect bool `toml:"auto_connect" env:"AUTO_CONNECT"`
	// ConnectTimeoutMS bounds the FTP handshake.
	ConnectTimeoutMS int `toml:"connect_timeout_ms" env:"CONNECT_TIMEOUT_MS"`
	// VerifyTimeoutMS bounds the console directory check.
	VerifyTimeoutMS int `toml:"verify_timeout_ms" env:"VERIFY_TIMEOUT_MS"`
	// ListTimeoutMS bounds the sandbox listing.
	ListTimeoutMS int `toml:"list_timeout_ms" env:"LIST_TIMEOUT_MS"`
}

// DiscordConfig holds Discord connection settings.
type DiscordConfig struct {
	// ClientID is the Discord application ID for Rich Presence.
	ClientID string `toml:"client_id" env:"CLIENT_ID"`
}

// DisplayConfig holds presence display settings.
type DisplayConfig struct {
	Details   string `toml:"details" env:"DETAILS"`
	State     string `toml:"state" env:"STATE"`
	LargeText string `toml:"large_text" env:"LARGE_TEXT"`

	ShowOnHome   bool `toml:"show_on_home" env:"SHOW_ON_HOME"`
	ShowWhenIdle bool `toml:"show_when_idle" env:"SHOW_WHEN_IDLE"`
	ShowTimer    bool `toml:"show_timer" env:"SHOW_TIMER"`

	IdleDetails       string `toml:"idle_details" env:"IDLE_DETAILS"`
	IdleState         string `toml:"idle_state" env:"IDLE_STATE"`
	OfflineState      string `toml:"offline_state" env:"OFFLINE_STATE"`
	UnconfiguredState string `toml:"unconfigured_state" env:"UNCONFIGURED_STATE"`
	IdleImage         string `toml:"idle_image" env:"IDLE_IMAGE"`
}

// PollingConfig holds the poll schedule in milliseconds.
type PollingConfig struct {
	FastMS           int `toml:"fast_ms" env:"FAST_MS"`
	IdleMS           int `toml:"idle_ms" env:"IDLE_MS"`
	BackoffBaseMS    int `toml:"backoff_base_ms" env:"BACKOFF_BASE_MS"`
	BackoffCeilingMS int `toml:"backoff_ceiling_ms" env:"BACKOFF_CEILING_MS"`
	FloorMS          int `toml:"floor_ms" env:"FLOOR_MS"`
	MaxBackoffStep   int `toml:"max_backoff_step" env:"MAX_BACKOFF_STEP"`
}

// MetadataConfig holds title metadata lookup settings.
type MetadataConfig struct {
	Enabled        bool   `toml:"enabled" env:"ENABLED"`
	BaseURL        string `toml:"base_url" env:"BASE_URL"`
	TimeoutSeconds int    `toml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
	// RetryFallbackMinutes is how long an unresolved title stays cached
	// before it is looked up again. 0 keeps it forever.
	RetryFallbackMinutes int `toml:"retry_fallback_minutes" env:"RETRY_FALLBACK_MINUTES"`
}

// PrivacyConfig holds presence suppression settings.
type PrivacyConfig struct {
	// Ignore lists globs matched against title ids and names.
	Ignore []string `toml:"ignore" env:"IGNORE" envSeparator:","`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level" env:"LEVEL"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation.
	MaxSizeMB int `toml:"max_size_mb" env:"MAX_SIZE_MB"`
}

// ///////////////////////////////////////////////
// Default Configuration
// ///////////////////////////////////////////////

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	pol := engine.DefaultPolicy()
	return &Config{
		Version: migrate.Config.CurrentVersion,
		Console: ConsoleConfig{
			Port:             console.DefaultPort,
			AutoConnect:      true,
			ConnectTimeoutMS: int(pol.Timeouts.Connect.Milliseconds()),
			VerifyTimeoutMS:  int(pol.Timeouts.Verify.Milliseconds()),
			ListTimeoutMS:    int(pol.Timeouts.List.Milliseconds()),
		},
		Discord: DiscordConfig{
			ClientID: DefaultDiscordClientID,
		},
		Display: DisplayConfig{
			Details:           pol.Presence.Details,
			State:             pol.Presence.State,
			LargeText:         pol.Presence.LargeText,
			ShowOnHome:        pol.ShowOnHome,
			ShowWhenIdle:      pol.Presence.ShowWhenIdle,
			ShowTimer:         pol.Presence.ShowTimer,
			IdleDetails:       pol.Presence.IdleDetails,
			IdleState:         pol.Presence.IdleState,
			OfflineState:      pol.Presence.OfflineState,
			UnconfiguredState: pol.Presence.UnconfiguredState,
			IdleImage:         pol.Presence.IdleImage,
		},
		Polling: PollingConfig{
			FastMS:           int(pol.Schedule.Fast.Milliseconds()),
			IdleMS:           int(pol.Schedule.Idle.Milliseconds()),
			BackoffBaseMS:    int(pol.Schedule.Base.Milliseconds()),
			BackoffCeilingMS: int(pol.Schedule.Ceiling.Milliseconds()),
			FloorMS:          int(pol.Schedule.Floor.Milliseconds()),
			MaxBackoffStep:   pol.Schedule.MaxStep,
		},
		Metadata: MetadataConfig{
			Enabled:              true,
			BaseURL:              metadata.DefaultBaseURL,
			TimeoutSeconds:       int(metadata.DefaultTimeout.Seconds()),
			RetryFallbackMinutes: int(pol.Metadata.RetryFallback.Minutes()),
		},
		Privacy: PrivacyConfig{
			Ignore: []string{},
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
	}
}

// ExampleConfig returns a Config suitable for generating config.default.toml.
func ExampleConfig() *Config {
	return DefaultConfig()
}

// ///////////////////////////////////////////////
// PeekVersion
// ///////////////////////////////////////////////

// PeekVersion reads just the version field from raw TOML bytes.
// Returns 1 if the version field is missing or zero.
func PeekVersion(data []byte) int {
	var v struct {
		Version int `toml:"version"`
	}
	if err := toml.Unmarshal(data, &v); err != nil || v.Version == 0 {
		return 1
	}
	return v.Version
}

// ///////////////////////////////////////////////
// Loading and Saving
// ///////////////////////////////////////////////

// Load reads dataDir/config.toml, applies environment overrides and
// validates the result. A missing file yields DefaultConfig.
func Load(dataDir string) (*Config, error) {
	cfg, err := LoadFile(filepath.Join(dataDir, paths.ConfigFile))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads and migrates the config file at path without environment
// overrides. Use it when the result will be saved back.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	version := PeekVersion(data)
	if version > migrate.Config.CurrentVersion {
		return nil, fmt.Errorf("config version %d is newer than supported version %d", version, migrate.Config.CurrentVersion)
	}

	shouldMigrate := migrate.Config.NeedsMigration(version, false)
	if shouldMigrate {
		if backupErr := os.WriteFile(path+".bak", data, 0o644); backupErr != nil {
			slog.Warn("failed to write config backup", "error", backupErr)
		}
		if data, _, err = migrate.Config.Run(data, version); err != nil {
			return nil, fmt.Errorf("migrate config: %w", err)
		}
	}
	if migrate.Config.HasDev() {
		if data, err = migrate.Config.RunDev(data); err != nil {
			return nil, fmt.Errorf("apply dev transforms: %w", err)
		}
		shouldMigrate = true
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Version = migrate.Config.CurrentVersion

	if shouldMigrate {
		if err := cfg.Save(path); err != nil {
			slog.Warn("failed to save migrated config", "error", err)
		}
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PS4CORD_* variables. environ replaces the
// process environment when non-nil.
func (c *Config) ApplyEnv(environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix, Environment: environ}
	if err := env.ParseWithOptions(c, opts); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// Save writes the config to disk as TOML using atomic file write.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return atomicfile.Write(path, buf.Bytes(), 0o644)
}

// Update loads the file at path without environment overrides, applies fn,
// validates and saves it.
func Update(path string, fn func(*Config)) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	fn(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if err := cfg.Save(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks that all configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if strings.ContainsAny(c.Console.Address, " \t/") {
		return fmt.Errorf("invalid console.address %q", c.Console.Address)
	}
	if c.Console.Port < 1 || c.Console.Port > 65535 {
		return fmt.Errorf("console.port must be 1-65535, got %d", c.Console.Port)
	}
	for name, v := range map[string]int{
		"console.connect_timeout_ms": c.Console.ConnectTimeoutMS,
		"console.verify_timeout_ms":  c.Console.VerifyTimeoutMS,
		"console.list_timeout_ms":    c.Console.ListTimeoutMS,
		"polling.fast_ms":            c.Polling.FastMS,
		"polling.idle_ms":            c.Polling.IdleMS,
		"polling.backoff_base_ms":    c.Polling.BackoffBaseMS,
		"polling.backoff_ceiling_ms": c.Polling.BackoffCeilingMS,
		"polling.floor_ms":           c.Polling.FloorMS,
		"metadata.timeout_seconds":   c.Metadata.TimeoutSeconds,
		"log.max_size_mb":            c.Log.MaxSizeMB,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0, got %d", name, v)
		}
	}
	if c.Polling.BackoffCeilingMS < c.Polling.BackoffBaseMS {
		return fmt.Errorf("polling.backoff_ceiling_ms (%d) must be >= backoff_base_ms (%d)", c.Polling.BackoffCeilingMS, c.Polling.BackoffBaseMS)
	}
	if c.Polling.MaxBackoffStep < 0 || c.Polling.MaxBackoffStep > 16 {
		return fmt.Errorf("polling.max_backoff_step must be 0-16, got %d", c.Polling.MaxBackoffStep)
	}

	if c.Discord.ClientID == "" || strings.Trim(c.Discord.ClientID, "0123456789") != "" {
		return fmt.Errorf("invalid discord.client_id %q: must be a numeric application id", c.Discord.ClientID)
	}

	if c.Metadata.RetryFallbackMinutes < 0 {
		return fmt.Errorf("metadata.retry_fallback_minutes must be >= 0, got %d", c.Metadata.RetryFallbackMinutes)
	}
	if c.Metadata.Enabled {
		u, err := url.Parse(c.Metadata.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid metadata.base_url %q", c.Metadata.BaseURL)
		}
	}

	for _, p := range c.Privacy.Ignore {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid privacy.ignore pattern %q", p)
		}
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log.level %q: must be trace, debug, info, warn, or error", c.Log.Level)
	}
	return nil
}

// ///////////////////////////////////////////////
// Conversion
// ///////////////////////////////////////////////

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// Policy converts the config into the engine's runtime policy.
func (c *Config) Policy() engine.Policy {
	return engine.Policy{
		Schedule: engine.Schedule{
			Fast:    ms(c.Polling.FastMS),
			Idle:    ms(c.Polling.IdleMS),
			Base:    ms(c.Polling.BackoffBaseMS),
			Ceiling: ms(c.Polling.BackoffCeilingMS),
			Floor:   ms(c.Polling.FloorMS),
			MaxStep: c.Polling.MaxBackoffStep,
		},
		Presence: presence.Options{
			Details:           c.Display.Details,
			State:             c.Display.State,
			LargeText:         c.Display.LargeText,
			ShowWhenIdle:      c.Display.ShowWhenIdle,
			ShowTimer:         c.Display.ShowTimer,
			IdleDetails:       c.Display.IdleDetails,
			IdleState:         c.Display.IdleState,
			OfflineState:      c.Display.OfflineState,
			UnconfiguredState: c.Display.UnconfiguredState,
			IdleImage:         c.Display.IdleImage,
		},
		Timeouts: console.Timeouts{
			Connect: ms(c.Console.ConnectTimeoutMS),
			Verify:  ms(c.Console.VerifyTimeoutMS),
			List:    ms(c.Console.ListTimeoutMS),
		},
		Metadata: metadata.Options{
			Disabled:      !c.Metadata.Enabled,
			RetryFallback: time.Duration(c.Metadata.RetryFallbackMinutes) * time.Minute,
		},
		ShowOnHome: c.Display.ShowOnHome,
		Ignore:     append([]string(nil), c.Privacy.Ignore...),
	}
}

// Link returns the starting console link.
func (c *Config) Link() engine.Link {
	addr := strings.TrimSpace(c.Console.Address)
	return engine.Link{Address: addr, Wanted: c.Console.AutoConnect && addr != ""}
}

// MetadataTimeout returns the metadata request timeout.
func (c *Config) MetadataTimeout() time.Duration {
	return time.Duration(c.Metadata.TimeoutSeconds) * time.Second
}
