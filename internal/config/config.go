// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"golang.org/x/text/language"

	"github.com/jeranaias/threadline/internal/logging"
	"github.com/jeranaias/threadline/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete threadline configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	Storage   StorageConfig   `toml:"storage" json:"storage"`
	Sync      SyncConfig      `toml:"sync" json:"sync"`
	Reply     ReplyConfig     `toml:"reply" json:"reply"`
	Ollama    OllamaConfig    `toml:"ollama" json:"ollama"`
	Cloud     CloudConfig     `toml:"cloud" json:"cloud"`
	UI        UIConfig        `toml:"ui" json:"ui"`
	Log       LogConfig       `toml:"log" json:"log"`
	Server    ServerConfig    `toml:"server" json:"server"`
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry"`

	// Options holds user-scope plugin options, keyed by group then key:
	//
	//	[options.systemprompt]
	//	prompt = "Be brief."
	Options map[string]map[string]string `toml:"options" json:"options,omitempty"`
}

// StorageConfig controls where conversations are kept.
type StorageConfig struct {
	// Driver is the persistence backend: "sqlite", "pebble" or "memory".
	Driver string `toml:"driver" json:"driver"`
	// Dir holds the backend's files.
	Dir string `toml:"dir" json:"dir"`
	// LegacyDir holds flat pre-replication conversation files.
	LegacyDir string `toml:"legacy_dir" json:"legacy_dir"`
	// CompactEvery is the number of stored updates before compaction; -1 disables.
	CompactEvery int `toml:"compact_every" json:"compact_every"`
}

// SyncConfig contains replication settings.
type SyncConfig struct {
	// URL of the sync server. Empty runs offline.
	URL string `toml:"url" json:"url"`
	// Identity is the signed-in user; empty means anonymous.
	Identity string `toml:"identity" json:"identity"`
	// IntervalSecs is the sync tick.
	IntervalSecs int `toml:"interval_secs" json:"interval_secs"`
	// HandshakeIntervalSecs spaces full state exchanges.
	HandshakeIntervalSecs int `toml:"handshake_interval_secs" json:"handshake_interval_secs"`
	// MaxRounds bounds one handshake.
	MaxRounds int `toml:"max_rounds" json:"max_rounds"`
	// AnonymousGraceMins delays deletion of the merged anonymous store.
	AnonymousGraceMins int `toml:"anonymous_grace_mins" json:"anonymous_grace_mins"`
	// Spool shares changes with other threadline processes on this device.
	Spool bool `toml:"spool" json:"spool"`
}

// ReplyConfig contains reply defaults.
type ReplyConfig struct {
	// Model is the default model. A name containing "/" is routed to the cloud.
	Model       string  `toml:"model" json:"model"`
	Temperature float64 `toml:"temperature" json:"temperature"`
	// MaxTokens caps a reply; 0 leaves it to the model.
	MaxTokens int `toml:"max_tokens" json:"max_tokens"`
	// System is the default system prompt.
	System string `toml:"system" json:"system"`
	// WatchdogSecs is how long a stream may stall before it is abandoned.
	WatchdogSecs int `toml:"watchdog_secs" json:"watchdog_secs"`
	// Titles enables automatic conversation titles.
	Titles bool `toml:"titles" json:"titles"`
}

// OllamaConfig configures the local model server.
type OllamaConfig struct {
	URL         string `toml:"url" json:"url"`
	TimeoutSecs int    `toml:"timeout_secs" json:"timeout_secs"`
	// NumCtx overrides the context window; 0 uses the model's.
	NumCtx int `toml:"num_ctx" json:"num_ctx"`
}

// CloudConfig configures the OpenAI-compatible cloud provider.
type CloudConfig struct {
	APIKey      string `toml:"api_key" json:"api_key"`
	BaseURL     string `toml:"base_url" json:"base_url"`
	Model       string `toml:"model" json:"model"`
	TimeoutSecs int    `toml:"timeout_secs" json:"timeout_secs"`
	MaxRetries  int    `toml:"max_retries" json:"max_retries"`
}

// UIConfig contains terminal output settings.
type UIConfig struct {
	// Locale selects the language of user-facing fallback text.
	Locale string `toml:"locale" json:"locale"`
	// Theme is "dark", "light", "auto" or "none".
	Theme string `toml:"theme" json:"theme"`
	// Markdown renders replies as markdown on a terminal.
	Markdown bool `toml:"markdown" json:"markdown"`
	// ShowTokens prints token counts after each reply.
	ShowTokens bool `toml:"show_tokens" json:"show_tokens"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
	// File receives logs instead of stderr.
	File string `toml:"file" json:"file"`
}

// ServerConfig configures `threadline serve`.
type ServerConfig struct {
	Addr      string  `toml:"addr" json:"addr"`
	RateLimit float64 `toml:"rate_limit" json:"rate_limit"`
	Burst     int     `toml:"burst" json:"burst"`
}

// TelemetryConfig configures metrics and usage tracking.
type TelemetryConfig struct {
	// MetricsAddr serves Prometheus metrics from client commands when set.
	MetricsAddr string `toml:"metrics_addr" json:"metrics_addr"`
	// TrackUsage records token usage per session.
	TrackUsage bool `toml:"track_usage" json:"track_usage"`
	// UsageDir holds saved usage sessions.
	UsageDir string `toml:"usage_dir" json:"usage_dir"`
}

// Interval returns the sync tick.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSecs) * time.Second
}

// HandshakeInterval returns the spacing of full handshakes.
func (s SyncConfig) HandshakeInterval() time.Duration {
	return time.Duration(s.HandshakeIntervalSecs) * time.Second
}

// AnonymousGrace returns the delay before the merged anonymous store is deleted.
func (s SyncConfig) AnonymousGrace() time.Duration {
	return time.Duration(s.AnonymousGraceMins) * time.Minute
}

// Watchdog returns the stall threshold.
func (r ReplyConfig) Watchdog() time.Duration {
	return time.Duration(r.WatchdogSecs) * time.Second
}

// Timeout returns the request timeout.
func (o OllamaConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSecs) * time.Second
}

// Timeout returns the request timeout.
func (c CloudConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values. Directory fields
// are left empty and resolved by SetDefaults.
func Default() *Config {
	return &Config{
		Version: "1",

		Storage: StorageConfig{
			Driver:       "sqlite",
			CompactEvery: 500,
		},

		Sync: SyncConfig{
			IntervalSecs:          5,
			HandshakeIntervalSecs: 60,
			MaxRounds:             4,
			AnonymousGraceMins:    10,
			Spool:                 true,
		},

		Reply: ReplyConfig{
			Model:        "llama3.2",
			Temperature:  0.7,
			WatchdogSecs: 30,
			Titles:       true,
		},

		Ollama: OllamaConfig{
			URL:         "http://127.0.0.1:11434",
			TimeoutSecs: 30,
		},

		Cloud: CloudConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "openrouter/auto",
			TimeoutSecs: 60,
			MaxRetries:  2,
		},

		UI: UIConfig{
			Locale:     "en",
			Theme:      "auto",
			Markdown:   true,
			ShowTokens: false,
		},

		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},

		Server: ServerConfig{
			Addr:      "127.0.0.1:8788",
			RateLimit: 20,
			Burst:     40,
		},

		Telemetry: TelemetryConfig{
			TrackUsage: true,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// HomeEnv overrides the configuration directory.
const HomeEnv = "THREADLINE_HOME"

// ConfigDir returns the threadline configuration directory path.
func ConfigDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".threadline"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o700)
}

// ensureSecurePermissions narrows a config file to owner read/write; it may
// hold an API key.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		if err := os.Chmod(path, 0o600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads ~/.threadline/config.toml, falling back to config.json and
// then to defaults. .env files and THREADLINE_* variables are applied
// last.
func Load() (*Config, error) {
	cfg := Default()

	tomlPath, err := ConfigPathTOML()
	if err != nil {
		return nil, err
	}
	jsonPath, err := ConfigPathJSON()
	if err != nil {
		return nil, err
	}

	switch {
	case fileExists(tomlPath):
		if err := LoadTOML(cfg, tomlPath); err != nil {
			return nil, fmt.Errorf("failed to load TOML config: %w", err)
		}
	case fileExists(jsonPath):
		if err := LoadJSON(cfg, jsonPath); err != nil {
			return nil, fmt.Errorf("failed to load JSON config: %w", err)
		}
	}
	return finish(cfg)
}

// LoadFromPath loads configuration from a specific file. Files ending in
// .json are read as JSON, everything else as TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON decodes a JSON file over cfg.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// LoadDotEnv loads .env from the config directory and the working
// directory. Variables already set in the environment win.
func LoadDotEnv() error {
	var files []string
	if dir, err := ConfigDir(); err == nil {
		files = append(files, filepath.Join(dir, ".env"))
	}
	files = append(files, ".env")

	for _, f := range files {
		if !fileExists(f) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg as TOML with owner-only permissions.
func SaveTOML(cfg *Config, path string) error {
	var sb strings.Builder
	sb.WriteString("# threadline configuration file\n")
	sb.WriteString("# Generated by threadline - edit with care\n\n")
	if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes cfg as JSON with owner-only permissions.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns every problem found as
// ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Storage
	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite", "pebble", "memory":
	default:
		add("storage.driver", "invalid driver '%s', must be one of: sqlite, pebble, memory", c.Storage.Driver)
	}
	if c.Storage.CompactEvery < -1 {
		add("storage.compact_every", "must be -1 (disabled) or greater")
	}

	// Sync
	if c.Sync.URL != "" {
		if err := validateHTTPURL(c.Sync.URL); err != nil {
			add("sync.url", "%v", err)
		}
	}
	if strings.ContainsAny(c.Sync.Identity, " \t\n/\\") {
		add("sync.identity", "must not contain whitespace or path separators")
	}
	if c.Sync.IntervalSecs < 1 || c.Sync.IntervalSecs > 3600 {
		add("sync.interval_secs", "must be between 1 and 3600, got %d", c.Sync.IntervalSecs)
	}
	if c.Sync.HandshakeIntervalSecs < c.Sync.IntervalSecs {
		add("sync.handshake_interval_secs", "must be at least sync.interval_secs (%d)", c.Sync.IntervalSecs)
	}
	if c.Sync.MaxRounds < 1 || c.Sync.MaxRounds > 32 {
		add("sync.max_rounds", "must be between 1 and 32, got %d", c.Sync.MaxRounds)
	}
	if c.Sync.AnonymousGraceMins < 0 {
		add("sync.anonymous_grace_mins", "cannot be negative")
	}

	// Reply
	if strings.TrimSpace(c.Reply.Model) == "" {
		add("reply.model", "cannot be empty")
	}
	if c.Reply.Temperature < 0 || c.Reply.Temperature > 2 {
		add("reply.temperature", "must be between 0 and 2, got %g", c.Reply.Temperature)
	}
	if c.Reply.MaxTokens < 0 {
		add("reply.max_tokens", "cannot be negative")
	}
	if c.Reply.WatchdogSecs < 1 || c.Reply.WatchdogSecs > 600 {
		add("reply.watchdog_secs", "must be between 1 and 600, got %d", c.Reply.WatchdogSecs)
	}

	// Providers
	if err := validateHTTPURL(c.Ollama.URL); err != nil {
		add("ollama.url", "%v", err)
	}
	if c.Ollama.TimeoutSecs < 1 {
		add("ollama.timeout_secs", "must be positive")
	}
	if c.Ollama.NumCtx < 0 {
		add("ollama.num_ctx", "cannot be negative")
	}
	if err := validateHTTPURL(c.Cloud.BaseURL); err != nil {
		add("cloud.base_url", "%v", err)
	}
	if c.Cloud.TimeoutSecs < 1 {
		add("cloud.timeout_secs", "must be positive")
	}
	if c.Cloud.MaxRetries < 0 || c.Cloud.MaxRetries > 10 {
		add("cloud.max_retries", "must be between 0 and 10, got %d", c.Cloud.MaxRetries)
	}

	// UI
	if _, err := language.Parse(c.UI.Locale); err != nil {
		add("ui.locale", "invalid locale '%s'", c.UI.Locale)
	}
	switch strings.ToLower(c.UI.Theme) {
	case "dark", "light", "auto", "none":
	default:
		add("ui.theme", "invalid theme '%s', must be one of: dark, light, auto, none", c.UI.Theme)
	}

	// Log
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level", "%v", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "logfmt", "json":
	default:
		add("log.format", "invalid format '%s', must be one of: text, logfmt, json", c.Log.Format)
	}

	// Server
	if c.Server.RateLimit <= 0 {
		add("server.rate_limit", "must be positive")
	}
	if c.Server.Burst < 1 {
		add("server.burst", "must be at least 1")
	}

	for group, values := range c.Options {
		if group == "" || strings.Contains(group, ".") {
			add("options", "invalid group name '%s'", group)
		}
		for key := range values {
			if key == "" {
				add("options."+group, "empty option key")
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL '%s': %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL '%s': scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid URL '%s': missing host", raw)
	}
	return nil
}

// SetDefaults fills missing or zero-value fields and resolves directories
// under ConfigDir.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Version == "" {
		c.Version = d.Version
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = d.Storage.Driver
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	if c.Storage.CompactEvery == 0 {
		c.Storage.CompactEvery = d.Storage.CompactEvery
	}

	if c.Sync.IntervalSecs == 0 {
		c.Sync.IntervalSecs = d.Sync.IntervalSecs
	}
	if c.Sync.HandshakeIntervalSecs == 0 {
		c.Sync.HandshakeIntervalSecs = d.Sync.HandshakeIntervalSecs
	}
	if c.Sync.MaxRounds == 0 {
		c.Sync.MaxRounds = d.Sync.MaxRounds
	}
	if c.Sync.AnonymousGraceMins == 0 {
		c.Sync.AnonymousGraceMins = d.Sync.AnonymousGraceMins
	}
	c.Sync.URL = strings.TrimRight(c.Sync.URL, "/")

	if c.Reply.Model == "" {
		c.Reply.Model = d.Reply.Model
	}
	if c.Reply.WatchdogSecs == 0 {
		c.Reply.WatchdogSecs = d.Reply.WatchdogSecs
	}

	if c.Ollama.URL == "" {
		c.Ollama.URL = d.Ollama.URL
	}
	if c.Ollama.TimeoutSecs == 0 {
		c.Ollama.TimeoutSecs = d.Ollama.TimeoutSecs
	}
	if c.Cloud.BaseURL == "" {
		c.Cloud.BaseURL = d.Cloud.BaseURL
	}
	if c.Cloud.Model == "" {
		c.Cloud.Model = d.Cloud.Model
	}
	if c.Cloud.TimeoutSecs == 0 {
		c.Cloud.TimeoutSecs = d.Cloud.TimeoutSecs
	}

	if c.UI.Locale == "" {
		c.UI.Locale = d.UI.Locale
	}
	if c.UI.Theme == "" {
		c.UI.Theme = d.UI.Theme
	}

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}

	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = d.Server.RateLimit
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = d.Server.Burst
	}

	home, err := ConfigDir()
	if err != nil {
		home = ".threadline"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = filepath.Join(home, "data")
	}
	if c.Storage.LegacyDir == "" {
		c.Storage.LegacyDir = filepath.Join(home, "conversations")
	}
	if c.Telemetry.UsageDir == "" {
		c.Telemetry.UsageDir = filepath.Join(home, "usage")
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - THREADLINE_MODEL: overrides reply.model
//   - THREADLINE_OLLAMA_URL: overrides ollama.url
//   - THREADLINE_CLOUD_KEY or OPENROUTER_API_KEY: overrides cloud.api_key
//   - THREADLINE_SYNC_URL: overrides sync.url
//   - THREADLINE_IDENTITY: overrides sync.identity
//   - THREADLINE_OFFLINE: "1" or "true" clears sync.url
//   - THREADLINE_STORAGE: overrides storage.driver
//   - THREADLINE_DATA_DIR: overrides storage.dir
//   - THREADLINE_LOCALE: overrides ui.locale
//   - THREADLINE_LOG_LEVEL: overrides log.level
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("THREADLINE_MODEL"); v != "" {
		c.Reply.Model = v
	}
	if v := os.Getenv("THREADLINE_OLLAMA_URL"); v != "" {
		c.Ollama.URL = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		c.Cloud.APIKey = v
	}
	if v := os.Getenv("THREADLINE_CLOUD_KEY"); v != "" {
		c.Cloud.APIKey = v
	}
	if v := os.Getenv("THREADLINE_SYNC_URL"); v != "" {
		c.Sync.URL = v
	}
	if v := os.Getenv("THREADLINE_IDENTITY"); v != "" {
		c.Sync.Identity = v
	}
	if v := os.Getenv("THREADLINE_OFFLINE"); v != "" && parseBool(v) {
		c.Sync.URL = ""
	}
	if v := os.Getenv("THREADLINE_STORAGE"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("THREADLINE_DATA_DIR"); v != "" {
		c.Storage.Dir = v
	}
	if v := os.Getenv("THREADLINE_LOCALE"); v != "" {
		c.UI.Locale = v
	}
	if v := os.Getenv("THREADLINE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a value by dot notation, e.g. "sync.interval_secs" or
// "options.systemprompt.prompt".
func (c *Config) Get(key string) (any, error) {
	if group, k, ok := optionKey(key); ok {
		v, found := c.Options[group][k]
		if !found {
			return nil, fmt.Errorf("unknown option: %s", key)
		}
		return v, nil
	}
	field, err := c.field(key)
	if err != nil {
		return nil, err
	}
	if field.Kind() == reflect.Struct {
		return nil, fmt.Errorf("'%s' is a section, not a value", key)
	}
	return field.Interface(), nil
}

// Set sets a value by dot notation. String values are converted to the
// field's type.
func (c *Config) Set(key string, value any) error {
	if group, k, ok := optionKey(key); ok {
		if c.Options == nil {
			c.Options = make(map[string]map[string]string)
		}
		if c.Options[group] == nil {
			c.Options[group] = make(map[string]string)
		}
		c.Options[group][k] = fmt.Sprint(value)
		return nil
	}
	field, err := c.field(key)
	if err != nil {
		return err
	}
	if field.Kind() == reflect.Struct {
		return fmt.Errorf("'%s' is a section, not a value", key)
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

// optionKey splits "options.<group>.<key>".
func optionKey(key string) (group, k string, ok bool) {
	rest, found := strings.CutPrefix(key, "options.")
	if !found {
		return "", "", false
	}
	group, k, found = strings.Cut(rest, ".")
	if !found || group == "" || k == "" {
		return "", "", false
	}
	return group, k, true
}

// field walks the struct fields named by key.
func (c *Config) field(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i], "."))
		}
		name := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(n string) bool {
			return strings.EqualFold(n, name)
		})
		if !field.IsValid() || field.Kind() == reflect.Map {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return v, nil
}

// normalizeFieldName converts snake_case or kebab-case to a Go field name.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})
	var result strings.Builder
	for _, part := range parts {
		result.WriteString(strings.ToUpper(part[:1]))
		result.WriteString(strings.ToLower(part[1:]))
	}
	return result.String()
}

// setFieldValue assigns value to field, parsing strings as needed.
func setFieldValue(field reflect.Value, value any) error {
	if s, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(s)
			return nil
		case reflect.Int, reflect.Int64:
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(n)
			return nil
		case reflect.Float64:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(f)
			return nil
		case reflect.Bool:
			field.SetBool(parseBool(s))
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Kind() != reflect.String && field.Kind() != reflect.String && val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// GetAllKeys returns all scalar configuration keys in dot notation, plus
// any user options set on c.
func (c *Config) GetAllKeys() []string {
	var keys []string
	t := reflect.TypeOf(*c)
	for i := 0; i < t.NumField(); i++ {
		sec := t.Field(i)
		name := tagName(sec)
		switch sec.Type.Kind() {
		case reflect.Struct:
			for j := 0; j < sec.Type.NumField(); j++ {
				keys = append(keys, name+"."+tagName(sec.Type.Field(j)))
			}
		case reflect.Map:
		default:
			keys = append(keys, name)
		}
	}
	var opts []string
	for group, values := range c.Options {
		for key := range values {
			opts = append(opts, "options."+group+"."+key)
		}
	}
	sort.Strings(opts)
	return append(keys, opts...)
}

func tagName(f reflect.StructField) string {
	if tag, _, _ := strings.Cut(f.Tag.Get("toml"), ","); tag != "" {
		return tag
	}
	return strings.ToLower(f.Name)
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Options != nil {
		clone.Options = make(map[string]map[string]string, len(c.Options))
		for group, values := range c.Options {
			m := make(map[string]string, len(values))
			for k, v := range values {
				m[k] = v
			}
			clone.Options[group] = m
		}
	}
	return &clone
}

// String returns the config as JSON with secrets redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Cloud.APIKey != "" {
		safe.Cloud.APIKey = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
