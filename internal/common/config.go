// -----------------------------------------------------------------------
// Last Modified: Tuesday, 13th October 2026 9:12:40 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/moyuren/internal/models"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment" yaml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server" yaml:"server"`
	Paths       PathsConfig       `toml:"paths" yaml:"paths"`
	Timezone    TimezoneConfig    `toml:"timezone" yaml:"timezone"`
	Scheduler   SchedulerConfig   `toml:"scheduler" yaml:"scheduler"`
	Coordinator CoordinatorConfig `toml:"coordinator" yaml:"coordinator"`
	Cache       CacheConfig       `toml:"cache" yaml:"cache"`
	Render      RenderConfig      `toml:"render" yaml:"render"`
	Templates   []TemplateConfig  `toml:"templates" yaml:"templates" validate:"min=1,dive"`
	Sources     []SourceConfig    `toml:"sources" yaml:"sources" validate:"dive"`
	Storage     StorageConfig     `toml:"storage" yaml:"storage"`
	Ops         OpsConfig         `toml:"ops" yaml:"ops"`
	Logging     LoggingConfig     `toml:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Port         int    `toml:"port" yaml:"port" validate:"min=1,max=65535"`
	Host         string `toml:"host" yaml:"host"`
	BaseDomain   string `toml:"base_domain" yaml:"base_domain"` // Prefix for image URLs, e.g. "https://moyuren.example.com"
	ReadTimeout  string `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout string `toml:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  string `toml:"idle_timeout" yaml:"idle_timeout"`
}

type PathsConfig struct {
	StaticDir string `toml:"static_dir" yaml:"static_dir" validate:"required"` // Generated images
	StateDir  string `toml:"state_dir" yaml:"state_dir" validate:"required"`   // Latest pointers, per-day data files, lock files
	CacheDir  string `toml:"cache_dir" yaml:"cache_dir" validate:"required"`   // Per-source daily caches
}

type TimezoneConfig struct {
	Business string `toml:"business" yaml:"business" validate:"required"` // Decides "today" for caches and scheduling
	Display  string `toml:"display" yaml:"display"`
}

type SchedulerConfig struct {
	Enabled      bool     `toml:"enabled" yaml:"enabled"`
	Mode         string   `toml:"mode" yaml:"mode" validate:"oneof=daily hourly"`
	DailyTimes   []string `toml:"daily_times" yaml:"daily_times"`
	MinuteOfHour int      `toml:"minute_of_hour" yaml:"minute_of_hour" validate:"min=0,max=59"`
}

type CoordinatorConfig struct {
	Mode                   string `toml:"mode" yaml:"mode" validate:"oneof=wait busy"`
	MaxWait                string `toml:"max_wait" yaml:"max_wait"`       // e.g. "20s"
	RetryAfter             string `toml:"retry_after" yaml:"retry_after"` // e.g. "10s"
	ServeStaleWhileRefresh bool   `toml:"serve_stale_while_refresh" yaml:"serve_stale_while_refresh"`
}

type CacheConfig struct {
	RetainDays         int  `toml:"retain_days" yaml:"retain_days" validate:"min=1"`
	CleanAfterGenerate bool `toml:"clean_after_generate" yaml:"clean_after_generate"`
}

type RenderConfig struct {
	TemplatesDir      string         `toml:"templates_dir" yaml:"templates_dir" validate:"required"`
	Viewport          ViewportConfig `toml:"viewport" yaml:"viewport"`
	DeviceScaleFactor float64        `toml:"device_scale_factor" yaml:"device_scale_factor" validate:"gt=0"`
	JPEGQuality       int            `toml:"jpeg_quality" yaml:"jpeg_quality" validate:"min=1,max=100"`
	Headless          bool           `toml:"headless" yaml:"headless"`
	NoSandbox         bool           `toml:"no_sandbox" yaml:"no_sandbox"`
	Timeout           string         `toml:"timeout" yaml:"timeout"`
}

type ViewportConfig struct {
	Width  int `toml:"width" yaml:"width"`
	Height int `toml:"height" yaml:"height"`
}

// TemplateConfig describes one renderable template. Zero-valued overrides
// fall back to the render defaults.
type TemplateConfig struct {
	Name     string         `toml:"name" yaml:"name" validate:"required"`
	File     string         `toml:"file" yaml:"file" validate:"required"`
	Viewport ViewportConfig `toml:"viewport" yaml:"viewport"`
	Quality  int            `toml:"jpeg_quality" yaml:"jpeg_quality" validate:"min=0,max=100"`
}

// SourceConfig describes one upstream content source
type SourceConfig struct {
	Name          string            `toml:"name" yaml:"name" validate:"required"`
	Mode          string            `toml:"mode" yaml:"mode" validate:"omitempty,oneof=json html"` // Defaults to json
	URLs          []string          `toml:"urls" yaml:"urls" validate:"min=1,dive,url"`
	RotateByDate  bool              `toml:"rotate_by_date" yaml:"rotate_by_date"`
	Path          string            `toml:"path" yaml:"path"`         // gjson path (json mode)
	Selector      string            `toml:"selector" yaml:"selector"` // CSS selector (html mode)
	Weekdays      []string          `toml:"weekdays" yaml:"weekdays"` // e.g. ["thursday"]; empty = every day
	Required      bool              `toml:"required" yaml:"required"`
	Countdown     bool              `toml:"countdown" yaml:"countdown"` // Payload lists dated events, e.g. holidays
	Timeout       string            `toml:"timeout" yaml:"timeout"`
	RatePerMinute int               `toml:"rate_per_minute" yaml:"rate_per_minute" validate:"min=0"`
	Headers       map[string]string `toml:"headers" yaml:"headers"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger" yaml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" yaml:"path"`                         // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup" yaml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type OpsConfig struct {
	APIKey string `toml:"api_key" yaml:"api_key"` // Empty disables the ops endpoints
}

type LoggingConfig struct {
	Level string `toml:"level" yaml:"level" validate:"oneof=debug info warn error"`
	File  string `toml:"file" yaml:"file"` // Empty disables file output
}

// NewDefaultConfig creates a configuration with default values
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in moyuren.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "production",
		Server: ServerConfig{
			Port:         8000,
			Host:         "0.0.0.0",
			ReadTimeout:  "15s",
			WriteTimeout: "60s",
			IdleTimeout:  "60s",
		},
		Paths: PathsConfig{
			StaticDir: "./static",
			StateDir:  "./state",
			CacheDir:  "./cache",
		},
		Timezone: TimezoneConfig{
			Business: "Asia/Shanghai",
			Display:  "Asia/Shanghai",
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			Mode:         "daily",
			DailyTimes:   []string{"06:00"},
			MinuteOfHour: 0,
		},
		Coordinator: CoordinatorConfig{
			Mode:                   "wait",
			MaxWait:                "20s",
			RetryAfter:             "10s",
			ServeStaleWhileRefresh: true,
		},
		Cache: CacheConfig{
			RetainDays:         30,
			CleanAfterGenerate: true,
		},
		Render: RenderConfig{
			TemplatesDir:      "./templates",
			Viewport:          ViewportConfig{Width: 794, Height: 1123},
			DeviceScaleFactor: 2,
			JPEGQuality:       90,
			Headless:          true,
			NoSandbox:         true,
			Timeout:           "30s",
		},
		Templates: []TemplateConfig{
			{Name: "moyuren", File: "moyuren.html"},
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/moyuren",
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromFile loads configuration from a single file
func LoadFromFile(path string) (*Config, error) {
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2 -> ... -> env
// Later files override earlier ones. Files ending in .yaml or .yml are decoded
// as YAML, everything else as TOML.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, models.NewConfigError(models.CodeConfigMissing, path, err)
			}
			return nil, models.NewConfigError(models.CodeConfigInvalid, path, fmt.Errorf("failed to read config file: %w", err))
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, config)
		default:
			err = toml.Unmarshal(data, config)
		}
		if err != nil {
			return nil, models.NewConfigError(models.CodeConfigInvalid, path,
				fmt.Errorf("failed to parse config file (file %d of %d): %w", i+1, len(paths), err))
		}
	}

	// Environment variables override all file configs
	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies MOYUREN_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("MOYUREN_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("MOYUREN_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("MOYUREN_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if domain := os.Getenv("MOYUREN_SERVER_BASE_DOMAIN"); domain != "" {
		config.Server.BaseDomain = domain
	}

	// Paths
	if dir := os.Getenv("MOYUREN_PATHS_STATIC_DIR"); dir != "" {
		config.Paths.StaticDir = dir
	}
	if dir := os.Getenv("MOYUREN_PATHS_STATE_DIR"); dir != "" {
		config.Paths.StateDir = dir
	}
	if dir := os.Getenv("MOYUREN_PATHS_CACHE_DIR"); dir != "" {
		config.Paths.CacheDir = dir
	}

	// Timezones
	if tz := os.Getenv("MOYUREN_TIMEZONE_BUSINESS"); tz != "" {
		config.Timezone.Business = tz
	}
	if tz := os.Getenv("MOYUREN_TIMEZONE_DISPLAY"); tz != "" {
		config.Timezone.Display = tz
	}

	// Scheduler
	if enabled := os.Getenv("MOYUREN_SCHEDULER_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.Enabled = b
		}
	}
	if mode := os.Getenv("MOYUREN_SCHEDULER_MODE"); mode != "" {
		config.Scheduler.Mode = mode
	}
	if times := os.Getenv("MOYUREN_SCHEDULER_DAILY_TIMES"); times != "" {
		config.Scheduler.DailyTimes = splitString(times, ",")
	}
	if minute := os.Getenv("MOYUREN_SCHEDULER_MINUTE_OF_HOUR"); minute != "" {
		if m, err := strconv.Atoi(minute); err == nil {
			config.Scheduler.MinuteOfHour = m
		}
	}

	// Coordinator
	if mode := os.Getenv("MOYUREN_COORDINATOR_MODE"); mode != "" {
		config.Coordinator.Mode = mode
	}
	if wait := os.Getenv("MOYUREN_COORDINATOR_MAX_WAIT"); wait != "" {
		config.Coordinator.MaxWait = wait
	}

	// Cache retention
	if days := os.Getenv("MOYUREN_CACHE_RETAIN_DAYS"); days != "" {
		if d, err := strconv.Atoi(days); err == nil {
			config.Cache.RetainDays = d
		}
	}

	// Storage
	if path := os.Getenv("MOYUREN_STORAGE_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}

	// Ops API key
	if key := os.Getenv("MOYUREN_OPS_API_KEY"); key != "" {
		config.Ops.APIKey = key
	}

	// Logging
	if level := os.Getenv("MOYUREN_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if file := os.Getenv("MOYUREN_LOG_FILE"); file != "" {
		config.Logging.File = file
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
// Flags have highest priority: CLI flags > env vars > config file > defaults
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks the struct tags and the cross-field rules the tags cannot express
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return models.NewConfigError(models.CodeConfigValidation, "", err)
	}

	if _, err := time.LoadLocation(c.Timezone.Business); err != nil {
		return models.NewConfigError(models.CodeConfigValidation, "", fmt.Errorf("timezone.business: %w", err))
	}
	if c.Timezone.Display != "" {
		if _, err := time.LoadLocation(c.Timezone.Display); err != nil {
			return models.NewConfigError(models.CodeConfigValidation, "", fmt.Errorf("timezone.display: %w", err))
		}
	}

	if c.Scheduler.Mode == "daily" {
		if len(c.Scheduler.DailyTimes) == 0 {
			return models.NewConfigError(models.CodeConfigValidation, "", fmt.Errorf("scheduler.daily_times must not be empty in daily mode"))
		}
		for _, t := range c.Scheduler.DailyTimes {
			if _, _, err := ParseClock(t); err != nil {
				return models.NewConfigError(models.CodeConfigValidation, "", fmt.Errorf("scheduler.daily_times: %w", err))
			}
		}
	}

	for _, d := range []struct{ name, value string }{
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.idle_timeout", c.Server.IdleTimeout},
		{"coordinator.max_wait", c.Coordinator.MaxWait},
		{"coordinator.retry_after", c.Coordinator.RetryAfter},
		{"render.timeout", c.Render.Timeout},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return models.NewConfigError(models.CodeConfigValidation, "", fmt.Errorf("%s: %w", d.name, err))
		}
	}

	seen := make(map[string]bool)
	for _, t := range c.Templates {
		if !IsSafeName(t.Name) {
			return models.NewConfigError(models.CodeConfigValidation, "", fmt.Errorf("template name %q must match [a-z0-9_-]+", t.Name))
		}
		if seen[t.Name] {
			return models.NewConfigError(models.CodeConfigValidation, "", fmt.Errorf("duplicate template %q", t.Name))
		}
		seen[t.Name] = true
	}

	seen = make(map[string]bool)
	for _, s := range c.Sources {
		if !IsSafeName(s.Name) {
			return models.NewConfigError(models.CodeConfigValidation, "", fmt.Errorf("source name %q must match [a-z0-9_-]+", s.Name))
		}
		if seen[s.Name] {
			return models.NewConfigError(models.CodeConfigValidation, "", fmt.Errorf("duplicate source %q", s.Name))
		}
		seen[s.Name] = true
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				return models.NewConfigError(models.CodeConfigValidation, "", fmt.Errorf("sources.%s.timeout: %w", s.Name, err))
			}
		}
		for _, day := range s.Weekdays {
			if _, ok := ParseWeekday(day); !ok {
				return models.NewConfigError(models.CodeConfigValidation, "", fmt.Errorf("sources.%s.weekdays: unknown weekday %q", s.Name, day))
			}
		}
	}

	return nil
}

// Template returns the template configuration by name
func (c *Config) Template(name string) (TemplateConfig, bool) {
	for _, t := range c.Templates {
		if t.Name == name {
			return t, true
		}
	}
	return TemplateConfig{}, false
}

// TemplateNames returns the configured template names in declaration order
func (c *Config) TemplateNames() []string {
	names := make([]string, 0, len(c.Templates))
	for _, t := range c.Templates {
		names = append(names, t.Name)
	}
	return names
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "production" || env == "prod"
}

// ParseDurationOr parses a duration string, returning fallback when empty or invalid
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// IsSafeName reports whether name can be used as a file name component
func IsSafeName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// splitString splits a string by separator and trims whitespace
func splitString(s, sep string) []string {
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
