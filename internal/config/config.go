package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// RefreshRate is how many control-loop passes run per second.
	RefreshRate float64       `yaml:"refresh_rate"`
	Scale       ScaleConfig   `yaml:"scale"`
	Control     ControlConfig `yaml:"control"`
	Store       StoreConfig   `yaml:"store"`
	Gallery     GalleryConfig `yaml:"gallery"`
	Pins        PinConfig     `yaml:"pins"`
	LogLevel    string        `yaml:"log_level"`
	LogFile     string        `yaml:"log_file"`
}

// ScaleConfig holds BLE link settings.
type ScaleConfig struct {
	ScanAttempts     int     `yaml:"scan_attempts"`
	ScanChunkSeconds float64 `yaml:"scan_chunk_seconds"`
	ConnectSeconds   float64 `yaml:"connect_seconds"`
}

// ControlConfig holds brew-control timing settings, in seconds.
type ControlConfig struct {
	IdleTimeoutSeconds float64 `yaml:"idle_timeout_seconds"`
	SleepPauseSeconds  float64 `yaml:"sleep_pause_seconds"`
	MinShotSeconds     float64 `yaml:"min_shot_seconds"`
	FlowWindowSeconds  float64 `yaml:"flow_window_seconds"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// GalleryConfig holds the shot image web gallery settings.
type GalleryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Dir     string `yaml:"dir"`
}

// PinConfig maps panel functions to BCM pin numbers.
type PinConfig struct {
	Relay         int `yaml:"relay"`
	Paddle        int `yaml:"paddle"`
	Tare          int `yaml:"tare"`
	ConnectSwitch int `yaml:"connect_switch"`
	TargetInc     int `yaml:"target_inc"`
	TargetDec     int `yaml:"target_dec"`
	Memory        int `yaml:"memory"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "brewd")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "brewd")

	return &Config{
		RefreshRate: 10,
		Scale: ScaleConfig{
			ScanAttempts:     3,
			ScanChunkSeconds: 2,
			ConnectSeconds:   12,
		},
		Control: ControlConfig{
			IdleTimeoutSeconds: 300,
			SleepPauseSeconds:  360,
			MinShotSeconds:     10,
			FlowWindowSeconds:  60,
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "brewd.db"),
		},
		Gallery: GalleryConfig{
			Enabled: true,
			Addr:    ":8080",
			Dir:     filepath.Join(dataDir, "shots"),
		},
		Pins: PinConfig{
			Relay:         26,
			Paddle:        20,
			Tare:          4,
			ConnectSwitch: 5,
			TargetInc:     12,
			TargetDec:     16,
			Memory:        21,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults, then environment overrides are applied. Tilde (~) in
// paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.ApplyEnv()
	cfg.expandPaths()

	return cfg, nil
}

// ApplyEnv applies environment variable overrides.
func (c *Config) ApplyEnv() {
	// REFRESH_RATE is the historical knob and carries its historical
	// unit: seconds per loop pass, not Hz.
	if v := os.Getenv("REFRESH_RATE"); v != "" {
		if sec, err := strconv.ParseFloat(v, 64); err == nil && sec > 0 {
			c.RefreshRate = 1 / sec
		}
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOGFILE"); v != "" {
		c.LogFile = v
	}
}

func (c *Config) expandPaths() {
	c.Store.Path = expandTilde(c.Store.Path)
	c.Gallery.Dir = expandTilde(c.Gallery.Dir)
	c.LogFile = expandTilde(c.LogFile)
}

// LoopInterval converts the refresh rate to a tick period.
func (c *Config) LoopInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.RefreshRate)
}

func (c *ControlConfig) IdleTimeout() time.Duration {
	return secondsToDuration(c.IdleTimeoutSeconds)
}

func (c *ControlConfig) SleepPause() time.Duration {
	return secondsToDuration(c.SleepPauseSeconds)
}

func (c *ControlConfig) MinShot() time.Duration {
	return secondsToDuration(c.MinShotSeconds)
}

func (c *ControlConfig) FlowWindow() time.Duration {
	return secondsToDuration(c.FlowWindowSeconds)
}

func (c *ScaleConfig) ScanChunk() time.Duration {
	return secondsToDuration(c.ScanChunkSeconds)
}

func (c *ScaleConfig) ConnectTimeout() time.Duration {
	return secondsToDuration(c.ConnectSeconds)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.RefreshRate <= 0 || c.RefreshRate > 100 {
		return fmt.Errorf("refresh_rate must be in (0, 100], got %v", c.RefreshRate)
	}

	if c.Scale.ScanAttempts <= 0 {
		return fmt.Errorf("scale.scan_attempts must be > 0")
	}
	if c.Scale.ScanChunkSeconds <= 0 {
		return fmt.Errorf("scale.scan_chunk_seconds must be > 0")
	}
	if c.Scale.ConnectSeconds <= 0 {
		return fmt.Errorf("scale.connect_seconds must be > 0")
	}

	if c.Control.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("control.idle_timeout_seconds must be > 0")
	}
	if c.Control.SleepPauseSeconds <= 0 {
		return fmt.Errorf("control.sleep_pause_seconds must be > 0")
	}
	if c.Control.MinShotSeconds < 0 {
		return fmt.Errorf("control.min_shot_seconds must be >= 0")
	}
	if c.Control.FlowWindowSeconds <= 0 {
		return fmt.Errorf("control.flow_window_seconds must be > 0")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	if c.Gallery.Enabled {
		if c.Gallery.Addr == "" {
			return fmt.Errorf("gallery.addr must not be empty when gallery is enabled")
		}
		if c.Gallery.Dir == "" {
			return fmt.Errorf("gallery.dir must not be empty when gallery is enabled")
		}
	}

	for name, pin := range map[string]int{
		"pins.relay":          c.Pins.Relay,
		"pins.paddle":         c.Pins.Paddle,
		"pins.tare":           c.Pins.Tare,
		"pins.connect_switch": c.Pins.ConnectSwitch,
		"pins.target_inc":     c.Pins.TargetInc,
		"pins.target_dec":     c.Pins.TargetDec,
		"pins.memory":         c.Pins.Memory,
	} {
		if pin < 0 || pin > 27 {
			return fmt.Errorf("%s must be a BCM pin in [0, 27], got %d", name, pin)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// WriteDefault writes a default config file at path unless one already
// exists. Parent directories are created as needed.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ParseLogLevel maps a config log level string to a slog level.
// Unknown strings fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
