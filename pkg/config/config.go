package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	envConfigPath    = "POPUPBRIDGE_CONFIG"
	envRetryInterval = "POPUPBRIDGE_RETRY_INTERVAL_MS"
	envCodec         = "POPUPBRIDGE_CODEC"
)

const (
	CodecJSON = "json"
	CodecCBOR = "cbor"

	// ReadinessScript marks a window ready as soon as its bridge context exists.
	ReadinessScript = "script"
	// ReadinessLoad waits for the window's load event before marking it ready.
	ReadinessLoad = "load"
)

const (
	defaultRetryIntervalMS = 100
	defaultTargetOrigin    = "*"
)

// ErrConfigNotFound is returned by LoadConfig when no config file exists.
var ErrConfigNotFound = errors.New("config.json not found")

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Bridge  BridgeConfig  `json:"bridge"`
	Sim     SimConfig     `json:"sim"`
	Logging LoggingConfig `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// BridgeConfig tunes the verification core of one window context.
type BridgeConfig struct {
	RetryIntervalMS     int    `json:"retry_interval_ms"`
	MaxPending          int    `json:"max_pending"`
	MaxRetries          int    `json:"max_retries"`
	DefaultTargetOrigin string `json:"default_target_origin"`
	StrictUnload        bool   `json:"strict_unload"`
	Readiness           string `json:"readiness"`
	Codec               string `json:"codec"`
}

// SimConfig configures the in-memory browser used by the demo commands.
type SimConfig struct {
	LoadDelayMS  int  `json:"load_delay_ms"`
	PopupBlocker bool `json:"popup_blocker"`
}

// Default returns the configuration used when no config file is present.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			RetryIntervalMS:     defaultRetryIntervalMS,
			DefaultTargetOrigin: defaultTargetOrigin,
			StrictUnload:        true,
			Readiness:           ReadinessScript,
			Codec:               CodecJSON,
		},
		Sim: SimConfig{
			LoadDelayMS: 250,
		},
	}
}

// RetryInterval returns the outbound queue polling delay.
func (c BridgeConfig) RetryInterval() time.Duration {
	if c.RetryIntervalMS <= 0 {
		return defaultRetryIntervalMS * time.Millisecond
	}

	return time.Duration(c.RetryIntervalMS) * time.Millisecond
}

// TargetOrigin returns the origin used when a send call names none.
func (c BridgeConfig) TargetOrigin() string {
	if origin := strings.TrimSpace(c.DefaultTargetOrigin); origin != "" {
		return origin
	}

	return defaultTargetOrigin
}

// LoadDelay returns how long a simulated window takes to finish loading.
func (c SimConfig) LoadDelay() time.Duration {
	if c.LoadDelayMS <= 0 {
		return 0
	}

	return time.Duration(c.LoadDelayMS) * time.Millisecond
}

// Validate rejects settings the bridge cannot honor.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.Bridge.Codec)) {
	case "", CodecJSON, CodecCBOR:
	default:
		return fmt.Errorf("unsupported bridge.codec %q", c.Bridge.Codec)
	}

	switch strings.ToLower(strings.TrimSpace(c.Bridge.Readiness)) {
	case "", ReadinessScript, ReadinessLoad:
	default:
		return fmt.Errorf("unsupported bridge.readiness %q", c.Bridge.Readiness)
	}

	if c.Bridge.MaxPending < 0 {
		return errors.New("bridge.max_pending must not be negative")
	}
	if c.Bridge.MaxRetries < 0 {
		return errors.New("bridge.max_retries must not be negative")
	}
	if c.Bridge.RetryIntervalMS < 0 {
		return errors.New("bridge.retry_interval_ms must not be negative")
	}

	return nil
}

// LoadConfig resolves config.json, unmarshals it over the defaults, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config file: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like LoadConfig but falls back to Default when no file exists.
func LoadOrDefault() (*Config, error) {
	cfg, err := LoadConfig()
	if errors.Is(err, ErrConfigNotFound) {
		cfg = Default()
		if err := applyEnvOverrides(cfg); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}

	return cfg, err
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	if raw := strings.TrimSpace(os.Getenv(envRetryInterval)); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envRetryInterval, err)
		}
		cfg.Bridge.RetryIntervalMS = ms
	}

	if codec := strings.TrimSpace(os.Getenv(envCodec)); codec != "" {
		cfg.Bridge.Codec = strings.ToLower(codec)
	}

	return nil
}

// findConfigPath resolves the active config file location.
//
// Precedence is POPUPBRIDGE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w (checked %s and %s)", ErrConfigNotFound, candidates[0], candidates[1])
}
