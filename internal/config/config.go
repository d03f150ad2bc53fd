// Package config loads the driver's typed configuration from an optional
// YAML file plus environment variable overrides, following the same
// file-then-env layering the rest of this lineage uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DisconnectConfig controls the LIMBO grace window.
type DisconnectConfig struct {
	TimeoutMinutes int `yaml:"timeoutMinutes" env:"DISCONNECT_TIMEOUT_MINUTES"`
}

// Config is the driver's top-level configuration, naming every key in
// the external-interfaces configuration table.
type Config struct {
	MudlibPath   string `yaml:"mudlibPath" env:"MUDLIB_PATH"`
	DataPath     string `yaml:"dataPath" env:"DATA_PATH"`
	MasterObject string `yaml:"masterObject" env:"MASTER_OBJECT"`
	Port         int    `yaml:"port" env:"PORT"`

	HeartbeatIntervalMs int  `yaml:"heartbeatIntervalMs" env:"HEARTBEAT_INTERVAL_MS"`
	HotReload           bool `yaml:"hotReload" env:"HOT_RELOAD"`

	Disconnect DisconnectConfig `yaml:"disconnect"`

	SessionTokenTTLMs int    `yaml:"wsSessionTokenTtlMs" env:"WS_SESSION_TOKEN_TTL_MS"`
	SessionValidateIP bool   `yaml:"wsSessionValidateIp" env:"WS_SESSION_VALIDATE_IP"`
	SessionSecret     string `yaml:"wsSessionSecret" env:"WS_SESSION_SECRET"`

	LogLevel  string `yaml:"logLevel" env:"LOG_LEVEL"`
	LogPretty bool   `yaml:"logPretty" env:"LOG_PRETTY"`

	// ReplayBufferSize caps how many trailing outbound lines a Connection
	// retains for resume replay.
	ReplayBufferSize int `yaml:"replayBufferSize" env:"REPLAY_BUFFER_SIZE"`
	// ReplayCap is the max messages replayed on resume.
	ReplayCap int `yaml:"replayCap" env:"REPLAY_CAP"`

	OpsAddr string `yaml:"opsAddr" env:"OPS_ADDR"`

	// CommandRateLimitPerSec and CommandRateBurst throttle how fast a single
	// connection's input lines are accepted, independent of mudlib command
	// cost — a cheap first line of defense against a flooding or scripted
	// client before its input ever reaches the event loop.
	CommandRateLimitPerSec float64 `yaml:"commandRateLimitPerSec" env:"COMMAND_RATE_LIMIT_PER_SEC"`
	CommandRateBurst       int     `yaml:"commandRateBurst" env:"COMMAND_RATE_BURST"`
}

// New returns a Config populated with the driver's defaults.
func New() *Config {
	return &Config{
		MudlibPath:          "/",
		DataPath:            "./data",
		MasterObject:        "/daemon/master",
		Port:                4000,
		HeartbeatIntervalMs: 2000,
		HotReload:           true,
		Disconnect:          DisconnectConfig{TimeoutMinutes: 15},
		SessionTokenTTLMs:   20 * 60 * 1000,
		SessionValidateIP:   true,
		SessionSecret:       "",
		LogLevel:            "info",
		LogPretty:           false,
		ReplayBufferSize:    200,
		ReplayCap:           20,
		OpsAddr:             ":9091",

		CommandRateLimitPerSec: 10,
		CommandRateBurst:       20,
	}
}

// HeartbeatInterval returns the configured heartbeat cadence as a Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// SessionTokenTTL returns the configured session token TTL as a Duration.
func (c *Config) SessionTokenTTL() time.Duration {
	return time.Duration(c.SessionTokenTTLMs) * time.Millisecond
}

// DisconnectTimeout returns the LIMBO grace window as a Duration.
func (c *Config) DisconnectTimeout() time.Duration {
	return time.Duration(c.Disconnect.TimeoutMinutes) * time.Minute
}

// Load loads configuration from an optional YAML file then environment
// variable overrides. path may be empty, in which case only defaults and
// env vars apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path == "" {
		path = strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate rejects configurations that would violate a driver invariant —
// notably that the session TTL must cover the full disconnect grace window.
func (c *Config) Validate() error {
	if c.SessionTokenTTL() < c.DisconnectTimeout() {
		return fmt.Errorf("config: wsSessionTokenTtlMs (%dms) must be >= disconnect.timeoutMinutes (%dm)",
			c.SessionTokenTTLMs, c.Disconnect.TimeoutMinutes)
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("config: wsSessionSecret is required")
	}
	if c.ReplayCap <= 0 || c.ReplayBufferSize <= 0 {
		return fmt.Errorf("config: replayBufferSize and replayCap must be positive")
	}
	return nil
}
