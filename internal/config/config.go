// Package config loads the control plane's configuration from an optional
// YAML file plus environment variable overrides, following the same
// getEnv/getEnvInt helper style the process entrypoint has always used,
// extended with a getEnvBool getter. Configuration is
// parsed once at startup into an immutable Config and injected into every
// component constructor -- there is no global mutable config object and no
// hot-reload path.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig seeds one ServiceClient into the identity store at startup.
type ClientConfig struct {
	ClientID      string   `yaml:"client_id"`
	Secret        string   `yaml:"secret"`
	Kind          string   `yaml:"kind"`
	AllowedScopes []string `yaml:"allowed_scopes"`
	AllowedGrants []string `yaml:"allowed_grants"`
	Enabled       bool     `yaml:"enabled"`
}

// AutoscalerConfig is the closed-loop controller's tuning.
type AutoscalerConfig struct {
	Enabled            bool    `yaml:"enabled"`
	MinNodes           int     `yaml:"min_nodes"`
	MaxNodes           int     `yaml:"max_nodes"`
	ScaleUpThreshold   float64 `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64 `yaml:"scale_down_threshold"`
	TargetSaturation   float64 `yaml:"target_saturation"`
	CooldownSeconds    int     `yaml:"cooldown_seconds"`
}

// RateLimitConfig tunes the sliding-window limiter.
type RateLimitConfig struct {
	MaxPerWindow           int `yaml:"max_per_window"`
	WindowSeconds          int `yaml:"window_seconds"`
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
}

// Config is the immutable, fully-resolved process configuration.
type Config struct {
	Issuer          string `yaml:"issuer"`
	AccessKey       string `yaml:"access_key"` // PEM (RS256) or shared secret (HS256)
	ServiceTokenTTL time.Duration
	UserTokenTTL    time.Duration
	RefreshTokenTTL time.Duration
	MatchTokenTTL   time.Duration

	Clients []ClientConfig `yaml:"clients"`

	NodeTTLSeconds       int `yaml:"node_ttl_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	Autoscaler AutoscalerConfig `yaml:"autoscaler"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`

	HTTPAddr  string
	RedisURL  string
	LogLevel  string
	LogPretty bool
}

// rawConfig mirrors Config's YAML-backed fields with raw second counts, so
// env-var overrides and file parsing share one decode step before the
// durations are resolved.
type rawConfig struct {
	Issuer               string           `yaml:"issuer"`
	AccessKey            string           `yaml:"access_key"`
	ServiceTokenTTLSec   int              `yaml:"service_token_ttl"`
	UserTokenTTLSec      int              `yaml:"user_token_ttl"`
	RefreshTokenTTLSec   int              `yaml:"refresh_token_ttl"`
	MatchTokenTTLSec     int              `yaml:"match_token_ttl"`
	Clients              []ClientConfig   `yaml:"clients"`
	NodeTTLSeconds       int              `yaml:"node_ttl_seconds"`
	SweepIntervalSeconds int              `yaml:"sweep_interval_seconds"`
	Autoscaler           AutoscalerConfig `yaml:"autoscaler"`
	RateLimit            RateLimitConfig  `yaml:"rate_limit"`
}

func defaults() rawConfig {
	return rawConfig{
		ServiceTokenTTLSec:   900,
		UserTokenTTLSec:      3600,
		RefreshTokenTTLSec:   1209600, // 14 days
		MatchTokenTTLSec:     7200,
		NodeTTLSeconds:       30,
		SweepIntervalSeconds: 10,
		Autoscaler: AutoscalerConfig{
			Enabled:            true,
			MinNodes:           1,
			MaxNodes:           10,
			ScaleUpThreshold:   0.8,
			ScaleDownThreshold: 0.3,
			TargetSaturation:   0.6,
			CooldownSeconds:    120,
		},
		RateLimit: RateLimitConfig{
			MaxPerWindow:           60,
			WindowSeconds:          60,
			CleanupIntervalSeconds: 300,
		},
	}
}

// Load reads configPath (if non-empty and present) as YAML, then applies
// environment variable overrides, and returns the resolved immutable
// Config. An empty/missing configPath is not an error -- env vars and
// built-in defaults are enough to run a single-client development
// instance.
func Load(configPath string) (*Config, error) {
	raw := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		} else if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
		}
	}

	raw.Issuer = getEnv("CONTROL_PLANE_ISSUER", raw.Issuer)
	raw.AccessKey = getEnv("CONTROL_PLANE_ACCESS_KEY", raw.AccessKey)
	raw.ServiceTokenTTLSec = getEnvInt("CONTROL_PLANE_SERVICE_TOKEN_TTL", raw.ServiceTokenTTLSec)
	raw.UserTokenTTLSec = getEnvInt("CONTROL_PLANE_USER_TOKEN_TTL", raw.UserTokenTTLSec)
	raw.RefreshTokenTTLSec = getEnvInt("CONTROL_PLANE_REFRESH_TOKEN_TTL", raw.RefreshTokenTTLSec)
	raw.MatchTokenTTLSec = getEnvInt("CONTROL_PLANE_MATCH_TOKEN_TTL", raw.MatchTokenTTLSec)
	raw.NodeTTLSeconds = getEnvInt("CONTROL_PLANE_NODE_TTL_SECONDS", raw.NodeTTLSeconds)
	raw.SweepIntervalSeconds = getEnvInt("CONTROL_PLANE_SWEEP_INTERVAL_SECONDS", raw.SweepIntervalSeconds)
	raw.Autoscaler.Enabled = getEnvBool("CONTROL_PLANE_AUTOSCALER_ENABLED", raw.Autoscaler.Enabled)
	raw.Autoscaler.MinNodes = getEnvInt("CONTROL_PLANE_AUTOSCALER_MIN_NODES", raw.Autoscaler.MinNodes)
	raw.Autoscaler.MaxNodes = getEnvInt("CONTROL_PLANE_AUTOSCALER_MAX_NODES", raw.Autoscaler.MaxNodes)
	raw.Autoscaler.CooldownSeconds = getEnvInt("CONTROL_PLANE_AUTOSCALER_COOLDOWN_SECONDS", raw.Autoscaler.CooldownSeconds)
	raw.RateLimit.MaxPerWindow = getEnvInt("CONTROL_PLANE_RATE_LIMIT_MAX", raw.RateLimit.MaxPerWindow)
	raw.RateLimit.WindowSeconds = getEnvInt("CONTROL_PLANE_RATE_LIMIT_WINDOW_SECONDS", raw.RateLimit.WindowSeconds)

	if raw.Issuer == "" {
		return nil, fmt.Errorf("config: issuer is required")
	}
	if !(0 < raw.Autoscaler.ScaleDownThreshold && raw.Autoscaler.ScaleDownThreshold < raw.Autoscaler.TargetSaturation &&
		raw.Autoscaler.TargetSaturation < raw.Autoscaler.ScaleUpThreshold && raw.Autoscaler.ScaleUpThreshold < 1) {
		return nil, fmt.Errorf("config: autoscaler thresholds must satisfy 0 < scale_down < target < scale_up < 1")
	}

	return &Config{
		Issuer:               raw.Issuer,
		AccessKey:            raw.AccessKey,
		ServiceTokenTTL:      time.Duration(raw.ServiceTokenTTLSec) * time.Second,
		UserTokenTTL:         time.Duration(raw.UserTokenTTLSec) * time.Second,
		RefreshTokenTTL:      time.Duration(raw.RefreshTokenTTLSec) * time.Second,
		MatchTokenTTL:        time.Duration(raw.MatchTokenTTLSec) * time.Second,
		Clients:              raw.Clients,
		NodeTTLSeconds:       raw.NodeTTLSeconds,
		SweepIntervalSeconds: raw.SweepIntervalSeconds,
		Autoscaler:           raw.Autoscaler,
		RateLimit:            raw.RateLimit,
		HTTPAddr:             getEnv("CONTROL_PLANE_HTTP_ADDR", ":8080"),
		RedisURL:             getEnv("CONTROL_PLANE_REDIS_URL", ""),
		LogLevel:             getEnv("CONTROL_PLANE_LOG_LEVEL", "info"),
		LogPretty:            getEnvBool("CONTROL_PLANE_LOG_PRETTY", false),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
