// Package config loads scribe bridge configuration from the environment.
//
// All variables share the SCRIBE_ prefix:
//
//	SCRIBE_PORT            -> port
//	SCRIBE_LOG_LEVEL       -> log_level
//	SCRIBE_OPENAI_API_KEY  -> openai_api_key
//	SCRIBE_REALTIME_MODEL  -> realtime_model
//	SCRIBE_IDLE_TIMEOUT    -> idle_timeout
//
// A missing API key is not a startup failure: the bridge still accepts
// client connections, and start_suggestions reports the missing credential
// per session instead.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Defaults.
const (
	DefaultPort          = 8080
	DefaultLogLevel      = "info"
	DefaultRealtimeModel = "gpt-4o-realtime-preview-2024-12-17"
	DefaultIdleTimeout   = 5 * time.Minute
)

// Config holds all tunable parameters for the scribe bridge service.
type Config struct {
	Port     int    `koanf:"port"`
	LogLevel string `koanf:"log_level"`

	// Upstream realtime API
	OpenAIAPIKey  string `koanf:"openai_api_key"`
	RealtimeModel string `koanf:"realtime_model"`

	// Session liveness
	IdleTimeout time.Duration `koanf:"idle_timeout"`
}

// Load reads configuration from SCRIBE_-prefixed environment variables,
// applying defaults for anything unset.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(env.Provider("SCRIBE_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "SCRIBE_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{
		Port:          DefaultPort,
		LogLevel:      DefaultLogLevel,
		RealtimeModel: DefaultRealtimeModel,
		IdleTimeout:   DefaultIdleTimeout,
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	return cfg, nil
}
