// Package config loads the engine configuration from the environment, with
// an optional .env file for development setups.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the full runtime configuration surface.
type Config struct {
	ListenHost  string
	ListenPort  int
	MetricsPort int

	LogLevel  string
	LogFormat string

	DefaultTier   string
	ExecutionMode string

	UseAdaptiveTimeout   bool
	UseCircuitBreaker    bool
	UseProgressStreaming bool
	UseDualVerdict       bool

	MinConsensusSources int
	EventMaxRate        float64
	EventBurst          int
	EnabledModules      []string

	ShutdownGrace time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env")
	}

	cfg := &Config{
		ListenHost:  envStr("WEBAUDIT_HOST", "0.0.0.0"),
		ListenPort:  envInt("WEBAUDIT_PORT", 8080),
		MetricsPort: envInt("WEBAUDIT_METRICS_PORT", 9091),

		LogLevel:  envStr("WEBAUDIT_LOG_LEVEL", "info"),
		LogFormat: envStr("WEBAUDIT_LOG_FORMAT", "auto"),

		DefaultTier:   envStr("WEBAUDIT_TIER", "standard"),
		ExecutionMode: envStr("WEBAUDIT_EXECUTION_MODE", "parallel-tier"),

		UseAdaptiveTimeout:   envBool("WEBAUDIT_ADAPTIVE_TIMEOUT", true),
		UseCircuitBreaker:    envBool("WEBAUDIT_CIRCUIT_BREAKER", true),
		UseProgressStreaming: envBool("WEBAUDIT_PROGRESS_STREAMING", true),
		UseDualVerdict:       envBool("WEBAUDIT_DUAL_VERDICT", false),

		MinConsensusSources: envInt("WEBAUDIT_MIN_CONSENSUS_SOURCES", 2),
		EventMaxRate:        envFloat("WEBAUDIT_EVENT_MAX_RATE", 5),
		EventBurst:          envInt("WEBAUDIT_EVENT_BURST", 10),
		EnabledModules:      envList("WEBAUDIT_SECURITY_MODULES"),

		ShutdownGrace: envDuration("WEBAUDIT_SHUTDOWN_GRACE", 30*time.Second),
	}
	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid float in environment, using default")
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean in environment, using default")
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
	}
	return fallback
}

func envList(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
