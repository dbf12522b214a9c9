package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Upper bounds for runtime knobs to prevent resource exhaustion from a
// mistyped environment variable.
const (
	maxUpstreamTimeout = 10 * time.Minute
	maxRateLimitRPM    = 10000
	maxConnectionCap   = 65536
)

// Settings holds the runtime tuning knobs that are not part of the YAML
// topology file. Values come from environment variables at startup; the
// listen host/port and config path come from CLI flags.
type Settings struct {
	// Server settings (flag-driven, defaults here)
	Host string
	Port int

	// Upstream deadlines
	NewSessionTimeout time.Duration // POST /session forwarding
	SessionTimeout    time.Duration // everything else

	// Driver process lifecycle
	DriverStartupTimeout time.Duration // readiness probe deadline
	DriverStopTimeout    time.Duration // grace before SIGKILL

	// Node polling
	PollInterval time.Duration

	// Shutdown
	ShutdownGrace time.Duration

	// Listener
	MaxConnections int // concurrent connection cap, 0 = unlimited

	// Rate limiting (off by default; WebDriver clients are trusted tools)
	RateLimitEnabled bool
	RateLimitRPM     int

	// Metrics side-server (separate listener so the W3C surface stays clean)
	MetricsEnabled  bool
	MetricsPort     int
	MetricsBindAddr string

	// Config watching
	WatchConfig bool

	// Logging
	LogLevel string
}

// DefaultSettings returns Settings populated from environment variables or
// defaults.
func DefaultSettings() *Settings {
	return &Settings{
		Host: "127.0.0.1",
		Port: 4444,

		NewSessionTimeout: getEnvDuration("XENON_NEW_SESSION_TIMEOUT", 60*time.Second),
		SessionTimeout:    getEnvDuration("XENON_SESSION_TIMEOUT", 30*time.Second),

		DriverStartupTimeout: getEnvDuration("XENON_DRIVER_STARTUP_TIMEOUT", 10*time.Second),
		DriverStopTimeout:    getEnvDuration("XENON_DRIVER_STOP_TIMEOUT", 2*time.Second),

		PollInterval: getEnvDuration("XENON_NODE_POLL_INTERVAL", 60*time.Second),

		ShutdownGrace: getEnvDuration("XENON_SHUTDOWN_GRACE", 30*time.Second),

		MaxConnections: getEnvInt("XENON_MAX_CONNECTIONS", 1024),

		RateLimitEnabled: getEnvBool("XENON_RATE_LIMIT_ENABLED", false),
		RateLimitRPM:     getEnvInt("XENON_RATE_LIMIT_RPM", 600),

		MetricsEnabled:  getEnvBool("XENON_METRICS_ENABLED", false),
		MetricsPort:     getEnvInt("XENON_METRICS_PORT", 9099),
		MetricsBindAddr: getEnvString("XENON_METRICS_BIND_ADDR", "127.0.0.1"),

		WatchConfig: getEnvBool("XENON_WATCH_CONFIG", false),

		LogLevel: getEnvString("XENON_LOG", getEnvString("LOG_LEVEL", "info")),
	}
}

// Validate checks settings values and logs warnings for invalid ones.
// Invalid values are corrected to sensible defaults.
func (s *Settings) Validate() {
	if s.Port < 0 || s.Port > 65535 {
		log.Warn().Int("port", s.Port).Msg("Invalid port, using default 4444")
		s.Port = 4444
	}

	s.NewSessionTimeout = clampDuration("new session timeout", s.NewSessionTimeout, time.Second, maxUpstreamTimeout, 60*time.Second)
	s.SessionTimeout = clampDuration("session timeout", s.SessionTimeout, time.Second, maxUpstreamTimeout, 30*time.Second)
	s.DriverStartupTimeout = clampDuration("driver startup timeout", s.DriverStartupTimeout, time.Second, time.Minute, 10*time.Second)
	s.DriverStopTimeout = clampDuration("driver stop timeout", s.DriverStopTimeout, 100*time.Millisecond, time.Minute, 2*time.Second)
	s.PollInterval = clampDuration("node poll interval", s.PollInterval, time.Second, time.Hour, 60*time.Second)
	s.ShutdownGrace = clampDuration("shutdown grace", s.ShutdownGrace, time.Second, 5*time.Minute, 30*time.Second)

	if s.MaxConnections < 0 || s.MaxConnections > maxConnectionCap {
		log.Warn().Int("max_connections", s.MaxConnections).Msg("Invalid connection cap, using 1024")
		s.MaxConnections = 1024
	}

	if s.RateLimitEnabled {
		if s.RateLimitRPM < 1 {
			log.Warn().Int("rpm", s.RateLimitRPM).Msg("Invalid rate limit, using 600 RPM")
			s.RateLimitRPM = 600
		} else if s.RateLimitRPM > maxRateLimitRPM {
			log.Warn().
				Int("rpm", s.RateLimitRPM).
				Int("max", maxRateLimitRPM).
				Msg("Rate limit too high, capping to maximum")
			s.RateLimitRPM = maxRateLimitRPM
		}
	}

	if s.MetricsEnabled && s.MetricsBindAddr != "127.0.0.1" && s.MetricsBindAddr != "localhost" {
		log.Warn().
			Str("addr", s.MetricsBindAddr).
			Msg("Metrics exposed on non-localhost address")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[s.LogLevel] {
		log.Warn().Str("level", s.LogLevel).Msg("Invalid log level, using 'info'")
		s.LogLevel = "info"
	}
}

func clampDuration(name string, v, min, max, def time.Duration) time.Duration {
	if v < min || v > max {
		log.Warn().
			Str("setting", name).
			Dur("value", v).
			Dur("default", def).
			Msg("Duration out of range, using default")
		return def
	}
	return v
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}
