// Package config provides environment configuration for the live conversations service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Storage
	DatabaseURL string
	RedisURL    string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// CORS
	CORSOrigins []string

	// Live engine
	Live LiveConfig

	// Sessions
	SessionIdleTimeout time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// LiveConfig tunes the live conversation engine.
type LiveConfig struct {
	Capacity                 int
	SourceLimit              int
	CallTimeout              time.Duration
	Tick                     time.Duration
	PauseReconcileTicks      int
	ConversationReconcile    time.Duration
	PauseGrace               time.Duration
	PauseMax                 time.Duration
	SeenCapacity             int
	PhoneContainment         bool
	AccessCacheTTL           time.Duration
	AccessCacheSize          int
	PermissionLookupParallel int
}

// DefaultLive returns the live engine defaults.
func DefaultLive() LiveConfig {
	return LiveConfig{
		Capacity:                 15,
		SourceLimit:              15,
		CallTimeout:              5 * time.Second,
		Tick:                     time.Second,
		PauseReconcileTicks:      5,
		ConversationReconcile:    time.Minute,
		PauseGrace:               2 * time.Second,
		PauseMax:                 30 * 24 * time.Hour,
		SeenCapacity:             1000,
		PhoneContainment:         false,
		AccessCacheTTL:           time.Minute,
		AccessCacheSize:          2048,
		PermissionLookupParallel: 8,
	}
}

// Load reads configuration from environment variables.
func Load() *Config {
	def := DefaultLive()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),

		// Storage
		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/sales?sslmode=disable"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// CORS
		CORSOrigins: getListEnv("CORS_ORIGINS"),

		// Live engine
		Live: LiveConfig{
			Capacity:                 getIntEnv("LIVE_CAPACITY", def.Capacity),
			SourceLimit:              getIntEnv("LIVE_SOURCE_LIMIT", def.SourceLimit),
			CallTimeout:              getDurationEnv("LIVE_CALL_TIMEOUT", def.CallTimeout),
			Tick:                     getDurationEnv("LIVE_TICK", def.Tick),
			PauseReconcileTicks:      getIntEnv("LIVE_PAUSE_RECONCILE_TICKS", def.PauseReconcileTicks),
			ConversationReconcile:    getDurationEnv("LIVE_CONVERSATION_RECONCILE", def.ConversationReconcile),
			PauseGrace:               getDurationEnv("LIVE_PAUSE_GRACE", def.PauseGrace),
			PauseMax:                 getDurationEnv("LIVE_PAUSE_MAX", def.PauseMax),
			SeenCapacity:             getIntEnv("LIVE_SEEN_CAPACITY", def.SeenCapacity),
			PhoneContainment:         getBoolEnv("LIVE_PHONE_CONTAINMENT", def.PhoneContainment),
			AccessCacheTTL:           getDurationEnv("ACCESS_CACHE_TTL", def.AccessCacheTTL),
			AccessCacheSize:          getIntEnv("ACCESS_CACHE_SIZE", def.AccessCacheSize),
			PermissionLookupParallel: getIntEnv("ACCESS_LOOKUP_PARALLEL", def.PermissionLookupParallel),
		},

		// Sessions
		SessionIdleTimeout: getDurationEnv("SESSION_IDLE_TIMEOUT", 10*time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
