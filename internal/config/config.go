// Package config provides environment configuration for the relay.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Relay settings
	MaxConnections    int
	ConnectionTimeout time.Duration
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	MetricsInterval   time.Duration
	SnapshotTTL       time.Duration
	GraceWindow       time.Duration

	// Buffer settings
	BufferSize         int
	FlushThreshold     float64
	FlushMaxChunks     int
	FlushInterval      time.Duration
	FlushSweepInterval time.Duration
	TransformWorkers   int

	// Transform settings
	CompressionEnabled   bool
	CompressionAlgorithm string
	EncryptionEnabled    bool
	EncryptionKeyHex     string
	KeyRotationInterval  time.Duration

	// Storage
	DataDir string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// Upstream provider settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultProvider string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration
	StreamRateLimit   int

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0), // streams stay open

		// Relay
		MaxConnections:    getIntEnv("MAX_CONNECTIONS", 1000),
		ConnectionTimeout: getDurationEnv("CONNECTION_TIMEOUT", 5*time.Minute),
		HeartbeatInterval: getDurationEnv("HEARTBEAT_INTERVAL", 30*time.Second),
		CleanupInterval:   getDurationEnv("CLEANUP_INTERVAL", time.Minute),
		MetricsInterval:   getDurationEnv("METRICS_INTERVAL", 15*time.Second),
		SnapshotTTL:       getDurationEnv("SNAPSHOT_TTL", time.Minute),
		GraceWindow:       getDurationEnv("GRACE_WINDOW", 5*time.Second),

		// Buffer
		BufferSize:         getIntEnv("BUFFER_SIZE", 64*1024),
		FlushThreshold:     getFloatEnv("FLUSH_THRESHOLD", 0.8),
		FlushMaxChunks:     getIntEnv("FLUSH_MAX_CHUNKS", 256),
		FlushInterval:      getDurationEnv("FLUSH_INTERVAL", 2*time.Second),
		FlushSweepInterval: getDurationEnv("FLUSH_SWEEP_INTERVAL", time.Second),
		TransformWorkers:   getIntEnv("TRANSFORM_WORKERS", 4),

		// Transform
		CompressionEnabled:   getBoolEnv("COMPRESSION_ENABLED", true),
		CompressionAlgorithm: getEnv("COMPRESSION_ALGORITHM", "adaptive"),
		EncryptionEnabled:    getBoolEnv("ENCRYPTION_ENABLED", false),
		EncryptionKeyHex:     getEnv("ENCRYPTION_KEY", ""),
		KeyRotationInterval:  getDurationEnv("KEY_ROTATION_INTERVAL", 24*time.Hour),

		// Storage
		DataDir: getEnv("DATA_DIR", "./data"),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Upstream providers
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultProvider: getEnv("DEFAULT_PROVIDER", "anthropic"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		StreamRateLimit:   getIntEnv("STREAM_RATE_LIMIT", 10),

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

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
