// Package config provides configuration loading and management for the application.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the process settings, read from the environment
type Config struct {
	// HTTP server port
	Port string

	// DataDir holds the LevelDB store; empty keeps state in memory
	DataDir string

	// ParamsFile is the TOML ledger parameter file
	ParamsFile string

	// OracleURL points at a remote tier-lock service. Empty serves the in-process
	// registry under /tierlock instead.
	OracleURL    string
	OracleAPIKey string

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// SigningKey is the hex secp256k1 key used to sign audit reports
	SigningKey string

	// Timeouts and circuit breaker settings
	RequestTimeout     time.Duration
	CircuitResetDelay  time.Duration
	MaxOracleFailures  int
	MaxTierIntervals   int
	NonceRetention     time.Duration
	AuditInterval      time.Duration
	RateLimitRPS       float64
	RateLimitBurst     int
	EnableMetrics      bool
	ExportWebhookURL   string
	ExportWebhookKey   string
	ExportBatchSize    int
	ExportInterval     time.Duration
	ShutdownTimeout    time.Duration
	MaxRequestBodySize int64

	// The head block is BlockAnchor plus the whole BlockIntervals elapsed since
	// BlockAnchorTime (unix seconds, zero means process start). Calls beyond it are refused.
	BlockAnchor     uint64
	BlockAnchorTime int64
	BlockInterval   time.Duration
}

// Load creates a new Config from environment variables
func Load() Config {
	return Config{
		Port:               GetEnvOrDefault("PORT", "8080"),
		DataDir:            GetEnvOrDefault("DATA_DIR", ""),
		ParamsFile:         GetEnvOrDefault("LEDGER_CONFIG", ""),
		OracleURL:          GetEnvOrDefault("TIER_ORACLE_URL", ""),
		OracleAPIKey:       GetEnvOrDefault("TIER_ORACLE_API_KEY", ""),
		OtelEndpoint:       GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		SigningKey:         GetEnvOrDefault("LEDGER_SIGNING_KEY", ""),
		RequestTimeout:     GetEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		CircuitResetDelay:  GetEnvAsDuration("CIRCUIT_RESET_DELAY", 30*time.Second),
		MaxOracleFailures:  GetEnvAsInt("MAX_ORACLE_FAILURES", 5),
		MaxTierIntervals:   GetEnvAsInt("MAX_TIER_INTERVALS", 1024),
		NonceRetention:     GetEnvAsDuration("NONCE_RETENTION", 7*24*time.Hour),
		AuditInterval:      GetEnvAsDuration("AUDIT_INTERVAL", 5*time.Minute),
		RateLimitRPS:       GetEnvAsFloat("RATE_LIMIT_RPS", 100),
		RateLimitBurst:     GetEnvAsInt("RATE_LIMIT_BURST", 200),
		EnableMetrics:      GetEnvAsBool("ENABLE_METRICS", true),
		ExportWebhookURL:   GetEnvOrDefault("EXPORT_WEBHOOK_URL", ""),
		ExportWebhookKey:   GetEnvOrDefault("EXPORT_WEBHOOK_API_KEY", ""),
		ExportBatchSize:    GetEnvAsInt("EXPORT_BATCH_SIZE", 100),
		ExportInterval:     GetEnvAsDuration("EXPORT_INTERVAL", time.Minute),
		ShutdownTimeout:    GetEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxRequestBodySize: int64(GetEnvAsInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		BlockAnchor:        uint64(GetEnvAsInt("BLOCK_ANCHOR", 0)),
		BlockAnchorTime:    int64(GetEnvAsInt("BLOCK_ANCHOR_TIME", 0)),
		BlockInterval:      GetEnvAsDuration("BLOCK_INTERVAL", 13*time.Second),
	}
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists && value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		} else {
			logrus.Warnf("Invalid integer in %s: %v, using default: %v", key, err, defaultValue)
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists && value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		} else {
			logrus.Warnf("Invalid float in %s: %v, using default: %v", key, err, defaultValue)
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		} else {
			logrus.Warnf("Invalid boolean in %s: %v, using default: %v", key, err, defaultValue)
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists && value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		} else {
			logrus.Warnf("Invalid duration in %s: %v, using default: %v", key, err, defaultValue)
		}
	}
	return defaultValue
}
