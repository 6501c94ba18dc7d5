package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	JWTSecret    string
	SFUTokenSeed string
	RedisAddr    string
	SFUHealthAddr string
	Port         string
	DatabaseURL  string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisPassword string

	// Auth0 (existing, not validated here)
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate Limits
	RateLimitAPIGlobal   string
	RateLimitAPIPublic   string
	RateLimitAPIRooms    string
	RateLimitAPIMessages string
	RateLimitWsIP        string
	RateLimitWsUser      string

	// Meeting runtime timing (spec.md §6 "Configuration")
	HeartbeatCadenceSec    int
	HeartbeatDBCoalesceSec int
	HeartbeatGraceSec      int
	StaleSweepSec          int
	HandRaiseTTLSec        int
	SFUTokenTTLSec         int
	InviteCodeLen          int

	// FileStore (S3-compatible, recordings)
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: JWT_SECRET (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: SFU_HEALTH_ADDR (format: host:port) - the external SFU's gRPC health endpoint
	cfg.SFUHealthAddr = os.Getenv("SFU_HEALTH_ADDR")
	if cfg.SFUHealthAddr == "" {
		errors = append(errors, "SFU_HEALTH_ADDR is required")
	} else if !isValidHostPort(cfg.SFUHealthAddr) {
		errors = append(errors, fmt.Sprintf("SFU_HEALTH_ADDR must be in format 'host:port' (got '%s')", cfg.SFUHealthAddr))
	}

	// Required: SFU_TOKEN_SEED - HMAC signing secret for minted SFU join tokens (§4.6).
	// Deliberately distinct from JWT_SECRET: the realtime-channel credential and the
	// SFU credential must never be interchangeable (see spec "Auth tokens" design note).
	cfg.SFUTokenSeed = os.Getenv("SFU_TOKEN_SEED")
	if cfg.SFUTokenSeed == "" {
		errors = append(errors, "SFU_TOKEN_SEED is required")
	} else if len(cfg.SFUTokenSeed) < 32 {
		errors = append(errors, fmt.Sprintf("SFU_TOKEN_SEED must be at least 32 characters (got %d)", len(cfg.SFUTokenSeed)))
	}

	// Required: DATABASE_URL - the document store connection string
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errors = append(errors, "DATABASE_URL is required")
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			// Default to localhost:6379 if not specified
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Existing variables (not validated here, kept for compatibility)
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitAPIMessages = getEnvOrDefault("RATE_LIMIT_API_MESSAGES", "500-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	// Meeting runtime timing, defaults per spec.md §6
	cfg.HeartbeatCadenceSec = getEnvOrDefaultInt("HEARTBEAT_CADENCE_SEC", 10)
	cfg.HeartbeatDBCoalesceSec = getEnvOrDefaultInt("HEARTBEAT_DB_COALESCE_SEC", 30)
	cfg.HeartbeatGraceSec = getEnvOrDefaultInt("HEARTBEAT_GRACE_SEC", 45)
	cfg.StaleSweepSec = getEnvOrDefaultInt("STALE_SWEEP_SEC", 150)
	cfg.HandRaiseTTLSec = getEnvOrDefaultInt("HAND_RAISE_TTL_SEC", 120)
	cfg.SFUTokenTTLSec = getEnvOrDefaultInt("SFU_TOKEN_TTL_SEC", 3600)
	cfg.InviteCodeLen = getEnvOrDefaultInt("INVITE_CODE_LEN", 8)
	if cfg.HeartbeatGraceSec >= cfg.StaleSweepSec {
		errors = append(errors, fmt.Sprintf("HEARTBEAT_GRACE_SEC (%d) must be less than STALE_SWEEP_SEC (%d) so per-participant watchdogs fire before the sweeper", cfg.HeartbeatGraceSec, cfg.StaleSweepSec))
	}

	cfg.S3Bucket = os.Getenv("RECORDINGS_S3_BUCKET")
	cfg.S3Region = getEnvOrDefault("RECORDINGS_S3_REGION", "us-east-1")
	cfg.S3Endpoint = os.Getenv("RECORDINGS_S3_ENDPOINT")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"sfu_token_seed", redactSecret(cfg.SFUTokenSeed),
		"port", cfg.Port,
		"sfu_health_addr", cfg.SFUHealthAddr,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"rate_limit_api_global", cfg.RateLimitAPIGlobal,
		"heartbeat_grace_sec", cfg.HeartbeatGraceSec,
		"stale_sweep_sec", cfg.StaleSweepSec,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns the integer value of the environment variable or a default value.
// Invalid integers fall back to the default rather than failing validation; timing knobs are
// tuning parameters, not safety-critical like JWT_SECRET or PORT.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		slog.Warn("invalid integer env var, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
