package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vibespeak/realtime/internal/v1/logging"
)

// Config holds validated environment configuration
type Config struct {
	// HTTP + UDP listeners
	Port      string
	WsPort    string // optional dedicated listener for /ws; empty means shared with Port
	VoicePort string

	// Secrets
	JWTSecret         string
	JWTSecretPrevious string
	VoiceMasterKey    string // 64 hex chars

	// Environment
	GoEnv    string
	LogLevel string

	// SkipAuth disables token verification on the signaling plane. Only
	// honored outside production.
	SkipAuth bool

	AllowedOrigins string

	// Redis bus
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Rate limits (ulule formatted rates)
	RateLimitWsIp   string
	RateLimitWsUser string

	// UDP ingress flood guard
	UDPHelloRate  int // HELLO datagrams per second per source IP
	UDPHelloBurst int
	UDPGlobalRate int // total datagrams per second

	// Admin surface
	AdminTokenSubjects []string
}

// IsProduction reports whether strict validation applies. Either GO_ENV or
// NODE_ENV set to "production" enables it.
func (c *Config) IsProduction() bool {
	return c.GoEnv == "production"
}

// ValidateEnv validates all environment variables and returns a Config object.
// All problems are collected so a misconfigured deploy reports everything at
// once. In development, missing secrets are generated with a warning; in
// production they are fatal.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// GO_ENV / NODE_ENV (defaults to "development"; production opts in to strict checks)
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = os.Getenv("NODE_ENV")
	}
	if cfg.GoEnv == "" {
		cfg.GoEnv = "development"
	}

	// PORT (HTTP + WS listener)
	cfg.Port = getEnvOrDefault("PORT", "8080")
	if !isValidPort(cfg.Port) {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// WS_PORT (optional dedicated /ws listener)
	cfg.WsPort = os.Getenv("WS_PORT")
	if cfg.WsPort != "" && !isValidPort(cfg.WsPort) {
		errs = append(errs, fmt.Sprintf("WS_PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.WsPort))
	}
	if cfg.WsPort == cfg.Port {
		cfg.WsPort = ""
	}

	// VOICE_PORT (UDP relay listener)
	cfg.VoicePort = getEnvOrDefault("VOICE_PORT", "9988")
	if !isValidPort(cfg.VoicePort) {
		errs = append(errs, fmt.Sprintf("VOICE_PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.VoicePort))
	}

	// JWT_SECRET (minimum 32 characters; mandatory in production)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		if cfg.IsProduction() {
			errs = append(errs, "JWT_SECRET is required in production")
		} else {
			cfg.JWTSecret = generateHexKey(32)
			logging.Warn(nil, "JWT_SECRET not set, generated an ephemeral development secret; tokens will not survive restarts")
		}
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}
	cfg.JWTSecretPrevious = os.Getenv("JWT_SECRET_PREVIOUS")

	// VOICE_MASTER_KEY (64 hex chars; mandatory in production)
	cfg.VoiceMasterKey = os.Getenv("VOICE_MASTER_KEY")
	if cfg.VoiceMasterKey == "" {
		if cfg.IsProduction() {
			errs = append(errs, "VOICE_MASTER_KEY is required in production")
		} else {
			cfg.VoiceMasterKey = generateHexKey(32)
			logging.Warn(nil, "VOICE_MASTER_KEY not set, generated an ephemeral development key; voice sessions will not survive restarts")
		}
	} else if !isHexKey(cfg.VoiceMasterKey, 64) {
		errs = append(errs, fmt.Sprintf("VOICE_MASTER_KEY must be exactly 64 hex characters (got %d)", len(cfg.VoiceMasterKey)))
	}

	// LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// SKIP_AUTH (development only; refusing to boot beats a silent bypass)
	cfg.SkipAuth = getEnvBool("SKIP_AUTH", false)
	if cfg.SkipAuth && cfg.IsProduction() {
		errs = append(errs, "SKIP_AUTH cannot be enabled in production")
	}

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = getEnvBool("REDIS_ENABLED", false)
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			logging.Warn(nil, "REDIS_ADDR not set, using default", zap.String("addr", cfg.RedisAddr))
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
		cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	}

	// Rate limits (M = Minute, H = Hour)
	cfg.RateLimitWsIp = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	// UDP flood guard
	cfg.UDPHelloRate = getEnvInt("UDP_HELLO_RATE", 5)
	cfg.UDPHelloBurst = getEnvInt("UDP_HELLO_BURST", 10)
	cfg.UDPGlobalRate = getEnvInt("UDP_GLOBAL_RATE", 50000)
	if cfg.UDPHelloRate < 1 {
		errs = append(errs, fmt.Sprintf("UDP_HELLO_RATE must be positive (got %d)", cfg.UDPHelloRate))
	}
	if cfg.UDPGlobalRate < 1 {
		errs = append(errs, fmt.Sprintf("UDP_GLOBAL_RATE must be positive (got %d)", cfg.UDPGlobalRate))
	}

	// Admin allowlist (comma-separated token subjects)
	if raw := os.Getenv("ADMIN_TOKEN_SUBJECTS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.AdminTokenSubjects = append(cfg.AdminTokenSubjects, s)
			}
		}
	}

	// If there are validation errors, return them
	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidPort checks a bare port string.
func isValidPort(p string) bool {
	port, err := strconv.Atoi(p)
	return err == nil && port >= 1 && port <= 65535
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

// isHexKey checks for an exact-length lowercase/uppercase hex string.
func isHexKey(s string, length int) bool {
	if len(s) != length {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// generateHexKey returns n random bytes hex-encoded (2n chars).
func generateHexKey(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	logging.Info(nil, "environment configuration validated",
		zap.String("port", cfg.Port),
		zap.String("ws_port", cfg.WsPort),
		zap.String("voice_port", cfg.VoicePort),
		zap.String("jwt_secret", redactSecret(cfg.JWTSecret)),
		zap.String("voice_master_key", redactSecret(cfg.VoiceMasterKey)),
		zap.String("go_env", cfg.GoEnv),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("skip_auth", cfg.SkipAuth),
		zap.Bool("redis_enabled", cfg.RedisEnabled),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("rate_limit_ws_ip", cfg.RateLimitWsIp),
		zap.Int("udp_hello_rate", cfg.UDPHelloRate),
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt parses an integer environment variable, falling back on absence
// or parse failure.
func getEnvInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		logging.Warn(nil, "invalid integer environment variable, using default",
			zap.String("key", key), zap.String("value", value), zap.Int("default", defaultValue))
		return defaultValue
	}
	return n
}

// getEnvBool parses a boolean environment variable. Anything strconv refuses
// falls back to the default; only explicit truthy values enable a flag.
func getEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
