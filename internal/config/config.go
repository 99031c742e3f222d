package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// Config holds application configuration. It is loaded once in main and
// passed to the web handlers and the bot worker.
type Config struct {
	// Server
	ServerAddr string
	ServerPort int

	// Storage
	StoreDriver string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// JWT
	JWTSecret  string
	JWTIssuer  string
	SessionTTL time.Duration

	// Login tokens
	TokenTTL     time.Duration
	PollInterval time.Duration

	// Phone codes
	CodeTTL         time.Duration
	CodeDigits      int
	CodeMaxAttempts int
	CodeHashCost    int

	// Telegram
	TelegramBotToken    string
	TelegramBotUsername string
	TelegramAPIURL      string
	TelegramPollTimeout time.Duration

	// Redirects after the Telegram callback
	AuthSuccessRedirect string
	AuthLoginRedirect   string

	// Cookies
	CookieDomain string
	CookieSecure bool

	// Storage hygiene; SweepInterval 0 disables the sweeper.
	SweepInterval  time.Duration
	SweepRetention time.Duration

	MetricsEnabled bool
	// BotMetricsAddr is where the bot worker serves /metrics; empty disables it.
	BotMetricsAddr string

	LogLevel string

	RateLimit       RateLimitConfig
	SecurityHeaders SecurityHeadersConfig
	Validation      ValidationConfig
	SessionSecurity SessionSecurityConfig
}

// RateLimitConfig holds per-IP rate limits for each endpoint group.
type RateLimitConfig struct {
	Enabled bool

	// Login token issuance
	TokenRequestsPerMinute int
	TokenWindowMinutes     int

	// Status polling and the watch socket
	PollRequestsPerMinute int
	PollWindowMinutes     int

	// Phone code requests
	CodeRequestsPerWindow int
	CodeWindowMinutes     int

	// Phone code verification
	VerifyRequestsPerWindow int
	VerifyWindowMinutes     int

	// Authenticated profile endpoints
	ProfileRequestsPerMinute int
	ProfileWindowMinutes     int

	// Telegram login callback; over the limit it redirects to the login page
	CallbackRequestsPerMinute int
	CallbackWindowMinutes     int
}

// SecurityHeadersConfig holds response security header settings.
type SecurityHeadersConfig struct {
	Enabled            bool
	CSP                string
	HSTSMaxAge         int
	FrameOptions       string
	ContentTypeOptions string
	XSSProtection      string
	ReferrerPolicy     string
	PermissionsPolicy  string
}

// ValidationConfig holds request validation limits.
type ValidationConfig struct {
	MaxRequestBodySize int64
}

// SessionSecurityConfig holds web session hardening settings.
type SessionSecurityConfig struct {
	FingerprintEnabled bool
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		// Server defaults
		ServerAddr: getEnv("SERVER_ADDR", "0.0.0.0"),
		ServerPort: getEnvInt("SERVER_PORT", 8080),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StorePostgres)),

		// Database defaults
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "clubauth"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "clubauth:"),

		// JWT defaults
		JWTSecret:  getEnv("JWT_SECRET", ""),
		JWTIssuer:  getEnv("JWT_ISSUER", "clubauth"),
		SessionTTL: getEnvDuration("SESSION_TTL", 24*time.Hour),

		TokenTTL:     getEnvDuration("AUTH_TOKEN_TTL", 5*time.Minute),
		PollInterval: getEnvDuration("AUTH_POLL_INTERVAL", 2*time.Second),

		CodeTTL:         getEnvDuration("AUTH_CODE_TTL", 5*time.Minute),
		CodeDigits:      getEnvInt("AUTH_CODE_DIGITS", 6),
		CodeMaxAttempts: getEnvInt("AUTH_CODE_MAX_ATTEMPTS", 3),
		CodeHashCost:    getEnvInt("AUTH_CODE_HASH_COST", 0),

		TelegramBotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramBotUsername: strings.TrimPrefix(getEnv("TELEGRAM_BOT_USERNAME", ""), "@"),
		TelegramAPIURL:      getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
		TelegramPollTimeout: getEnvDuration("TELEGRAM_POLL_TIMEOUT", 30*time.Second),

		AuthSuccessRedirect: getEnv("AUTH_SUCCESS_REDIRECT", "/"),
		AuthLoginRedirect:   getEnv("AUTH_LOGIN_REDIRECT", "/login"),

		CookieDomain: getEnv("COOKIE_DOMAIN", ""),
		CookieSecure: getEnvBool("COOKIE_SECURE", false),

		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", 0),
		SweepRetention: getEnvDuration("SWEEP_RETENTION", 7*24*time.Hour),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		BotMetricsAddr: getEnv("BOT_METRICS_ADDR", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		RateLimit: RateLimitConfig{
			Enabled:                   getEnvBool("RATE_LIMIT_ENABLED", true),
			TokenRequestsPerMinute:    getEnvInt("RATE_LIMIT_TOKEN_REQUESTS", 10),
			TokenWindowMinutes:        getEnvInt("RATE_LIMIT_TOKEN_WINDOW_MINUTES", 1),
			PollRequestsPerMinute:     getEnvInt("RATE_LIMIT_POLL_REQUESTS", 120),
			PollWindowMinutes:         getEnvInt("RATE_LIMIT_POLL_WINDOW_MINUTES", 1),
			CodeRequestsPerWindow:     getEnvInt("RATE_LIMIT_CODE_REQUESTS", 3),
			CodeWindowMinutes:         getEnvInt("RATE_LIMIT_CODE_WINDOW_MINUTES", 15),
			VerifyRequestsPerWindow:   getEnvInt("RATE_LIMIT_VERIFY_REQUESTS", 10),
			VerifyWindowMinutes:       getEnvInt("RATE_LIMIT_VERIFY_WINDOW_MINUTES", 15),
			ProfileRequestsPerMinute:  getEnvInt("RATE_LIMIT_PROFILE_REQUESTS", 60),
			ProfileWindowMinutes:      getEnvInt("RATE_LIMIT_PROFILE_WINDOW_MINUTES", 1),
			CallbackRequestsPerMinute: getEnvInt("RATE_LIMIT_CALLBACK_REQUESTS", 30),
			CallbackWindowMinutes:     getEnvInt("RATE_LIMIT_CALLBACK_WINDOW_MINUTES", 1),
		},

		SecurityHeaders: SecurityHeadersConfig{
			Enabled:            getEnvBool("SECURITY_HEADERS_ENABLED", true),
			CSP:                getEnv("SECURITY_CSP", "default-src 'self'"),
			HSTSMaxAge:         getEnvInt("SECURITY_HSTS_MAX_AGE", 0),
			FrameOptions:       getEnv("SECURITY_FRAME_OPTIONS", "DENY"),
			ContentTypeOptions: getEnv("SECURITY_CONTENT_TYPE_OPTIONS", "nosniff"),
			XSSProtection:      getEnv("SECURITY_XSS_PROTECTION", "1; mode=block"),
			ReferrerPolicy:     getEnv("SECURITY_REFERRER_POLICY", "strict-origin-when-cross-origin"),
			PermissionsPolicy:  getEnv("SECURITY_PERMISSIONS_POLICY", ""),
		},

		Validation: ValidationConfig{
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 64*1024)),
		},

		SessionSecurity: SessionSecurityConfig{
			FingerprintEnabled: getEnvBool("SESSION_FINGERPRINT_ENABLED", false),
		},
	}

	switch cfg.StoreDriver {
	case StorePostgres, StoreRedis, StoreMemory:
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be one of postgres, redis, memory; got %q", cfg.StoreDriver)
	}
	if cfg.TokenTTL <= 0 || cfg.CodeTTL <= 0 {
		return nil, fmt.Errorf("AUTH_TOKEN_TTL and AUTH_CODE_TTL must be positive")
	}
	if cfg.CodeDigits < 4 || cfg.CodeDigits > 10 {
		return nil, fmt.Errorf("AUTH_CODE_DIGITS must be between 4 and 10")
	}

	return cfg, nil
}

// ValidateWeb checks the settings the web server needs.
func (c *Config) ValidateWeb() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.TelegramBotUsername == "" {
		return fmt.Errorf("TELEGRAM_BOT_USERNAME is required")
	}
	return nil
}

// ValidateBot checks the settings the bot worker needs.
func (c *Config) ValidateBot() error {
	if c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if c.StoreDriver == StoreMemory {
		return fmt.Errorf("the bot cannot share a memory store with the web server; use postgres or redis")
	}
	return nil
}

// HasTelegramDelivery returns true if the web server can send codes through the bot.
func (c *Config) HasTelegramDelivery() bool {
	return c.TelegramBotToken != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
