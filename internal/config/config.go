// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Wallet RPC settings. The timeout is generous because client wallets may
	// route through an anonymizing overlay with much higher latency than a
	// direct loopback hop would suggest.
	WalletRPCTimeout time.Duration
	WalletRPCRetries int

	// Multisig protocol settings. KeyExchangeRounds is the number of
	// key-exchange rounds between prepare and finalize; 2-of-3 needs two, but
	// the protocol round requirement is configuration, not control flow.
	KeyExchangeRounds int

	// Circuit breaker settings for wallet endpoints
	BreakerThreshold    int
	BreakerOpenDuration time.Duration

	// Rate limiting
	RateLimitRPM int

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultWalletRPCTimeout  = 30 * time.Second
	DefaultWalletRPCRetries  = 3
	DefaultKeyExchangeRounds = 2
	DefaultBreakerThreshold  = 5
	DefaultBreakerOpen       = 30 * time.Second
	DefaultRateLimit         = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		WalletRPCTimeout:    getEnvSeconds("WALLET_RPC_TIMEOUT_SECS", DefaultWalletRPCTimeout),
		WalletRPCRetries:    getEnvInt("WALLET_RPC_RETRIES", DefaultWalletRPCRetries),
		KeyExchangeRounds:   getEnvInt("KEY_EXCHANGE_ROUNDS", DefaultKeyExchangeRounds),
		BreakerThreshold:    getEnvInt("BREAKER_THRESHOLD", DefaultBreakerThreshold),
		BreakerOpenDuration: getEnvSeconds("BREAKER_OPEN_SECS", DefaultBreakerOpen),
		RateLimitRPM:        getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.WalletRPCTimeout <= 0 {
		return fmt.Errorf("WALLET_RPC_TIMEOUT_SECS must be positive")
	}
	if c.WalletRPCRetries < 0 {
		return fmt.Errorf("WALLET_RPC_RETRIES must not be negative")
	}
	if c.KeyExchangeRounds < 1 {
		return fmt.Errorf("KEY_EXCHANGE_ROUNDS must be at least 1")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
