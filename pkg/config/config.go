// Package config loads the entitlement core's configuration from the
// environment, following the 12-factor pattern the rest of the repository
// uses: every setting has a sane default, and env vars override it.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable named in the external interface contract.
type Config struct {
	// DatabaseDSN is the sqlite DSN backing users, payment records and tasks.
	DatabaseDSN string

	// RedisAddr backs the rate limiter buckets.
	RedisAddr     string
	RedisPassword string

	// PaymentAddress is the case-folded recipient address payments must
	// be sent to. Never echoed back to clients.
	PaymentAddress string
	ChainRPCURL    string
	// MinConfirmations is configuration, not a recommendation.
	MinConfirmations int
	// AmountTolerance is the absolute epsilon, in native units, allowed
	// between the claimed and observed payment amount.
	AmountTolerance string

	// FreeTurnsDefault is F0, the free-turn grant on signup and reset.
	FreeTurnsDefault int

	RateLimitDefault int
	RateLimitAuth    int
	RateLimitTarot   int
	RateLimitChat    int
	RateLimitUpload  int

	TaskBrokerURL     string
	TaskResultBackend string

	HTTPAddr string

	// ChainRequestTimeout is loaded with a 10 second value. The chain
	// verifier does not read it: provider calls are bounded only by the
	// deadline of the context the caller passes in.
	ChainRequestTimeout time.Duration
}

// Load builds a Config from the environment, defaulting every field the
// way the teacher's dsn/addr constants default.
func Load() *Config {
	return &Config{
		DatabaseDSN:         getEnv("DATABASE_DSN", "file:arcana_entitlement.db?_pragma=busy_timeout=5000"),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		PaymentAddress:      strings.ToLower(getEnv("PAYMENT_ADDRESS", "0x0146311bdb312198b64c905fc249a35770dd9193")),
		ChainRPCURL:         getEnv("CHAIN_RPC_URL", "https://eth-mainnet.g.alchemy.com/v2/your-api-key"),
		MinConfirmations:    getEnvInt("MIN_CONFIRMATIONS", 1),
		AmountTolerance:     getEnv("AMOUNT_TOLERANCE", "0.0001"),
		FreeTurnsDefault:    getEnvInt("FREE_TURNS_DEFAULT", 3),
		RateLimitDefault:    getEnvInt("RATE_LIMITS_DEFAULT", 100),
		RateLimitAuth:       getEnvInt("RATE_LIMITS_AUTH", 5),
		RateLimitTarot:      getEnvInt("RATE_LIMITS_TAROT", 10),
		RateLimitChat:       getEnvInt("RATE_LIMITS_CHAT", 20),
		RateLimitUpload:     getEnvInt("RATE_LIMITS_UPLOAD", 5),
		TaskBrokerURL:       getEnv("TASK_BROKER_URL", "redis://localhost:6379/1"),
		TaskResultBackend:   getEnv("TASK_RESULT_BACKEND", "redis://localhost:6379/1"),
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		ChainRequestTimeout: 10 * time.Second,
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

