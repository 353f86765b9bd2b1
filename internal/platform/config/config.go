package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full process configuration.
type Config struct {
	Server      Server
	Database    DatabaseConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Gateway     GatewayConfig
	Credentials CredentialsConfig
	Log         LogConfig
	// Environment is "development", "staging" or "production".
	Environment string
	// AutoProcess runs the validation pipeline right after a remittance is created.
	AutoProcess bool
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// DatabaseConfig selects Postgres stores when URL is set; in-memory otherwise.
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig enables distributed per-id locks when URL is set.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LockExpiry   time.Duration
}

// KafkaConfig enables the audit outbox relay when Brokers is set.
type KafkaConfig struct {
	Brokers       []string
	AuditTopic    string
	RelayInterval time.Duration
}

// GatewayConfig configures the transmission gateway client.
// An empty URL selects the in-process stub gateway.
type GatewayConfig struct {
	URL                string
	Timeout            time.Duration
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
	TokenIssuer        string
}

// CredentialsConfig holds the key used to seal unit credentials at rest.
type CredentialsConfig struct {
	Key [32]byte
}

type LogConfig struct {
	Level  string
	Format string
}

// IsProduction reports whether the process runs in production.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// devCredentialsKey is used only outside production when CREDENTIALS_KEY is unset.
const devCredentialsKey = "6465762d6b65792d6368616e67652d6d652d696e2d70726f64756374696f6e21"

// FromEnv builds Config from environment variables, loading .env first when present.
func FromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		Server: Server{
			Addr:            envOr("FISCALBRIDGE_ADDR", ":8080"),
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			LockExpiry:   time.Minute,
		},
		Kafka: KafkaConfig{
			AuditTopic:    envOr("AUDIT_TOPIC", "fiscalbridge.audit"),
			RelayInterval: 2 * time.Second,
		},
		Gateway: GatewayConfig{
			URL:                os.Getenv("GATEWAY_URL"),
			Timeout:            30 * time.Second,
			BreakerMaxFailures: 5,
			BreakerOpenTimeout: 30 * time.Second,
			TokenIssuer:        envOr("GATEWAY_TOKEN_ISSUER", "fiscalbridge"),
		},
		Log: LogConfig{
			Level:  envOr("LOG_LEVEL", "info"),
			Format: os.Getenv("LOG_FORMAT"),
		},
		Environment: envOr("ENVIRONMENT", "development"),
		AutoProcess: os.Getenv("AUTO_PROCESS") == "true",
	}

	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, b)
			}
		}
	}

	var err error
	if cfg.Gateway.Timeout, err = durationEnv("GATEWAY_TIMEOUT", cfg.Gateway.Timeout); err != nil {
		return Config{}, err
	}
	if cfg.Gateway.BreakerOpenTimeout, err = durationEnv("GATEWAY_BREAKER_OPEN_TIMEOUT", cfg.Gateway.BreakerOpenTimeout); err != nil {
		return Config{}, err
	}
	if raw := os.Getenv("GATEWAY_BREAKER_MAX_FAILURES"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || n == 0 {
			return Config{}, fmt.Errorf("GATEWAY_BREAKER_MAX_FAILURES must be a positive integer")
		}
		cfg.Gateway.BreakerMaxFailures = uint32(n)
	}
	if cfg.Redis.LockExpiry, err = durationEnv("REDIS_LOCK_EXPIRY", cfg.Redis.LockExpiry); err != nil {
		return Config{}, err
	}

	keyHex := os.Getenv("CREDENTIALS_KEY")
	if keyHex == "" {
		if cfg.IsProduction() {
			return Config{}, fmt.Errorf("CREDENTIALS_KEY is required in production")
		}
		keyHex = devCredentialsKey
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 32 {
		return Config{}, fmt.Errorf("CREDENTIALS_KEY must be 32 bytes hex-encoded")
	}
	copy(cfg.Credentials.Key[:], key)

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration: %q", key, raw)
	}
	return d, nil
}
