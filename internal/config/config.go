package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser     string
	DBPass     string
	DBHost     string
	DBPort     string
	DBName     string
	SSLMode    string
	RedisHost  string
	RedisPort  string
	NatsHost   string
	NatsPort   string
	ApiPort    string
	ApiEnabled string

	// CommissionBps holds the referral percentage per level in basis
	// points, level 1 first. CommissionDepth bounds the referrer walk
	// regardless of chain shape.
	CommissionBps    []int32
	CommissionDepth  int
	CurrencyExponent int
}

// New loads and validates configuration from environment variables.
// HTTP server is optional: if SETTLO_API_ENABLED != "true", ApiAddr() returns
// an error and the HTTP server simply won't start. Postgres, Redis and NATS
// are all required — the engine cannot settle without its store, cache and bus.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:           os.Getenv("SETTLO_POSTGRES_USER"),
		DBPass:           os.Getenv("SETTLO_POSTGRES_PASSWORD"),
		DBHost:           os.Getenv("SETTLO_POSTGRES_HOST"),
		DBPort:           os.Getenv("SETTLO_POSTGRES_PORT"),
		DBName:           os.Getenv("SETTLO_POSTGRES_DB"),
		SSLMode:          os.Getenv("SETTLO_POSTGRES_SSLMODE"),
		RedisHost:        os.Getenv("SETTLO_REDIS_HOST"),
		RedisPort:        os.Getenv("SETTLO_REDIS_PORT"),
		NatsHost:         os.Getenv("SETTLO_NATS_HOST"),
		NatsPort:         os.Getenv("SETTLO_NATS_PORT"),
		ApiPort:          os.Getenv("SETTLO_API_PORT"),
		ApiEnabled:       os.Getenv("SETTLO_API_ENABLED"),
		CurrencyExponent: getEnvInt("SETTLO_CURRENCY_EXPONENT", 2),
	}

	// Required: database
	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: SETTLO_POSTGRES_USER/HOST/DB/SSLMODE")
	}

	// Required: redis
	if cfg.RedisHost == "" || cfg.RedisPort == "" {
		return nil, fmt.Errorf("missing required env for redis: SETTLO_REDIS_HOST/PORT")
	}

	// Required: nats
	if cfg.NatsHost == "" || cfg.NatsPort == "" {
		return nil, fmt.Errorf("missing required env for nats: SETTLO_NATS_HOST/PORT")
	}

	bps, err := parseBps(os.Getenv("SETTLO_COMMISSION_BPS"))
	if err != nil {
		return nil, err
	}
	cfg.CommissionBps = bps

	cfg.CommissionDepth = getEnvInt("SETTLO_COMMISSION_DEPTH", len(cfg.CommissionBps))
	if cfg.CommissionDepth < 0 {
		return nil, fmt.Errorf("SETTLO_COMMISSION_DEPTH must be >= 0, got %d", cfg.CommissionDepth)
	}
	if cfg.CommissionDepth > len(cfg.CommissionBps) {
		cfg.CommissionDepth = len(cfg.CommissionBps)
	}

	if cfg.CurrencyExponent < 0 {
		return nil, fmt.Errorf("SETTLO_CURRENCY_EXPONENT must be >= 0")
	}

	return cfg, nil
}

// parseBps parses a comma-separated list of per-level basis points,
// e.g. "1000,500,200" for 10%/5%/2%. The admin panel defaults apply
// when the variable is unset.
func parseBps(raw string) ([]int32, error) {
	if raw == "" {
		return []int32{1000, 500, 200}, nil
	}
	parts := strings.Split(raw, ",")
	bps := make([]int32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid SETTLO_COMMISSION_BPS entry %q: %w", p, err)
		}
		if v < 0 || v > 10000 {
			return nil, fmt.Errorf("SETTLO_COMMISSION_BPS entry %q out of range [0,10000]", p)
		}
		bps = append(bps, int32(v))
	}
	return bps, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if SETTLO_API_ENABLED != "true" — callers should skip
// starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("SETTLO_API_PORT is required when SETTLO_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (SETTLO_API_ENABLED != true)")
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}
