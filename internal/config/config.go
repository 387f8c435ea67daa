package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort        string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	StoreDriver    string // postgres or memory
	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string
	MigrationsPath string
	LockTimeout    time.Duration

	RedisAddr     string // empty disables Redis
	RedisPassword string
	CacheTTL      time.Duration

	KafkaBrokers []string // empty disables Kafka
	OrderTopic   string

	JWTSecret    string
	SecureCookie bool

	Currency            string
	TrackingBaseURL     string
	PaymentBaseURL      string
	CheckoutIdleTimeout time.Duration
	CheckoutMaxLifetime time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the environment. Values from a .env file
// in the working directory fill in what the environment leaves unset.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		RequestTimeout:  getDuration("REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		StoreDriver:    getEnv("STORE_DRIVER", "memory"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", "postgres"),
		DBName:         getEnv("DB_NAME", "checkout"),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "internal/repository/migrations"),
		LockTimeout:    getDuration("LOCK_TIMEOUT", 3*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		CacheTTL:      getDuration("CART_CACHE_TTL", 10*time.Minute),

		KafkaBrokers: getList("KAFKA_BROKERS"),
		OrderTopic:   getEnv("ORDER_TOPIC", "orders.placed"),

		JWTSecret:    getEnv("JWT_SECRET", ""),
		SecureCookie: getBool("SECURE_COOKIE", false),

		Currency:            getEnv("CURRENCY", "EUR"),
		TrackingBaseURL:     getEnv("TRACKING_BASE_URL", "http://localhost:8080/api/v1/orders/track"),
		PaymentBaseURL:      getEnv("PAYMENT_BASE_URL", "http://localhost:8080/pay"),
		CheckoutIdleTimeout: getDuration("CHECKOUT_IDLE_TIMEOUT", 30*time.Minute),
		CheckoutMaxLifetime: getDuration("CHECKOUT_MAX_LIFETIME", 2*time.Hour),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("LOCK_TIMEOUT must be positive"))
	}
	if c.CheckoutIdleTimeout <= 0 || c.CheckoutMaxLifetime < c.CheckoutIdleTimeout {
		errs = append(errs, errors.New("CHECKOUT_MAX_LIFETIME must be at least CHECKOUT_IDLE_TIMEOUT"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
