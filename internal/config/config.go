package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all application configuration.
type Config struct {
	ServiceName string
	Port        string
	LogLevel    string
	Database    DatabaseConfig
	Lock        LockConfig
	AMQP        AMQPConfig
	Resolver    ResolverConfig
	Recalc      RecalcConfig
	Notify      NotifyConfig
	Worker      WorkerConfig
	API         APIConfig
}

type DatabaseConfig struct {
	Driver      string // memory, sqlite, postgres
	DSN         string
	AutoMigrate bool
}

type LockConfig struct {
	Backend   string // memory, postgres, redis
	RedisAddr string
	RedisDB   int
	// TTL is how long a Redis claim outlives a crashed holder. Live holders
	// extend it every TTL/3.
	TTL time.Duration
}

type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

type ResolverConfig struct {
	CatalogTimeout  time.Duration
	CoalesceWindow  time.Duration
	FallbackWindow  time.Duration
	EstimatedPrices map[string]decimal.Decimal
	DisableFloor    bool
}

type RecalcConfig struct {
	Parallelism int
}

type NotifyConfig struct {
	MaxAttempts int
	BatchSize   int
}

type WorkerConfig struct {
	// Schedule is either an integer number of seconds or a standard cron
	// expression.
	Schedule  string
	Utilities []string
}

type APIConfig struct {
	DefaultRole string
}

// FromEnv builds a Config from environment variables, with sane defaults.
func FromEnv() (Config, error) {
	cfg := Config{
		ServiceName: getEnv("SERVICE_NAME", "utilitycost"),
		Port:        getEnv("PORT", "8000"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			Driver:      getEnv("UTILITYCOST_DB_DRIVER", "sqlite"),
			DSN:         getEnv("UTILITYCOST_DB_DSN", "utilitycost.db"),
			AutoMigrate: getEnvAsBool("UTILITYCOST_AUTO_MIGRATE", false),
		},
		Lock: LockConfig{
			Backend:   getEnv("LOCK_BACKEND", "memory"),
			RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
			RedisDB:   getEnvAsInt("REDIS_DB", 0),
		},
		AMQP: AMQPConfig{
			URL:        getEnv("AMQP_URL", ""),
			Exchange:   getEnv("AMQP_EXCHANGE", "utilitycost.notifications"),
			RoutingKey: getEnv("AMQP_ROUTING_KEY", "rate.notification.created"),
		},
		Resolver: ResolverConfig{
			EstimatedPrices: map[string]decimal.Decimal{
				"electricity": decimal.RequireFromString("4.50"),
				"water":       decimal.RequireFromString("15.00"),
			},
			DisableFloor: getEnvAsBool("RESOLVER_DISABLE_ESTIMATE", false),
		},
		Recalc: RecalcConfig{
			Parallelism: getEnvAsInt("RECALC_PARALLELISM", 4),
		},
		Notify: NotifyConfig{
			MaxAttempts: getEnvAsInt("NOTIFY_MAX_ATTEMPTS", 5),
			BatchSize:   getEnvAsInt("NOTIFY_BATCH_SIZE", 100),
		},
		Worker: WorkerConfig{
			Schedule:  getEnv("WORKER_SCHEDULE", "60"),
			Utilities: splitList(getEnv("WORKER_UTILITIES", "electricity,water")),
		},
		API: APIConfig{
			DefaultRole: getEnv("API_DEFAULT_ROLE", "viewer"),
		},
	}

	var err error
	if cfg.Lock.TTL, err = getEnvAsDuration("LOCK_TTL", 2*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.Resolver.CatalogTimeout, err = getEnvAsDuration("RESOLVER_CATALOG_TIMEOUT", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.Resolver.CoalesceWindow, err = getEnvAsDuration("COALESCE_WINDOW", 100*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.Resolver.FallbackWindow, err = getEnvAsDuration("FALLBACK_RECENCY_WINDOW", 90*24*time.Hour); err != nil {
		return cfg, err
	}

	for utility := range cfg.Resolver.EstimatedPrices {
		key := "ESTIMATED_PRICE_" + strings.ToUpper(utility)
		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", key, err)
		}
		cfg.Resolver.EstimatedPrices[utility] = price
	}

	switch cfg.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return cfg, fmt.Errorf("UTILITYCOST_DB_DRIVER %q is not supported", cfg.Database.Driver)
	}
	switch cfg.Lock.Backend {
	case "memory", "postgres", "redis":
	default:
		return cfg, fmt.Errorf("LOCK_BACKEND %q is not supported", cfg.Lock.Backend)
	}
	if cfg.Lock.Backend == "postgres" && cfg.Database.Driver != "postgres" {
		return cfg, fmt.Errorf("LOCK_BACKEND=postgres requires UTILITYCOST_DB_DRIVER=postgres")
	}
	if cfg.Recalc.Parallelism < 1 {
		cfg.Recalc.Parallelism = 1
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("250ms") or bare integer seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
