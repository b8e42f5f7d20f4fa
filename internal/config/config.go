package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API process. Values
// come from environment variables with defaults that let the binary run
// locally on memory-backed stores without any setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisNamespace string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	// AverageSpeedKmh feeds the travel time estimate shown to customers.
	AverageSpeedKmh float64
	// PresenceTTL is how stale a collector heartbeat may be before the
	// collector stops receiving work. Zero disables the check.
	PresenceTTL time.Duration

	DispatchAttempts   int
	DispatchRetryDelay time.Duration
	SweepInterval      time.Duration
	SweepMinAge        time.Duration

	// WebhookURL, when set, receives a POST for every job change so an
	// external app backend can fan out its own notifications.
	WebhookURL string

	// PaymentCurrency is the ISO currency code used for payment holds.
	PaymentCurrency string

	LogLevel  string
	LogFormat string

	RunMigrations bool
	MigrationsDir string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisNamespace:     "mbalit",
		KafkaTopic:         "collector-presence",
		AverageSpeedKmh:    30,
		PresenceTTL:        90 * time.Second,
		DispatchAttempts:   3,
		DispatchRetryDelay: 30 * time.Second,
		SweepInterval:      time.Minute,
		SweepMinAge:        2 * time.Minute,
		PaymentCurrency:    "gmd",
		LogLevel:           "info",
		LogFormat:          "json",
		MigrationsDir:      "migrations",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisNamespace, "REDIS_NAMESPACE")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.AverageSpeedKmh, "AVERAGE_SPEED_KMH", &errs)
	setDurationFromEnv(&cfg.PresenceTTL, "PRESENCE_TTL", &errs)
	setIntFromEnv(&cfg.DispatchAttempts, "DISPATCH_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.DispatchRetryDelay, "DISPATCH_RETRY_DELAY", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.SweepMinAge, "SWEEP_MIN_AGE", &errs)

	setStringFromEnv(&cfg.WebhookURL, "WEBHOOK_URL")
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	if cfg.AverageSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("AVERAGE_SPEED_KMH must be > 0"))
	}
	if cfg.DispatchAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_ATTEMPTS must be > 0"))
	}
	if cfg.DispatchRetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RETRY_DELAY must be > 0"))
	}
	if cfg.PresenceTTL < 0 {
		errs = append(errs, fmt.Errorf("PRESENCE_TTL must not be negative"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
