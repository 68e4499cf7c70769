package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseDSN            string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL            string `env:"RABBITMQ_URL,required=true"`
	RedisURL               string `env:"REDIS_URL,required=true"`
	ProvidersFile          string `env:"PROVIDERS_FILE,default=configs/providers.yaml"`
	APIPort                int    `env:"API_PORT,default=8080"`
	LogLevel               string `env:"LOG_LEVEL,default=info"`
	LogFile                string `env:"LOG_FILE"`
	LogMaxSizeMB           int    `env:"LOG_MAX_SIZE_MB,default=100"`
	LogMaxBackups          int    `env:"LOG_MAX_BACKUPS,default=5"`
	LogMaxAgeDays          int    `env:"LOG_MAX_AGE_DAYS,default=14"`
	WorkerConcurrency      int    `env:"WORKER_CONCURRENCY,default=16"`
	BatchConcurrency       int    `env:"BATCH_CONCURRENCY,default=8"`
	ProviderTimeoutSeconds int    `env:"PROVIDER_TIMEOUT_SECONDS,default=30"`
	RetryMax               int    `env:"RETRY_MAX,default=3"`
	// go-env splits tag options on commas, so the default uses "|". Both separators parse.
	RetryBackoff           string `env:"RETRY_BACKOFF,default=30s|60s|120s"`
	RetryUnknown           bool   `env:"RETRY_UNKNOWN,default=false"`
	HealthTTLSeconds       int    `env:"HEALTH_TTL_SECONDS,default=60"`
	WebhookMaxRetries      int    `env:"WEBHOOK_MAX_RETRIES,default=3"`
	WebhookBaseURL         string `env:"WEBHOOK_BASE_URL"`
	LockTTLSeconds         int    `env:"LOCK_TTL_SECONDS,default=300"`
	ScanIntervalSeconds    int    `env:"SCAN_INTERVAL_SECONDS,default=5"`
	// OwnerTypes lists accepted owner types, comma separated. Empty accepts any.
	OwnerTypes string `env:"OWNER_TYPES"`
}

// Load reads the process environment, preloading a .env file when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if _, err := cfg.RetryBackoffSchedule(); err != nil {
		return nil, err
	}
	if cfg.RetryMax < 0 {
		return nil, fmt.Errorf("failed to load config: RETRY_MAX must be >= 0")
	}

	return &cfg, nil
}

func (c *Config) OwnerTypeList() []string {
	var out []string
	for _, t := range strings.Split(c.OwnerTypes, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (c *Config) ProviderTimeout() time.Duration {
	return secondsOr(c.ProviderTimeoutSeconds, 30)
}

func (c *Config) HealthTTL() time.Duration {
	return secondsOr(c.HealthTTLSeconds, 60)
}

func (c *Config) LockTTL() time.Duration {
	return secondsOr(c.LockTTLSeconds, 300)
}

func (c *Config) ScanInterval() time.Duration {
	return secondsOr(c.ScanIntervalSeconds, 5)
}

// RetryBackoffSchedule parses RETRY_BACKOFF, e.g. "30s|60s|120s".
func (c *Config) RetryBackoffSchedule() ([]time.Duration, error) {
	return ParseBackoff(c.RetryBackoff)
}

// ParseBackoff parses an ordered delay list separated by "|" or ",".
func ParseBackoff(raw string) ([]time.Duration, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '|' || r == ','
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("failed to load config: retry backoff is empty")
	}

	schedule := make([]time.Duration, 0, len(fields))
	for _, field := range fields {
		d, err := time.ParseDuration(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("failed to load config: invalid retry backoff %q: %w", field, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("failed to load config: retry backoff %q must be positive", field)
		}
		schedule = append(schedule, d)
	}
	return schedule, nil
}

func secondsOr(value int, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}
