package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment      string        `env:"APP_ENV" envDefault:"development"`
	Addr             string        `env:"API_ADDR" envDefault:":8000"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	StorageDriver    string        `env:"STORAGE_DRIVER" envDefault:"postgres"`
	DatabaseURL      string        `env:"DATABASE_URL" envDefault:"postgres://lab:lab@db:5432/lab?sslmode=disable"`
	MigrationsDir    string        `env:"DB_MIGRATIONS_DIR"`
	JWTSecret        string        `env:"JWT_SECRET" envDefault:"supersecuresecret"`
	AccessTokenTTL   time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"24h"`
	EncryptionKey    string        `env:"ENCRYPTION_KEY" envDefault:"supersecuresecret"`
	RedisAddr        string        `env:"REDIS_ADDR"`
	RedisPassword    string        `env:"REDIS_PASSWORD"`
	RedisDB          int           `env:"REDIS_DB" envDefault:"0"`
	NotifyChannel    string        `env:"NOTIFY_CHANNEL" envDefault:"cluster-status"`
	ReapInterval     time.Duration `env:"REAP_INTERVAL" envDefault:"5m"`
	WorkerPoolSize   int           `env:"WORKER_POOL_SIZE" envDefault:"4"`
	ProvisionTimeout time.Duration `env:"PROVISION_TIMEOUT" envDefault:"10m"`
	TeardownTimeout  time.Duration `env:"TEARDOWN_TIMEOUT" envDefault:"5m"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	DefaultTTLHours  int           `env:"DEFAULT_TTL_HOURS" envDefault:"1"`
	MaxTTLHours      int           `env:"MAX_TTL_HOURS" envDefault:"72"`
	DockerHost       string        `env:"DOCKER_HOST"`
	TerminalCommand  []string      `env:"TERMINAL_COMMAND" envSeparator:" " envDefault:"bash"`
	WSSendBuffer     int           `env:"WS_SEND_BUFFER" envDefault:"32"`

	RateLimitRedisAddr string `env:"RATE_LIMIT_REDIS_ADDR"`
	RateLimitRedisPass string `env:"RATE_LIMIT_REDIS_PASSWORD"`
	RateLimitRedisDB   int    `env:"RATE_LIMIT_REDIS_DB" envDefault:"0"`
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() (APIConfig, error) {
	var cfg APIConfig
	if err := ParseEnv(&cfg); err != nil {
		return APIConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return APIConfig{}, err
	}
	return cfg, nil
}

// Validate reports configuration the API cannot start with.
func (c APIConfig) Validate() error {
	var errs []error
	switch strings.ToLower(c.StorageDriver) {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.EncryptionKey == "" {
		errs = append(errs, errors.New("ENCRYPTION_KEY is required"))
	}
	if c.WorkerPoolSize < 1 {
		errs = append(errs, errors.New("WORKER_POOL_SIZE must be at least 1"))
	}
	if c.DefaultTTLHours < 1 || c.MaxTTLHours < c.DefaultTTLHours {
		errs = append(errs, errors.New("DEFAULT_TTL_HOURS must be between 1 and MAX_TTL_HOURS"))
	}
	if len(c.TerminalCommand) == 0 {
		errs = append(errs, errors.New("TERMINAL_COMMAND is required"))
	}
	return errors.Join(errs...)
}
