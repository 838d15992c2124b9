package config

import (
	"fmt"
	"github.com/RezaEskandarii/rollqueue/custom_errors"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"os"
	"time"
)

// envConfig mirrors Config as environment variables. Only DATABASE_URL, CATEGORY and
// PROVIDER_TOKEN are required; everything else falls back to the package defaults.
type envConfig struct {
	DatabaseURL  string `env:"DATABASE_URL,required,notEmpty"`
	SSLMode      string `env:"DB_SSLMODE" envDefault:"require"`
	MaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns int    `env:"DB_MAX_IDLE_CONNS" envDefault:"2"`

	Instance       string        `env:"INSTANCE"`
	Category       string        `env:"CATEGORY,required,notEmpty"`
	BatchSize      int           `env:"BATCH_SIZE" envDefault:"10"`
	PollIntervalMS int           `env:"POLL_INTERVAL_MS" envDefault:"2000"`
	CommitMode     CommitMode    `env:"COMMIT_MODE" envDefault:"two_phase"`
	OverlapPolicy  OverlapPolicy `env:"OVERLAP_POLICY" envDefault:"skip"`
	StaleAfter     time.Duration `env:"STALE_AFTER" envDefault:"10m"`
	ActionTimeout  time.Duration `env:"ACTION_TIMEOUT" envDefault:"15s"`

	ProviderURL   string `env:"PROVIDER_URL" envDefault:"http://localhost:8081"`
	ProviderToken string `env:"PROVIDER_TOKEN,required,notEmpty,unset"`

	MetricsAddr string `env:"METRICS_ADDR"`

	Notify envNotifyConfig

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

type envNotifyConfig struct {
	NotifyDriver       NotifyDriver `env:"NOTIFY_DRIVER" envDefault:"none"`
	RabbitMQURL        string       `env:"RABBITMQ_URL"`
	RabbitMQExchange   string       `env:"RABBITMQ_EXCHANGE" envDefault:"rollqueue"`
	RabbitMQQueue      string       `env:"RABBITMQ_QUEUE" envDefault:"rollqueue.outcomes"`
	RabbitMQRoutingKey string       `env:"RABBITMQ_ROUTING_KEY" envDefault:"outcome"`
	RedisAddress       string       `env:"REDIS_ADDRESS"`
	RedisPassword      string       `env:"REDIS_PASSWORD,unset"`
	RedisDB            int          `env:"REDIS_DB" envDefault:"0"`
	RedisChannel       string       `env:"REDIS_CHANNEL" envDefault:"rollqueue.outcomes"`
}

func (e envNotifyConfig) options() []Option {
	switch e.NotifyDriver {
	case RabbitMQ:
		return []Option{WithRabbitMQConfig(RabbitMQConfig{
			URL:        e.RabbitMQURL,
			Exchange:   e.RabbitMQExchange,
			Queue:      e.RabbitMQQueue,
			RoutingKey: e.RabbitMQRoutingKey,
		})}
	case Redis:
		return []Option{WithRedisConfig(RedisConfig{
			Address:  e.RedisAddress,
			Password: e.RedisPassword,
			DB:       e.RedisDB,
			Channel:  e.RedisChannel,
		})}
	}
	return nil
}

// FromEnv builds a Config from the process environment. Options in overrides are
// applied after the environment, so command-line flags win.
func FromEnv(overrides ...Option) (*Config, error) {
	var e envConfig
	if err := env.Parse(&e); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	instance := e.Instance
	if instance == "" {
		instance = DefaultInstance()
	}

	opts := []Option{
		WithCategory(e.Category),
		WithBatchSize(e.BatchSize),
		WithPollInterval(e.PollIntervalMS),
		WithCommitMode(e.CommitMode),
		WithOverlapPolicy(e.OverlapPolicy),
		WithStaleAfter(e.StaleAfter),
		WithActionTimeout(e.ActionTimeout),
		WithPostgresConfig(PostgresConfig{
			ConnectionUrl: e.DatabaseURL,
			SSLMode:       e.SSLMode,
			MaxOpenConns:  e.MaxOpenConns,
			MaxIdleConns:  e.MaxIdleConns,
		}),
		WithProviderConfig(ProviderConfig{URL: e.ProviderURL, Token: e.ProviderToken}),
		WithMetricsAddr(e.MetricsAddr),
		WithLogging(e.LogLevel, e.LogFormat),
	}

	opts = append(opts, e.Notify.options()...)

	return NewConfig(instance, append(opts, overrides...)...)
}

// DefaultInstance names a consumer after its host plus a random suffix so that
// two processes on one machine still write distinct claimed_by values.
func DefaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "rollqueue"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

type envPostgresConfig struct {
	DatabaseURL  string `env:"DATABASE_URL,required,notEmpty"`
	SSLMode      string `env:"DB_SSLMODE" envDefault:"require"`
	MaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns int    `env:"DB_MAX_IDLE_CONNS" envDefault:"2"`
}

// PostgresFromEnv reads only the database settings, for commands that never call the provider.
func PostgresFromEnv() (PostgresConfig, error) {
	var e envPostgresConfig
	if err := env.Parse(&e); err != nil {
		return PostgresConfig{}, fmt.Errorf("read environment: %w", err)
	}

	cfg := &Config{}
	err := WithPostgresConfig(PostgresConfig{
		ConnectionUrl: e.DatabaseURL,
		SSLMode:       e.SSLMode,
		MaxOpenConns:  e.MaxOpenConns,
		MaxIdleConns:  e.MaxIdleConns,
	})(cfg)
	if err != nil {
		return PostgresConfig{}, err
	}
	return cfg.PostgresConfig, nil
}

// NotifyFromEnv reads only the outcome broker settings.
func NotifyFromEnv() (NotifySettings, error) {
	var e envNotifyConfig
	if err := env.Parse(&e); err != nil {
		return NotifySettings{}, fmt.Errorf("read environment: %w", err)
	}

	cfg := &Config{RedisConfig: RedisConfig{Channel: DefaultNotifyChannel}}
	validationErrs := &custom_errors.ValidationError{}
	for _, opt := range e.options() {
		validationErrs.Add(opt(cfg))
	}
	if validationErrs.HasError() {
		return NotifySettings{}, validationErrs
	}
	return cfg.Notify(), nil
}
