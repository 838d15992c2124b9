package app

import (
	"database/sql"
	"github.com/RezaEskandarii/rollqueue/internal/action"
	"github.com/RezaEskandarii/rollqueue/internal/message_broker"
	"github.com/RezaEskandarii/rollqueue/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// ContainerOption configures Container creation. Used for testing and customization.
type ContainerOption func(*containerConfig)

type containerConfig struct {
	db       *sql.DB
	redis    *redis.Client
	store    store.JobStore
	provider action.Provider
	broker   message_broker.MessageBroker
	registry *prometheus.Registry
}

// WithDB injects a database connection instead of opening one from config.
func WithDB(db *sql.DB) ContainerOption {
	return func(c *containerConfig) {
		c.db = db
	}
}

// WithRedis injects a Redis client for outcome notifications.
func WithRedis(redis *redis.Client) ContainerOption {
	return func(c *containerConfig) {
		c.redis = redis
	}
}

// WithStore replaces the PostgreSQL job store. No database connection is opened when set.
func WithStore(s store.JobStore) ContainerOption {
	return func(c *containerConfig) {
		c.store = s
	}
}

// WithProvider replaces the HTTP action provider.
func WithProvider(p action.Provider) ContainerOption {
	return func(c *containerConfig) {
		c.provider = p
	}
}

// WithMessageBroker replaces the broker selected by the notify driver.
func WithMessageBroker(b message_broker.MessageBroker) ContainerOption {
	return func(c *containerConfig) {
		c.broker = b
	}
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) ContainerOption {
	return func(c *containerConfig) {
		c.registry = reg
	}
}
