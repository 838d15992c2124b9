package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/rollqueue/internal/action"
	"github.com/RezaEskandarii/rollqueue/internal/consumer"
	"github.com/RezaEskandarii/rollqueue/internal/db"
	"github.com/RezaEskandarii/rollqueue/internal/lock"
	"github.com/RezaEskandarii/rollqueue/internal/message_broker"
	"github.com/RezaEskandarii/rollqueue/internal/metrics"
	"github.com/RezaEskandarii/rollqueue/internal/processor"
	"github.com/RezaEskandarii/rollqueue/internal/scheduler"
	"github.com/RezaEskandarii/rollqueue/internal/store"
	"github.com/RezaEskandarii/rollqueue/internal/store/postgres"
	"github.com/RezaEskandarii/rollqueue/types/config"
	"github.com/RezaEskandarii/rollqueue/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"io"
)

// Container holds all application dependencies. It is the single source of truth
// for dependency injection and ensures connections and services are created once.
type Container struct {
	Config *config.Config
	Logger logrus.FieldLogger

	// Storage connections (created once, shared by all stores)
	DB    *sql.DB
	Redis *redis.Client

	Store store.JobStore

	// Infrastructure
	LockManager   lock.DistributedLockManager
	MessageBroker message_broker.MessageBroker
	Provider      action.Provider
	Registry      *prometheus.Registry
	Metrics       *metrics.Metrics

	Consumer  *consumer.Consumer
	Scheduler *scheduler.Scheduler
	Web       *web.HttpRouteHandler
}

// NewContainer creates and wires all dependencies. Call this once per application lifecycle.
// Pass optional WithDB, WithStore, WithProvider to inject collaborators for testing.
func NewContainer(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, opts ...ContainerOption) (_ *Container, err error) {
	opt := &containerConfig{}
	for _, o := range opts {
		o(opt)
	}

	c := &Container{Config: cfg, Logger: logger, DB: opt.db, Redis: opt.redis}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	switch {
	case opt.store != nil:
		c.Store = opt.store
	default:
		if c.DB == nil {
			if c.DB, err = db.Connect(ctx, cfg.PostgresConfig); err != nil {
				return nil, fmt.Errorf("init storage: %w", err)
			}
		}
		c.Store = postgres.NewPostgresJobStore(c.DB)
	}
	if c.DB != nil {
		c.LockManager = lock.NewPostgresDistributedLockManager(c.DB)
	}

	c.Registry = opt.registry
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
		c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if c.DB != nil {
			c.Registry.MustRegister(collectors.NewDBStatsCollector(c.DB, "rollqueue"))
		}
	}
	if c.Metrics, err = metrics.New(c.Registry); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	c.Provider = opt.provider
	if c.Provider == nil {
		c.Provider = action.NewHTTPProvider(cfg.ProviderConfig.URL, cfg.ProviderConfig.Token, cfg.ActionTimeout)
	}

	c.MessageBroker = opt.broker
	if c.MessageBroker == nil {
		if c.MessageBroker, err = NewMessageBroker(cfg.Notify(), c.Redis); err != nil {
			return nil, err
		}
	}

	consumerOpts := []consumer.Option{consumer.WithMetrics(c.Metrics)}
	if c.LockManager != nil {
		consumerOpts = append(consumerOpts, consumer.WithLockManager(c.LockManager))
	}
	if c.MessageBroker != nil {
		consumerOpts = append(consumerOpts, consumer.WithPublisher(message_broker.NewOutcomePublisher(c.MessageBroker, cfg.Notify().Queue())))
	}

	proc := processor.New(c.Provider, cfg.Instance, cfg.ActionTimeout, logger)
	c.Consumer, err = consumer.New(consumer.Settings{
		Category:   cfg.Category,
		Instance:   cfg.Instance,
		BatchSize:  cfg.BatchSize,
		CommitMode: cfg.CommitMode,
		StaleAfter: cfg.StaleAfter,
	}, c.Store, proc, logger, consumerOpts...)
	if err != nil {
		return nil, err
	}

	c.Scheduler = scheduler.New(cfg.OverlapPolicy, logger)
	if err = c.registerTasks(); err != nil {
		return nil, err
	}

	c.Web = web.NewRouteHandler(c.Store, c.Registry, cfg.Category, cfg.Instance, logger)
	return c, nil
}

// NewMessageBroker connects to the broker selected by n.Driver. It returns a nil
// broker when notifications are disabled. client, when not nil, is used for Redis.
func NewMessageBroker(n config.NotifySettings, client *redis.Client) (message_broker.MessageBroker, error) {
	switch n.Driver {
	case config.RabbitMQ:
		if n.RabbitMQ == nil {
			return nil, errors.New("init rabbitmq: missing configuration")
		}
		broker, err := message_broker.NewRabbitMQ(n.RabbitMQ.URL, n.RabbitMQ.Exchange, n.RabbitMQ.Queue, n.RabbitMQ.RoutingKey)
		if err != nil {
			return nil, fmt.Errorf("init rabbitmq: %w", err)
		}
		return broker, nil
	case config.Redis:
		if client == nil {
			client = redis.NewClient(&redis.Options{
				Addr:     n.Redis.Address,
				Password: n.Redis.Password,
				DB:       n.Redis.DB,
			})
		}
		return message_broker.NewRedis(client), nil
	default:
		return nil, nil
	}
}

func (c *Container) registerTasks() error {
	cfg := c.Config
	if err := c.Scheduler.Every("cycle", cfg.PollInterval, func(ctx context.Context) {
		report, err := c.Consumer.RunCycle(ctx)
		if err != nil {
			c.Logger.WithError(err).Error("cycle failed")
			return
		}
		if report.Claimed > 0 {
			c.Logger.WithFields(logrus.Fields{
				"claimed":   report.Claimed,
				"completed": report.Completed,
				"failed":    report.Failed,
				"anomalies": report.Anomalies,
			}).Info("cycle finished")
		}
	}); err != nil {
		return err
	}

	if cfg.CommitMode == config.TwoPhase {
		if err := c.Scheduler.Every("stale-recovery", config.DefaultRecoveryPeriod, c.recoverStale); err != nil {
			return err
		}
	}

	return c.Scheduler.Every("queue-depth", config.DefaultDepthInterval, func(ctx context.Context) {
		if _, err := c.Consumer.ReportQueueDepth(ctx); err != nil {
			c.Logger.WithError(err).Warn("failed to refresh queue depth")
		}
	})
}

func (c *Container) recoverStale(ctx context.Context) {
	if _, err := c.Consumer.RecoverStale(ctx); err != nil {
		c.Logger.WithError(err).Error("stale recovery failed")
	}
}

// Run starts the scheduler and, when configured, the metrics server. It returns
// after ctx is done and the in-flight cycle has finished.
func (c *Container) Run(ctx context.Context) error {
	if c.Config.CommitMode == config.TwoPhase {
		c.recoverStale(ctx)
	}
	if _, err := c.Consumer.ReportQueueDepth(ctx); err != nil {
		c.Logger.WithError(err).Warn("failed to refresh queue depth")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Scheduler.Run(gctx)
	})
	if c.Config.MetricsAddr != "" {
		g.Go(func() error {
			return c.Web.Serve(gctx, c.Config.MetricsAddr)
		})
	}
	return g.Wait()
}

// Close releases the store pool, the provider's idle connections and the broker.
func (c *Container) Close() error {
	var errs []error
	if closer, ok := c.Provider.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if c.MessageBroker != nil {
		errs = append(errs, c.MessageBroker.Close())
	} else if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	} else if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}
