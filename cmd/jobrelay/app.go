package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/manthysbr/jobrelay/internal/adapters/amqp"
	"github.com/manthysbr/jobrelay/internal/adapters/duckdb"
	"github.com/manthysbr/jobrelay/internal/adapters/memqueue"
	"github.com/manthysbr/jobrelay/internal/adapters/notify"
	"github.com/manthysbr/jobrelay/internal/adapters/postgres"
	"github.com/manthysbr/jobrelay/internal/config"
	"github.com/manthysbr/jobrelay/internal/core/ports"
	"github.com/manthysbr/jobrelay/internal/core/services"
)

type store interface {
	ports.Repository
	Ping(ctx context.Context) error
}

type broker interface {
	ports.Publisher
	ports.Subscriber
	Close() error
}

// app holds the adapters and core services shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store
	broker broker

	registry      *services.Registry
	notifications *services.Notifications
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// newApp loads configuration and opens the store. The broker is only
// dialled when withBroker is set.
func newApp(ctx context.Context, envFile string, withBroker bool) (*app, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel)
	logger.Info("configuration loaded", "config", cfg)

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: st}

	if withBroker {
		b, err := openBroker(logger, cfg.Broker)
		if err != nil {
			st.Close()
			return nil, err
		}
		a.broker = b
	}

	a.registry = services.NewRegistry(logger, services.StoreSnapshots{Jobs: st, Results: st}, services.RegistryConfig{
		HeartbeatInterval: cfg.Registry.HeartbeatInterval,
		BufferSize:        cfg.Registry.BufferSize,
		SendTimeout:       cfg.Registry.SendTimeout,
	})
	a.notifications = services.NewNotifications(logger, notify.NewLogNotifier(logger), notify.OwnerResolver{})
	return a, nil
}

func (a *app) reconciler() *services.Reconciler {
	return services.NewReconciler(a.logger, a.store, a.registry, a.notifications, services.ReconcilerConfig{
		StuckAfter: a.cfg.Sweep.StuckAfter,
		Interval:   a.cfg.Sweep.Interval,
	})
}

func (a *app) Close() error {
	a.registry.Close()
	var errs []error
	if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store, error) {
	switch cfg.Driver {
	case config.StoreDuckDB:
		repo, err := duckdb.NewRepository(cfg.DuckDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to init duckdb store: %w", err)
		}
		return repo, nil
	case config.StorePostgres:
		repo, err := postgres.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to init postgres store: %w", err)
		}
		if err := repo.Migrate(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openBroker(logger *slog.Logger, cfg config.BrokerConfig) (broker, error) {
	switch cfg.Driver {
	case config.BrokerAMQP:
		client, err := amqp.Dial(logger, amqp.Config{
			URL:                cfg.URL,
			Exchange:           cfg.Exchange,
			ResponseQueue:      cfg.ResponseQueue,
			DeadLetterExchange: cfg.DeadLetterExchange,
			Prefetch:           cfg.Prefetch,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to broker: %w", err)
		}
		return client, nil
	case config.BrokerMemory:
		logger.Warn("using in-process broker, requests are not delivered to any worker")
		return memqueue.New(256), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}
