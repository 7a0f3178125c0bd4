package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/jobrelay/internal/core/services"
	"github.com/manthysbr/jobrelay/internal/middleware"
	"github.com/manthysbr/jobrelay/pkg/kernel"
)

func newServeCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the response consumer and the sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *envFile)
		},
	}
}

func serve(ctx context.Context, envFile string) error {
	a, err := newApp(ctx, envFile, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Error("shutdown cleanup failed", "error", err)
		}
	}()
	cfg, logger := a.cfg, a.logger

	submitter := services.NewSubmitter(logger, a.store, a.broker, a.registry, cfg.Broker.PublishTimeout)
	control := services.NewJobControl(logger, a.store, a.registry, a.notifications)
	consumer := services.NewResponseConsumer(logger, a.store, a.registry, a.notifications)
	pool := services.NewConsumerPool(logger, a.broker, consumer, services.PoolConfig{MaxInFlight: cfg.Broker.MaxInFlight})

	health := map[string]kernel.HealthCheck{"store": a.store.Ping}
	if hb, ok := a.broker.(interface{ Healthy() bool }); ok {
		health["broker"] = func(context.Context) error {
			if !hb.Healthy() {
				return errors.New("broker connection closed")
			}
			return nil
		}
	}

	server, err := kernel.NewServer(logger, submitter, control, a.registry, kernel.Options{
		CORSOrigins: cfg.HTTP.CORSOrigins,
		SubmitLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.HTTP.SubmitRate,
			Burst:             cfg.HTTP.SubmitBurst,
		},
		Health: health,
	})
	if err != nil {
		return fmt.Errorf("failed to build http server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := pool.Run(gctx); err != nil {
			return err
		}
		if gctx.Err() == nil {
			return errors.New("response consumer stopped unexpectedly")
		}
		return nil
	})

	g.Go(func() error { return server.Limiter().Run(gctx) })

	if cfg.Sweep.Enabled {
		reconciler := a.reconciler()
		g.Go(func() error { return reconciler.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		// Ends every open event stream so Shutdown does not wait on them.
		a.registry.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
