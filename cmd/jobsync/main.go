package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/servicedesk/jobsync/internal/action"
	"github.com/servicedesk/jobsync/internal/api"
	"github.com/servicedesk/jobsync/internal/backend"
	"github.com/servicedesk/jobsync/internal/config"
	"github.com/servicedesk/jobsync/internal/fetcher"
	"github.com/servicedesk/jobsync/internal/ingest"
	"github.com/servicedesk/jobsync/internal/pusher"
	"github.com/servicedesk/jobsync/internal/queue"
	"github.com/servicedesk/jobsync/internal/redisbus"
	"github.com/servicedesk/jobsync/internal/refresh"
	"github.com/servicedesk/jobsync/internal/spool"
	"github.com/servicedesk/jobsync/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (default: $JOBSYNC_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("jobsync stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting jobsync",
		slog.String("backend", cfg.Backend.URL),
		slog.Int("http_port", cfg.HTTPPort),
		slog.String("push", cfg.Push.Transport),
	)

	provider := telemetry.NewProvider()
	provider.Install()
	defer provider.Shutdown(context.Background())
	metrics := provider.Metrics()

	// relogin guards against the login request's own 401 re-triggering it.
	var relogin atomic.Bool
	var client *backend.HTTPClient
	client = backend.NewHTTPClient(cfg.Backend.URL, backend.Options{
		Timeout:           cfg.Backend.Timeout,
		RequestsPerSecond: cfg.Backend.RequestsPerSecond,
		Burst:             cfg.Backend.Burst,
		Token:             cfg.Backend.Token,
		Logger:            logger,
		OnUnauthorized: func() {
			logger.Warn("backend rejected token")
			if cfg.Backend.Email != "" && relogin.CompareAndSwap(false, true) {
				go func() {
					defer relogin.Store(false)
					login(ctx, client, cfg, logger)
				}()
			}
		},
	})
	if cfg.Backend.Token == "" && cfg.Backend.Email != "" {
		if err := login(ctx, client, cfg, logger); err != nil {
			return err
		}
	}
	if user, err := backend.Me(ctx, client); err != nil {
		logger.Warn("could not read current user", slog.String("error", err.Error()))
	} else {
		logger.Info("authenticated", slog.Any("name", user["name"]))
	}

	store := queue.NewStore(logger)
	for _, svc := range cfg.Services {
		store.Open(svc)
	}

	sp, err := spool.Open(cfg.SpoolDir)
	if err != nil {
		return err
	}
	defer sp.Close()

	// A staged attachment outlives a restart; its service is worth syncing.
	staged, err := sp.Services()
	if err != nil {
		return fmt.Errorf("list staged attachments: %w", err)
	}
	for _, svc := range staged {
		logger.Info("staged attachment found", slog.String("service", svc))
		store.Open(svc)
	}

	orch := refresh.New(fetcher.New(client, store, logger, metrics), store, logger)
	actions := action.New(store, client, orch, sp, logger, metrics)
	ingestor := ingest.New(store, logger, metrics)

	refreshKnown := func(ctx context.Context) {
		orch.RefreshServices(ctx, store.Services())
	}

	source, connected, err := pushSource(cfg, client, logger, refreshKnown)
	if err != nil {
		return err
	}
	if c, ok := source.(io.Closer); ok {
		defer c.Close()
	}
	if source != nil {
		events, err := source.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("subscribe to push events: %w", err)
		}
		go ingestor.Run(ctx, events)
	}

	go refreshKnown(ctx)

	router := api.NewRouter(api.Deps{
		Config:  cfg,
		Store:   store,
		Refresh: orch,
		Actions: actions,
		Logger:  logger,
		Push:    connected,
		Metrics: provider,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.Addr()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func login(ctx context.Context, client *backend.HTTPClient, cfg *config.Config, logger *slog.Logger) error {
	sess, err := client.Login(ctx, cfg.Backend.Email, cfg.Backend.Password)
	if err != nil {
		logger.Error("login failed", slog.String("error", err.Error()))
		return err
	}
	logger.Info("logged in", slog.Any("user", sess.User["name"]))
	return nil
}

// pushSource builds the configured event transport. connected is nil when
// no transport is configured.
func pushSource(cfg *config.Config, client *backend.HTTPClient, logger *slog.Logger, onConnect func(context.Context)) (ingest.Source, func() bool, error) {
	switch cfg.Push.Transport {
	case config.TransportPusher:
		pc := pusher.New(pusher.Options{
			URL:            cfg.Push.URL,
			Channel:        cfg.Push.Channel,
			ReconnectDelay: cfg.Push.ReconnectDelay,
			Logger:         logger,
			OnConnect:      onConnect,
		}, func(ctx context.Context, socketID, channel string) (string, error) {
			return backend.AuthorizeChannel(ctx, client, socketID, channel)
		})
		return pc, pc.Connected, nil

	case config.TransportRedis:
		bus := redisbus.New(redisbus.Options{
			Addr:     cfg.Push.RedisAddr,
			Password: cfg.Push.RedisPassword,
			DB:       cfg.Push.RedisDB,
			Channel:  cfg.Push.RedisChannel,
			Logger:   logger,
		})
		if err := bus.Ping(context.Background()); err != nil {
			bus.Close()
			return nil, nil, err
		}
		return bus, func() bool { return true }, nil
	}
	return nil, nil, nil
}
