// Command crawlpit runs the multi-tenant crawl execution engine: the Control
// API, task registry, and their supporting stores and sinks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/crawlpit/crawlpit/internal/api"
	"github.com/crawlpit/crawlpit/internal/clock/system"
	"github.com/crawlpit/crawlpit/internal/config"
	"github.com/crawlpit/crawlpit/internal/controller"
	"github.com/crawlpit/crawlpit/internal/crawler"
	"github.com/crawlpit/crawlpit/internal/hash/sha256"
	"github.com/crawlpit/crawlpit/internal/logging"
	"github.com/crawlpit/crawlpit/internal/progress"
	"github.com/crawlpit/crawlpit/internal/progress/sinks"
	memorypublisher "github.com/crawlpit/crawlpit/internal/publisher/memory"
	pubsubpublisher "github.com/crawlpit/crawlpit/internal/publisher/pubsub"
	"github.com/crawlpit/crawlpit/internal/registry"
	"github.com/crawlpit/crawlpit/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file (optional; env vars and defaults apply otherwise)")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	crawlStore, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}

	publisher, closePublisher, err := buildPublisher(ctx, cfg.PubSub)
	if err != nil {
		return fmt.Errorf("build publisher: %w", err)
	}
	defer closePublisher()

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("build prometheus sink: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")), promSink)
	defer func() { _ = hub.Close(context.Background()) }()

	deps := controller.Deps{
		Fetcher:   crawler.NewCollyFetcher(cfg.Defaults.UserAgent, 30*time.Second, logger.Named("fetcher")),
		Extractor: crawler.NewHTMLExtractor(),
		Hasher:    sha256.New(),
		Clock:     system.New(),
		Store:     crawlStore,
		Publisher: publisher,
		Hub:       hub,
		Logger:    logger.Named("controller"),
	}

	reg := registry.New(logger.Named("registry"))
	srv := api.NewServer(reg, crawlStore, deps, cfg, logger.Named("api"))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control api listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control api shutdown did not complete cleanly", zap.Error(err))
	}

	return nil
}

func buildStore(ctx context.Context, cfg config.StoreConfig) (crawler.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		return store.NewPostgresStore(ctx, store.PostgresConfig{
			DSN:             cfg.DSN,
			Table:           cfg.Table,
			MaxConns:        int32(cfg.MaxConns),
			MinConns:        int32(cfg.MinConns),
			MaxConnLifetime: cfg.MaxConnLife,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func buildPublisher(ctx context.Context, cfg config.PubSubConfig) (crawler.Publisher, func(), error) {
	if !cfg.Enabled {
		return memorypublisher.New(), func() {}, nil
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicName)

	closeFn := func() {
		topic.Stop()
		_ = client.Close()
	}
	return pubsubpublisher.New(topic), closeFn, nil
}
