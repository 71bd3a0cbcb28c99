package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"gridsync/internal/config"
	"gridsync/internal/handlers"
	"gridsync/internal/nats"
	"gridsync/internal/processor"
	"gridsync/internal/session"
	"gridsync/internal/store"
	"gridsync/internal/transform"
)

// processorFactory builds the processor of one grid session on top of the
// shared store, publisher and transformer
func processorFactory(cfg *config.Config, st *store.Store, publisher *nats.Publisher, transformer *transform.Transformer, logger *logrus.Logger) session.Factory {
	return func(id string) (*processor.Processor, error) {
		h := handlers.New(id, st, publisher, transformer, logger)
		return processor.New(h, logger,
			processor.WithDataChangeDebounce(cfg.Pipeline.DataChangeDebounce),
			processor.WithRowAddDebounce(cfg.Pipeline.RowAddDebounce),
			processor.WithHistoryLimit(cfg.Pipeline.HistoryMaxEntries),
			processor.WithResultHandler(handlers.ReportResults(id, publisher, logger)),
		)
	}
}

func setupLogger(cfg config.LoggingConfig, logger *logrus.Logger) {
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("Invalid log level %q, using info", cfg.Level)
	}
}

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	setupLogger(cfg.Logging, logger)

	logger.Info("Starting grid sync service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !cfg.MySQL.SkipCheck {
		checker := NewMySQLChecker(cfg.MySQL, logger)
		if err := checker.CheckConnectionAndPermissions(ctx); err != nil {
			logger.Fatalf("MySQL check failed: %v", err)
		}
	}

	st, err := store.Open(ctx, cfg.MySQL, logger)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	conn, err := nats.Connect(cfg.NATS, logger)
	if err != nil {
		logger.Fatalf("Failed to create NATS connection: %v", err)
	}
	publisher := nats.NewPublisher(conn, cfg.NATS.Subject, logger)
	defer publisher.Close()

	transformer, err := transform.NewTransformer(&cfg.Processor, logger, conn)
	if err != nil {
		logger.Fatalf("Failed to create transformer: %v", err)
	}

	manager := session.NewManager(ctx, processorFactory(cfg, st, publisher, transformer, logger), logger)

	subscriber := nats.NewSubscriber(conn, cfg.NATS.EventsSubject, manager, logger)
	if err := subscriber.Start(ctx); err != nil {
		logger.Fatalf("Failed to subscribe: %v", err)
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Infof("Received signal: %v, shutting down...", sig)

	if err := subscriber.Stop(); err != nil {
		logger.Errorf("Failed to stop subscriber: %v", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownTimeout)
	defer stop()
	if err := manager.CloseAll(shutdownCtx); err != nil {
		logger.Errorf("Failed to stop sessions cleanly: %v", err)
	}

	logger.Info("Grid sync service stopped")
}
