package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"yamanaka/syncd/internal/broker"
	"yamanaka/syncd/internal/config"
	"yamanaka/syncd/internal/history"
	"yamanaka/syncd/internal/httpapi"
	"yamanaka/syncd/internal/journal"
	"yamanaka/syncd/internal/logging"
	"yamanaka/syncd/internal/registry"
	"yamanaka/syncd/internal/spool"
	"yamanaka/syncd/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("invalid configuration", logging.Error(err))
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.L().Fatal("could not initialise logging", logging.Error(err))
	}
	defer logger.Sync()

	logger.Info("starting sync server", logging.String("root_dir", cfg.RootDir), logging.String("address", cfg.Address))

	store, err := vault.NewStore(cfg.RootDir, logger)
	if err != nil {
		logger.Fatal("could not prepare vault", logging.Error(err))
	}
	logger.Info("vault is ready", logging.String("path", store.Root()))

	histStore, err := history.NewStore(store, logger, time.Now)
	if err != nil {
		logger.Fatal("could not prepare history store", logging.Error(err))
	}
	if err := histStore.EnsureInitialized(); err != nil {
		logger.Fatal("could not initialise history store", logging.Error(err))
	}

	reg := registry.Load(filepath.Join(store.Root(), vault.ClientsFileName), logger)
	eventSpool := spool.New(filepath.Join(store.Root(), vault.SpoolDirName), logger, time.Now)

	auditLog, err := journal.NewWriter(filepath.Join(store.Root(), vault.JournalDirName), time.Now)
	if err != nil {
		logger.Fatal("could not open broadcast journal", logging.Error(err))
	}
	defer auditLog.Close()

	broadcaster := broker.New(reg, eventSpool, auditLog, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snapshotter := history.NewSnapshotter(histStore, cfg.SnapshotInterval, logger)
	go snapshotter.Run(ctx)
	logger.Info("periodic snapshotter started", logging.String("interval", cfg.SnapshotInterval.String()))

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:            logger,
		Vault:             store,
		History:           histStore,
		Registry:          reg,
		Spool:             eventSpool,
		Broadcaster:       broadcaster,
		ResyncThreshold:   cfg.ResyncThreshold,
		HeartbeatInterval: cfg.HeartbeatInterval,
		AllowedOrigin:     cfg.AllowedOrigin,
	})
	mux := http.NewServeMux()
	handlers.Register(mux)

	server := &http.Server{
		Addr:    cfg.Address,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown incomplete", logging.Error(err))
		}
	}()

	logger.Info("server listening", logging.String("address", cfg.Address))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server terminated", logging.Error(err))
	}
	logger.Info("server stopped")
}
