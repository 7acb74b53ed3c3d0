package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nholden/storekeeper/internal/backup"
	"github.com/nholden/storekeeper/internal/catalog"
	"github.com/nholden/storekeeper/internal/config"
	"github.com/nholden/storekeeper/internal/database"
	"github.com/nholden/storekeeper/internal/events"
	"github.com/nholden/storekeeper/internal/logging"
	"github.com/nholden/storekeeper/internal/remote"
	"github.com/nholden/storekeeper/internal/restore"
	"github.com/nholden/storekeeper/internal/server"
)

func main() {
	cfgStore, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := cfgStore.Get()

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	cat, err := catalog.New(cfg.BackupDir(), logger.With("component", "catalog"))
	if err != nil {
		logger.Error("failed to open backup catalog", "error", err)
		os.Exit(1)
	}

	var replica remote.Replica
	if cfg.Remote.Enabled {
		s3, err := remote.NewS3(cfg.Remote)
		if err != nil {
			// Missing credentials degrade to local-only backups.
			logger.Warn("remote replica unavailable", "error", err)
		} else {
			replica = s3
		}
	}

	hub := events.NewHub(logger.With("component", "events"))

	// quit carries both OS signals and the coordinator's shutdown request.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var shutdownOnce sync.Once
	requestShutdown := func() {
		shutdownOnce.Do(func() { quit <- syscall.SIGTERM })
	}

	var decrypt func([]byte) ([]byte, error)
	if cfg.Remote.Passphrase != "" {
		passphrase := cfg.Remote.Passphrase
		decrypt = func(data []byte) ([]byte, error) { return backup.Open(data, passphrase) }
	}

	coordinator := restore.NewCoordinator(restore.Options{
		DBPath:          cfg.DatabasePath(),
		CommandPath:     cfg.CommandPath(),
		StagingPath:     cfg.StagingPath(),
		Catalog:         cat,
		Replica:         replica,
		VerifyIntegrity: cfg.VerifyIntegrity,
		Decrypt:         decrypt,
		RequestShutdown: requestShutdown,
		Notify:          hub.Broadcast,
		Logger:          logger.With("component", "restore"),
	})

	// A staged restore must execute before any database connection exists:
	// the engine's open handle would block file replacement on locking
	// operating systems.
	outcome, err := coordinator.RecoverOnBoot()
	if err != nil {
		logger.Error("boot-time restore", "outcome", outcome.String(), "error", err)
	} else if outcome != restore.OutcomeNone {
		logger.Info("boot-time restore", "outcome", outcome.String())
	}

	engine, err := database.Open(cfg.DatabasePath())
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	creator := backup.NewCreator(engine, cat, replica, cfgStore, hub.Broadcast, logger.With("component", "backup"))

	scheduler, err := backup.NewScheduler(creator, cfg.Schedule, logger.With("component", "scheduler"))
	if err != nil {
		logger.Error("invalid backup schedule", "error", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Start(ctx)
	defer scheduler.Stop()

	monitor := backup.NewMonitor(cat, cfg.CommandPath(), time.Duration(cfg.StaleAfterDays)*24*time.Hour)

	srv := server.New(cfgStore, creator, scheduler, monitor, coordinator, hub, logger)

	httpServer := &http.Server{
		Addr:         "127.0.0.1:" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		fmt.Printf("Storekeeper running at http://127.0.0.1:%s\n", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			requestShutdown()
		}
	}()

	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
