package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"chatlog/internal/auth"
	"chatlog/internal/compaction"
	"chatlog/internal/config"
	"chatlog/internal/logging"
	"chatlog/internal/logwriter"
	"chatlog/internal/scheduler"
	"chatlog/internal/server"
	"chatlog/internal/storage"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Debug().Err(err).Msg(".env file not loaded")
	}

	cfg := config.New()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.StoreOptions())
	if err != nil {
		log.Fatal().Err(err).Str("backend", string(cfg.StoreBackend)).Msg("failed to open store")
	}

	authSvc := auth.New(cfg.CronSecret, cfg.AdminKey)
	if !authSvc.Enabled() {
		log.Warn().Msg("CRON_SECRET and ADMIN_KEY are empty, manual compaction is disabled")
	}

	compactor := compaction.New(store, cfg.CompactBatchSize, time.Now)
	srv, err := server.New(server.Options{
		Addr:      cfg.ListenAddr,
		Store:     store,
		Writer:    logwriter.New(store, time.Now),
		Compactor: compactor,
		Auth:      authSvc,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}

	sched := scheduler.New(compactor, cfg.CompactSchedule)
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}
	defer sched.Stop()

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
}
