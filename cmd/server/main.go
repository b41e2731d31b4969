package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/boardsync/boardsync/internal/adapters/blob"
	"github.com/boardsync/boardsync/internal/adapters/httpapi"
	"github.com/boardsync/boardsync/internal/adapters/store"
	"github.com/boardsync/boardsync/internal/adapters/ws"
	"github.com/boardsync/boardsync/internal/app"
	"github.com/boardsync/boardsync/internal/config"
	"github.com/boardsync/boardsync/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Without a DSN the server runs memory-only: everything works, but
	// nothing survives a restart.
	var durable core.DurableStore
	if cfg.MySQLDSN != "" {
		gs, err := store.NewGormStore(cfg.MySQLDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("mysql store init failed")
		}
		durable = gs
	} else {
		log.Warn().Msg("no mysql_dsn configured, running with in-memory store")
		durable = store.NewMemoryStore()
	}

	var files core.BlobStore
	if cfg.GCSBucket != "" {
		gcs, err := blob.NewGCSStore(ctx, cfg.GCSBucket)
		if err != nil {
			log.Fatal().Err(err).Msg("gcs store init failed")
		}
		files = gcs
	} else {
		log.Warn().Msg("no gcs_bucket configured, uploads held in memory")
		files = blob.NewMemoryStore()
	}

	reg := core.NewRegistry()
	presence := core.NewPresence(durable, cfg.APITimeout, cfg.StaleUserTimeout)
	rooms := core.NewLifecycle(durable, cfg.APITimeout, cfg.RoomCleanupDelay)
	dedupe := core.NewChatDeduper(cfg.ChatDupWindow)
	monitor := core.NewHeartbeatMonitor(reg, cfg.ConnectionTimeout)

	orch := app.NewOrchestrator(reg, presence, rooms, dedupe, durable, cfg.APITimeout, cfg.MessageLimit)
	cleaner := app.NewCleaner(reg, presence, rooms, monitor, orch, durable, files, app.CleanerConfig{
		Interval:         cfg.CleanupInterval,
		APITimeout:       cfg.APITimeout,
		RoomCleanupDelay: cfg.RoomCleanupDelay,
		StaleUserTimeout: cfg.StaleUserTimeout,
		StuckUserTimeout: cfg.StuckUserTimeout,
	})
	go cleaner.Run(ctx)

	connMonitor := app.NewConnectionMonitor(monitor, orch, cfg.HeartbeatInterval)
	go connMonitor.Run(ctx)

	wsCtl := ws.NewController(orch, cfg.SendQueue, cfg.ReadLimit, cfg.HeartbeatInterval)
	handlers := httpapi.NewHandlers(reg, presence, orch, cleaner, durable, files, cfg.APITimeout)
	r := httpapi.SetupRouter(ctx, cfg, handlers, wsCtl)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("boardsync server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
}
