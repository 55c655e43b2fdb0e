// Command connector runs the full mirroring service: webhook ingress,
// periodic backfill pollers, and the reconciliation pipeline, over one
// SQLite database.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Jorineg/TeamworkMissiveConnector/config"
	"github.com/Jorineg/TeamworkMissiveConnector/craft"
	"github.com/Jorineg/TeamworkMissiveConnector/dbopen"
	"github.com/Jorineg/TeamworkMissiveConnector/hooks"
	"github.com/Jorineg/TeamworkMissiveConnector/identity"
	"github.com/Jorineg/TeamworkMissiveConnector/ingress"
	"github.com/Jorineg/TeamworkMissiveConnector/labels"
	"github.com/Jorineg/TeamworkMissiveConnector/missive"
	"github.com/Jorineg/TeamworkMissiveConnector/pipeline"
	"github.com/Jorineg/TeamworkMissiveConnector/poller"
	"github.com/Jorineg/TeamworkMissiveConnector/spool"
	"github.com/Jorineg/TeamworkMissiveConnector/store"
	"github.com/Jorineg/TeamworkMissiveConnector/teamwork"
)

func main() {
	if err := run(); err != nil {
		slog.Error("connector: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, w := range cfg.Warnings() {
		logger.Warn("connector: " + w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := dbopen.Open(cfg.DBDSN, dbopen.WithMkdirAll(), dbopen.WithSchema(store.Schema))
	if err != nil {
		return err
	}
	defer db.Close()

	st := store.New(db)
	sp := spool.New(db, spool.Options{
		MaxAttempts: cfg.MaxQueueAttempts,
		RetryDelay:  cfg.SpoolRetryDelay,
		Logger:      logger,
	})
	if err := sp.EnsureTable(ctx); err != nil {
		return err
	}

	cats, err := labels.Load(cfg.LabelCategoriesPath)
	if err != nil {
		return err
	}

	tw := teamwork.New(cfg.TeamworkBaseURL, cfg.TeamworkAPIKey)
	mv := missive.New(missive.DefaultBaseURL, cfg.MissiveAPIToken)
	var cr *craft.Client
	if cfg.CraftEnabled() {
		cr = craft.New(cfg.CraftBaseURL)
	}
	ident := identity.New(tw, cfg.DataDir, identity.WithLogger(logger))

	handlers := map[string]pipeline.Handler{
		spool.SourceTeamwork: pipeline.NewTeamworkHandler(tw, ident, cfg.TeamworkProcessAfter),
		spool.SourceMissive:  pipeline.NewMissiveHandler(mv, cats, cfg.MissiveProcessAfter),
	}
	if cr != nil {
		handlers[spool.SourceCraft] = pipeline.NewCraftHandler(cr)
	}
	dispatcher := pipeline.NewDispatcher(sp, st, handlers, logger)
	backfill := poller.New(cfg, st, sp, tw, mv, cr, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AppPort),
		Handler:           ingress.New(sp, st, cfg.TeamworkWebhookSecret, cfg.MissiveWebhookSecret, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		backfill.Run(ctx)
	}()

	if !cfg.DisableWebhooks {
		mgr := hooks.New(cfg.DataDir, cfg.PublicURL, logger)
		if err := mgr.Sync(ctx, tw, mv); err != nil {
			logger.Warn("connector: webhook sync incomplete", "error", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("connector: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("connector: shutting down")
	case err := <-errCh:
		stop()
		wg.Wait()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("connector: http shutdown", "error", err)
	}
	wg.Wait()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
