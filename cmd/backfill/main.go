// Command backfill runs one poll cycle across every configured source and
// drains the resulting envelopes, then exits. Useful for the initial import
// and for ad-hoc catch-up after an outage.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/Jorineg/TeamworkMissiveConnector/config"
	"github.com/Jorineg/TeamworkMissiveConnector/craft"
	"github.com/Jorineg/TeamworkMissiveConnector/dbopen"
	"github.com/Jorineg/TeamworkMissiveConnector/identity"
	"github.com/Jorineg/TeamworkMissiveConnector/labels"
	"github.com/Jorineg/TeamworkMissiveConnector/missive"
	"github.com/Jorineg/TeamworkMissiveConnector/pipeline"
	"github.com/Jorineg/TeamworkMissiveConnector/poller"
	"github.com/Jorineg/TeamworkMissiveConnector/spool"
	"github.com/Jorineg/TeamworkMissiveConnector/store"
	"github.com/Jorineg/TeamworkMissiveConnector/teamwork"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("backfill: fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
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

	poller.New(cfg, st, sp, tw, mv, cr, logger).RunOnce(ctx)

	handlers := map[string]pipeline.Handler{
		spool.SourceTeamwork: pipeline.NewTeamworkHandler(tw, ident, cfg.TeamworkProcessAfter),
		spool.SourceMissive:  pipeline.NewMissiveHandler(mv, cats, cfg.MissiveProcessAfter),
	}
	if cr != nil {
		handlers[spool.SourceCraft] = pipeline.NewCraftHandler(cr)
	}
	if err := pipeline.NewDispatcher(sp, st, handlers, logger).Drain(ctx); err != nil {
		return err
	}

	backlog, failed, err := sp.Depth(ctx)
	if err != nil {
		return err
	}
	logger.Info("backfill: done", "backlog", backlog, "failed", failed)
	return nil
}
