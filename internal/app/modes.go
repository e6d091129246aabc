package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpbot/internal/executor"
	"github.com/alanyoungcy/perpbot/internal/feed"
	"github.com/alanyoungcy/perpbot/internal/metrics"
	"github.com/alanyoungcy/perpbot/internal/server"
	"github.com/alanyoungcy/perpbot/internal/server/handler"
)

// TradeMode runs the full lifecycle against deps.Exchange: the ticker stream,
// the signal executor and the monitor, reconcile, snapshot and archive loops.
// Live and paper differ only in the venue Wire picked.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode", slog.String("mode", a.cfg.Mode))

	core, err := buildCore(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return fmt.Errorf("app: build core: %w", err)
	}
	a.closers = append(a.closers, func() { a.flushLedger(core) })

	// Adopt whatever the exchange holds before taking new signals.
	if a.cfg.Sync.Enabled {
		if rep, err := core.Reconciler.Tick(ctx); err != nil {
			a.logger.WarnContext(ctx, "initial reconcile failed", slog.String("error", err.Error()))
		} else {
			a.logger.InfoContext(ctx, "initial reconcile done",
				slog.Int("imported", rep.Imported),
				slog.Int("closed", rep.Closed),
			)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(deps.Notifier.Run(ctx)) })

	if deps.Tickers != nil {
		if err := deps.Tickers.Subscribe(a.cfg.Trading.Symbols); err != nil {
			a.logger.WarnContext(ctx, "ticker subscribe failed", slog.String("error", err.Error()))
		}
		g.Go(func() error {
			if err := deps.Tickers.Run(ctx); err != nil && ctx.Err() == nil {
				// The monitor falls back to REST tickers.
				a.logger.WarnContext(ctx, "ticker stream stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	var exec *executor.Executor
	if deps.SignalBus != nil {
		sf := feed.NewSignalFeed(deps.SignalBus, a.cfg.Redis.SignalStream, a.logger)
		var execOpts []executor.Option
		if deps.PriceCache != nil {
			execOpts = append(execOpts, executor.WithPriceCache(deps.PriceCache))
		}
		exec = executor.New(sf.Signals(), core.Opener, core.Ledger, deps.Exchange, executor.Config{
			Symbols:       a.cfg.Trading.Symbols,
			MinConfidence: a.cfg.Trading.MinConfidence,
			SignalTTL:     a.cfg.Trading.SignalTTL.Duration,
		}, a.logger, execOpts...)
		g.Go(func() error { return ignoreCanceled(sf.Run(ctx)) })
		g.Go(func() error { return ignoreCanceled(exec.Run(ctx)) })
	} else {
		a.logger.WarnContext(ctx, "redis disabled: no signal feed, protecting existing positions only")
	}

	g.Go(func() error {
		return a.every(ctx, "monitor", a.cfg.Scheduler.MonitorInterval.Duration, func(ctx context.Context) {
			if deps.Paper != nil {
				deps.Paper.CheckStops(ctx)
			}
			core.Monitor.Tick(ctx)
		})
	})

	if a.cfg.Sync.Enabled {
		g.Go(func() error {
			return a.every(ctx, "reconcile", a.cfg.Scheduler.SyncInterval.Duration, func(ctx context.Context) {
				if _, err := core.Reconciler.Tick(ctx); err != nil {
					a.logger.WarnContext(ctx, "reconcile tick failed", slog.String("error", err.Error()))
				}
			})
		})
	}

	if deps.Snapshotter != nil && a.cfg.Scheduler.SnapshotInterval.Duration > 0 {
		g.Go(func() error {
			return a.every(ctx, "snapshot", a.cfg.Scheduler.SnapshotInterval.Duration, func(ctx context.Context) {
				if _, err := deps.Snapshotter.Upload(ctx, core.Ledger.Snapshot()); err != nil {
					a.logger.WarnContext(ctx, "ledger snapshot failed", slog.String("error", err.Error()))
				}
			})
		})
	}

	if deps.Archiver != nil && a.cfg.Scheduler.ArchiveInterval.Duration > 0 {
		g.Go(func() error { return a.archiveLoop(ctx, deps) })
	}

	if a.cfg.Server.Enabled {
		stats := map[string]handler.StatsFunc{
			"opener":    func() any { return core.Opener.Stats() },
			"stop_loss": func() any { return core.StopLoss.Stats() },
		}
		if exec != nil {
			stats["executor"] = func() any { return exec.Stats() }
		}
		srv := a.newServer(deps, core, stats)
		g.Go(func() error { return srv.Run(ctx) })
	}

	return ignoreCanceled(g.Wait())
}

// MonitorMode serves the HTTP API over the persisted ledger without trading.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	l, _, err := newLedger(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return fmt.Errorf("app: load ledger: %w", err)
	}
	core := &Core{Ledger: l}

	if !a.cfg.Server.Enabled {
		return errors.New("app: monitor mode needs server.enabled")
	}
	srv := a.newServer(deps, core, nil)
	return ignoreCanceled(srv.Run(ctx))
}

func (a *App) newServer(deps *Dependencies, core *Core, stats map[string]handler.StatsFunc) *server.Server {
	checkers := map[string]handler.Checker{}
	if deps.Redis != nil {
		checkers["redis"] = deps.Redis.Ping
	}
	if deps.Postgres != nil {
		checkers["postgres"] = deps.Postgres.Ping
	}
	if deps.S3 != nil {
		checkers["s3"] = deps.S3.Health
	}

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.cfg.Mode, checkers),
		Positions: handler.NewPositionHandler(core.Ledger, deps.Archive, a.logger),
		Summary:   handler.NewSummaryHandler(core.Ledger, stats, deps.AuditStore, a.logger),
	}
	return server.NewServer(server.Config{
		Port:               a.cfg.Server.Port,
		CORSOrigins:        a.cfg.Server.CORSOrigins,
		APIKey:             a.cfg.Server.ApiKey,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
	}, handlers, deps.RateLimiter, a.logger)
}

// every runs fn once per interval until ctx ends. A tick never overlaps the
// next one; a slow tick delays the schedule instead.
func (a *App) every(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			start := time.Now()
			fn(ctx)
			metrics.ObserveSince(metrics.TickDuration.WithLabelValues(name), start)
		}
	}
}

// archiveLoop exports each interval's closed positions and audit rows.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Scheduler.ArchiveInterval.Duration
	since := time.Now().UTC().Add(-interval)
	return a.every(ctx, "archive", interval, func(ctx context.Context) {
		until := time.Now().UTC()
		n, err := deps.Archiver.ArchivePositions(ctx, since, until)
		if err != nil {
			a.logger.WarnContext(ctx, "position archive failed", slog.String("error", err.Error()))
			return
		}
		m, err := deps.Archiver.ArchiveAudit(ctx, since, until)
		if err != nil {
			a.logger.WarnContext(ctx, "audit archive failed", slog.String("error", err.Error()))
			return
		}
		a.logger.InfoContext(ctx, "archive exported", slog.Int("positions", n), slog.Int("audit", m))
		since = until
	})
}

// flushLedger persists the ledger on shutdown.
func (a *App) flushLedger(core *Core) {
	if err := core.Ledger.Flush(); err != nil {
		a.logger.Error("final ledger flush failed", slog.String("error", err.Error()))
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
