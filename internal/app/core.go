package app

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	s3blob "github.com/alanyoungcy/perpbot/internal/blob/s3"
	"github.com/alanyoungcy/perpbot/internal/config"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/ledger"
	"github.com/alanyoungcy/perpbot/internal/monitor"
	"github.com/alanyoungcy/perpbot/internal/opener"
	"github.com/alanyoungcy/perpbot/internal/precision"
	"github.com/alanyoungcy/perpbot/internal/reconcile"
	"github.com/alanyoungcy/perpbot/internal/stoploss"
	"github.com/alanyoungcy/perpbot/internal/trailing"
)

// openLockTTL bounds how long the distributed open lock outlives a crashed
// saga.
const openLockTTL = 30 * time.Second

// Core is the position lifecycle: the ledger and the coordinators that
// mutate it.
type Core struct {
	Ledger     *ledger.Ledger
	Store      *ledger.FileStore
	Normalizer *precision.Normalizer
	StopLoss   *stoploss.Coordinator
	Trailing   *trailing.Engine
	Opener     *opener.Coordinator
	Reconciler *reconcile.Reconciler
	Monitor    *monitor.Monitor
}

// newLedger builds the file-backed ledger, restoring the newest S3 snapshot
// first when the local document is missing.
func newLedger(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*ledger.Ledger, *ledger.FileStore, error) {
	var storeOpts []ledger.FileStoreOption
	if deps.Snapshotter != nil {
		storeOpts = append(storeOpts, ledger.WithQuarantiner(deps.Snapshotter))
	}
	store := ledger.NewFileStore(cfg.Ledger.Path, logger, storeOpts...)

	if deps.Snapshotter != nil {
		if err := restoreLedger(ctx, store, deps.Snapshotter, logger); err != nil {
			logger.WarnContext(ctx, "ledger restore from snapshot failed", slog.String("error", err.Error()))
		}
	}

	opts := ledger.Options{
		StartBalance:       cfg.Ledger.StartBalance,
		MaxClosed:          cfg.Ledger.MaxClosed,
		InitialSLPct:       cfg.StopLoss.InitialPct,
		TrailingTriggerPct: cfg.Trailing.TriggerPct,
		Store:              store,
	}
	if deps.Archive != nil {
		opts.Archive = deps.Archive
	}
	if deps.Outcomes != nil {
		opts.Outcomes = deps.Outcomes
	}
	l := ledger.New(opts, logger)
	if err := l.Load(); err != nil {
		return nil, nil, err
	}
	return l, store, nil
}

// snapshotSource is the read side of the snapshot store.
type snapshotSource interface {
	Latest(ctx context.Context) (ledger.Document, string, error)
}

// restoreLedger seeds a missing local document from the latest snapshot. An
// existing document, even a corrupt one, is left to the store.
func restoreLedger(ctx context.Context, store ledger.Store, snaps snapshotSource, logger *slog.Logger) error {
	if fp, ok := store.(interface{ Path() string }); ok {
		if _, err := os.Stat(fp.Path()); !errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}
	doc, path, err := snaps.Latest(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := store.Save(doc); err != nil {
		return err
	}
	logger.InfoContext(ctx, "ledger restored from snapshot",
		slog.String("snapshot", path),
		slog.Int("open", len(doc.OpenPositions)),
	)
	return nil
}

// buildCore wires the coordinators over deps.Exchange.
func buildCore(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Core, error) {
	l, store, err := newLedger(ctx, cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	c := &Core{Ledger: l, Store: store}

	c.Normalizer = precision.New(deps.Exchange, logger)

	var slOpts []stoploss.Option
	if deps.AuditStore != nil {
		slOpts = append(slOpts, stoploss.WithAudit(deps.AuditStore))
	}
	c.StopLoss = stoploss.New(deps.Exchange, c.Normalizer, l, stoploss.Config{
		InitialPct:   cfg.StopLoss.InitialPct,
		MaxRetries:   cfg.StopLoss.MaxRetries,
		RetryBackoff: cfg.StopLoss.RetryBackoff.Duration,
		Epsilon:      cfg.StopLoss.Epsilon,
	}, logger, slOpts...)

	c.Trailing = trailing.New(l, c.StopLoss, c.Normalizer, deps.Events, trailing.Config{
		Enabled:        cfg.Trailing.Enabled,
		TriggerPct:     cfg.Trailing.TriggerPct,
		DistanceROEPct: cfg.Trailing.DistanceROEPct,
	}, logger)

	openOpts := []opener.Option{opener.WithEvents(deps.Events)}
	if cfg.Trading.DistributedLock && deps.LockManager != nil {
		openOpts = append(openOpts, opener.WithLocker(deps.LockManager))
	}
	if deps.AuditStore != nil {
		openOpts = append(openOpts, opener.WithAudit(deps.AuditStore))
	}
	c.Opener = opener.New(deps.Exchange, c.StopLoss, l, c.Normalizer, opener.Config{
		Leverage:        cfg.Trading.Leverage,
		MarginUSD:       cfg.Trading.MarginUSD,
		MinAmount:       cfg.Trading.MinAmount,
		MaxAmount:       cfg.Trading.MaxAmount,
		MinNotional:     cfg.Trading.MinNotional,
		RollbackRetries: cfg.StopLoss.MaxRetries,
		RetryBackoff:    cfg.StopLoss.RetryBackoff.Duration,
		LockTTL:         openLockTTL,
	}, logger, openOpts...)

	recOpts := []reconcile.Option{reconcile.WithEvents(deps.Events), reconcile.WithSagas(c.Opener)}
	if deps.AuditStore != nil {
		recOpts = append(recOpts, reconcile.WithAudit(deps.AuditStore))
	}
	c.Reconciler = reconcile.New(deps.Exchange, l, c.StopLoss, reconcile.Config{
		Reason: reconcile.ReasonConfig{
			SLTolerancePct: cfg.Sync.SLTolerancePct,
			BreakevenUSD:   cfg.Sync.BreakevenUSD,
		},
		InitialSLPct: cfg.StopLoss.InitialPct,
	}, logger, recOpts...)

	var monOpts []monitor.Option
	if deps.PriceCache != nil {
		monOpts = append(monOpts, monitor.WithPriceCache(deps.PriceCache, 30*time.Second))
	}
	c.Monitor = monitor.New(l, deps.Exchange, c.Trailing, c.StopLoss, logger, monOpts...)

	return c, nil
}

var _ snapshotSource = (*s3blob.Snapshotter)(nil)
