// Package reconcile keeps the ledger consistent with the positions the
// exchange actually holds. Positions can be opened or closed outside the bot
// (manual trades, liquidations, a crashed predecessor), so every cycle diffs
// both sides and imports, closes or refreshes as needed. The reconciler
// never writes stop-losses itself except through the coordinator's emergency
// path for positions that have none.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
)

// Exchange is the gateway surface the reconciler reads.
type Exchange interface {
	FetchPositions(ctx context.Context, symbols ...string) ([]domain.ExchangePosition, error)
	FetchClosedPnL(ctx context.Context, symbol string, since time.Time) ([]domain.ClosedPnL, error)
}

// Ledger is the position store surface the reconciler mutates.
type Ledger interface {
	SafeGetAllActivePositions() []domain.Position
	SafeGetPosition(id string) (domain.Position, bool)
	ImportPosition(p domain.Position) string
	AtomicUpdatePosition(id string, patch domain.PositionPatch) bool
	AtomicUpdatePriceAndPnL(id string, price float64) bool
	ClosePositionWithPnL(id string, exitPrice float64, reason domain.CloseReason, pnlUSD float64) bool
}

// StopLosses is the coordinator surface the reconciler uses.
type StopLosses interface {
	Register(positionID, symbol string, side domain.Side, sl float64, source domain.SLSource, confirmed bool)
	State(positionID string) (domain.StopLossState, bool)
	MarkConfirmed(positionID string, exchangeSL float64) bool
	EmergencyFix(ctx context.Context, pos domain.Position) (float64, bool)
	Forget(positionID string)
}

// Sagas reports the opener's per-symbol saga counters. A counter is odd
// while an open is in flight and moves on every start and finish.
type Sagas interface {
	SagaActivity() map[string]uint64
}

// Config holds reconciler parameters.
type Config struct {
	Reason ReasonConfig
	// InitialSLPct computes the provisional stop recorded for an import whose
	// emergency fix failed.
	InitialSLPct float64
}

// Report summarises one Tick.
type Report struct {
	ExchangePositions int
	LedgerPositions   int
	Imported          int
	Closed            int
	Refreshed         int
	Confirmed         int
	EmergencyFixed    int
	EmergencyFailed   int
	Deferred          int
}

// Reconciler diffs ledger and exchange on every Tick.
type Reconciler struct {
	exchange Exchange
	ledger   Ledger
	stops    StopLosses
	events   domain.EventSink
	audit    domain.AuditStore
	sagas    Sagas
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithEvents publishes import, close and emergency events.
func WithEvents(s domain.EventSink) Option { return func(r *Reconciler) { r.events = s } }

// WithAudit records imports and closes.
func WithAudit(a domain.AuditStore) Option { return func(r *Reconciler) { r.audit = a } }

// WithSagas leaves symbols with an open in flight, or one that started or
// finished during the cycle, to the next cycle.
func WithSagas(s Sagas) Option { return func(r *Reconciler) { r.sagas = s } }

// New creates a Reconciler.
func New(exchange Exchange, l Ledger, stops StopLosses, cfg Config, logger *slog.Logger, opts ...Option) *Reconciler {
	if cfg.InitialSLPct <= 0 {
		cfg.InitialSLPct = 6
	}
	r := &Reconciler{
		exchange: exchange,
		ledger:   l,
		stops:    stops,
		events:   domain.NopSink{},
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "reconcile")),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Tick runs one reconciliation cycle. A failed position fetch aborts the
// cycle before anything changes: missing data never closes a position.
//
// The ledger is read before the exchange, so a position opened after the
// fetch is never judged against a snapshot that predates it. Symbols an open
// saga touched during the cycle are skipped and picked up on the next one.
func (r *Reconciler) Tick(ctx context.Context) (Report, error) {
	var rep Report
	before := r.sagaActivity()
	tracked := r.ledger.SafeGetAllActivePositions()
	live, err := r.exchange.FetchPositions(ctx)
	if err != nil {
		r.logger.Warn("sync aborted, exchange positions unavailable", slog.String("error", err.Error()))
		return rep, fmt.Errorf("reconcile: fetch positions: %w", err)
	}

	onExchange := make(map[string]domain.ExchangePosition, len(live))
	for _, p := range live {
		if p.Contracts > 0 {
			onExchange[p.Symbol] = p
		}
	}
	rep.ExchangePositions = len(onExchange)
	rep.LedgerPositions = len(tracked)

	seen := make(map[string]bool, len(tracked))
	for _, pos := range tracked {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		seen[pos.Symbol] = true
		ep, ok := onExchange[pos.Symbol]
		switch {
		case !ok || ep.Side != pos.Side:
			if r.sagaBusy(before, pos.Symbol) {
				rep.Deferred++
				r.logger.Debug("close deferred, open in progress", slog.String("symbol", pos.Symbol))
				continue
			}
			r.closeStale(ctx, pos, &rep)
			if ok {
				// Flipped outside the bot: the tracked leg is gone, the new
				// one is adopted below.
				seen[pos.Symbol] = false
			}
		default:
			r.refresh(ctx, pos, ep, &rep)
		}
	}

	for symbol, ep := range onExchange {
		if seen[symbol] || ctx.Err() != nil {
			continue
		}
		if r.sagaBusy(before, symbol) {
			rep.Deferred++
			r.logger.Debug("import deferred, open in progress", slog.String("symbol", symbol))
			continue
		}
		r.importPosition(ctx, ep, &rep)
	}

	if rep.Imported+rep.Closed+rep.EmergencyFixed+rep.EmergencyFailed > 0 {
		r.logger.Info("sync cycle complete",
			slog.Int("exchange", rep.ExchangePositions),
			slog.Int("ledger", rep.LedgerPositions),
			slog.Int("imported", rep.Imported),
			slog.Int("closed", rep.Closed),
			slog.Int("emergency_fixed", rep.EmergencyFixed),
			slog.Int("emergency_failed", rep.EmergencyFailed),
		)
	}
	return rep, nil
}

func (r *Reconciler) sagaActivity() map[string]uint64 {
	if r.sagas == nil {
		return nil
	}
	return r.sagas.SagaActivity()
}

func (r *Reconciler) sagaBusy(before map[string]uint64, symbol string) bool {
	if r.sagas == nil {
		return false
	}
	now := r.sagas.SagaActivity()[symbol]
	return now%2 == 1 || now != before[symbol]
}

func (r *Reconciler) importPosition(ctx context.Context, ep domain.ExchangePosition, rep *Report) {
	pos := domain.Position{
		Symbol:       ep.Symbol,
		Side:         ep.Side,
		EntryPrice:   ep.EntryPrice,
		Size:         ep.Notional(),
		Contracts:    ep.Contracts,
		Leverage:     ep.Leverage,
		CurrentPrice: ep.MarkPrice,
		EntryTime:    ep.UpdatedAt,
	}
	if ep.StopLoss > 0 {
		pos.StopLoss = domain.Float(ep.StopLoss)
		pos.RealStopLoss = domain.Float(ep.StopLoss)
	} else {
		// Provisional until the emergency fix below confirms a stop.
		pos.StopLoss = domain.Float(domain.InitialStopLossPrice(ep.Side, ep.EntryPrice, r.cfg.InitialSLPct))
	}
	if ep.TakeProfit > 0 {
		pos.TakeProfit = domain.Float(ep.TakeProfit)
	}

	id := r.ledger.ImportPosition(pos)
	if id == "" {
		r.logger.Error("import failed", slog.String("symbol", ep.Symbol))
		return
	}
	rep.Imported++
	metrics.ReconcileActions.WithLabelValues("imported").Inc()
	r.logger.Warn("untracked exchange position imported",
		slog.String("position_id", id),
		slog.String("symbol", ep.Symbol),
		slog.String("side", string(ep.Side)),
		slog.Float64("contracts", ep.Contracts),
		slog.Float64("exchange_sl", ep.StopLoss),
	)
	r.auditLog(ctx, "position_imported", map[string]any{
		"position_id": id, "symbol": ep.Symbol, "side": string(ep.Side),
		"contracts": ep.Contracts, "entry": ep.EntryPrice, "exchange_sl": ep.StopLoss,
	})
	r.emit(ctx, domain.EventPositionImported, id, ep.Symbol, ep.Side, ep.MarkPrice, ep.StopLoss, 0,
		fmt.Sprintf("imported %s %s %.6g @ %.6g", ep.Side, ep.Symbol, ep.Contracts, ep.EntryPrice))

	if ep.StopLoss > 0 {
		r.stops.Register(id, ep.Symbol, ep.Side, ep.StopLoss, domain.SLSourceOrchestratorSync, true)
		return
	}
	pos.ID = id
	r.emergency(ctx, pos, rep)
}

func (r *Reconciler) refresh(ctx context.Context, pos domain.Position, ep domain.ExchangePosition, rep *Report) {
	if ep.MarkPrice > 0 {
		r.ledger.AtomicUpdatePriceAndPnL(pos.ID, ep.MarkPrice)
	}
	rep.Refreshed++

	if ep.StopLoss <= 0 {
		pos.CurrentPrice = ep.MarkPrice
		r.emergency(ctx, pos, rep)
		return
	}

	if pos.RealStopLoss == nil || *pos.RealStopLoss != ep.StopLoss {
		r.ledger.AtomicUpdatePosition(pos.ID, domain.PositionPatch{RealStopLoss: domain.Float(ep.StopLoss)})
	}
	if _, ok := r.stops.State(pos.ID); !ok {
		// Coordinator state is in memory only; adopt the exchange stop after a restart.
		r.stops.Register(pos.ID, pos.Symbol, pos.Side, ep.StopLoss, domain.SLSourceOrchestratorSync, true)
		rep.Confirmed++
		return
	}
	if r.stops.MarkConfirmed(pos.ID, ep.StopLoss) {
		rep.Confirmed++
	} else {
		r.logger.Debug("exchange stop differs from coordinator state",
			slog.String("position_id", pos.ID), slog.Float64("exchange_sl", ep.StopLoss))
	}
}

func (r *Reconciler) emergency(ctx context.Context, pos domain.Position, rep *Report) {
	sl, ok := r.stops.EmergencyFix(ctx, pos)
	if !ok {
		rep.EmergencyFailed++
		metrics.ReconcileActions.WithLabelValues("emergency_failed").Inc()
		r.logger.Error("CRITICAL: position has no stop-loss and emergency fix failed",
			slog.String("position_id", pos.ID), slog.String("symbol", pos.Symbol))
		r.emit(ctx, domain.EventEmergencySL, pos.ID, pos.Symbol, pos.Side, pos.CurrentPrice, sl, 0,
			"emergency stop-loss FAILED, position unprotected")
		return
	}
	rep.EmergencyFixed++
	metrics.ReconcileActions.WithLabelValues("emergency_sl").Inc()
	r.emit(ctx, domain.EventEmergencySL, pos.ID, pos.Symbol, pos.Side, pos.CurrentPrice, sl, 0,
		fmt.Sprintf("emergency stop-loss placed at %.6g", sl))
}

func (r *Reconciler) closeStale(ctx context.Context, pos domain.Position, rep *Report) {
	res := r.realisedPnL(ctx, pos)
	exit, pnl := res.Value.Exit, res.Value.PnL
	reason := InferCloseReason(pos, exit, pnl, r.cfg.Reason)

	if !r.ledger.ClosePositionWithPnL(pos.ID, exit, reason, pnl) {
		r.logger.Error("close of stale position failed", slog.String("position_id", pos.ID))
		return
	}
	r.stops.Forget(pos.ID)
	rep.Closed++
	metrics.ReconcileActions.WithLabelValues("closed").Inc()
	metrics.ClosedPositions.WithLabelValues(string(reason)).Inc()

	r.logger.Info("position closed on exchange",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("reason", string(reason)),
		slog.Float64("exit", exit),
		slog.Float64("pnl_usd", pnl),
		slog.String("pnl_source", res.Kind.String()),
		slog.String("pnl_detail", res.Reason),
	)
	r.auditLog(ctx, "position_closed", map[string]any{
		"position_id": pos.ID, "symbol": pos.Symbol, "reason": string(reason),
		"exit": exit, "pnl_usd": pnl, "pnl_source": res.Reason,
	})
	r.emit(ctx, domain.EventPositionClosed, pos.ID, pos.Symbol, pos.Side, exit, 0, pnl,
		fmt.Sprintf("closed %s %s: %s, PnL %.2f USD", pos.Side, pos.Symbol, reason, pnl))
}

// Settlement is the exit price and realised PnL of a closed position.
type Settlement struct {
	Exit float64
	PnL  float64
}

// realisedPnL picks the best available figure: the exchange's fee-inclusive
// closed PnL, then the last unrealised PnL seen, then a fee-naive recompute.
func (r *Reconciler) realisedPnL(ctx context.Context, pos domain.Position) domain.Result[Settlement] {
	records, err := r.exchange.FetchClosedPnL(ctx, pos.Symbol, pos.EntryTime)
	if err == nil {
		for _, rec := range records {
			if rec.Side == "" || rec.Side == pos.Side {
				return domain.Ok(Settlement{Exit: rec.AvgExitPrice, PnL: rec.ClosedPnL})
			}
		}
	} else {
		r.logger.Warn("closed pnl unavailable", slog.String("symbol", pos.Symbol), slog.String("error", err.Error()))
	}

	if pos.CurrentPrice > 0 && pos.UnrealizedPnLUSD != 0 {
		return domain.Fallback(Settlement{Exit: pos.CurrentPrice, PnL: pos.UnrealizedPnLUSD}, "last unrealized pnl")
	}
	exit := pos.CurrentPrice
	if exit <= 0 {
		exit = pos.EntryPrice
	}
	_, pnl := pos.PnLAt(exit)
	return domain.Fallback(Settlement{Exit: exit, PnL: pnl}, "fee-naive recalculation")
}

func (r *Reconciler) emit(ctx context.Context, typ domain.EventType, id, symbol string, side domain.Side, price, sl, pnl float64, msg string) {
	r.events.Emit(ctx, domain.PositionEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		PositionID: id,
		Symbol:     symbol,
		Side:       side,
		Price:      price,
		StopLoss:   sl,
		PnLUSD:     pnl,
		Message:    msg,
		CreatedAt:  r.now().UTC(),
	})
}

func (r *Reconciler) auditLog(ctx context.Context, event string, detail map[string]any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(ctx, event, detail); err != nil {
		r.logger.Warn("audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
