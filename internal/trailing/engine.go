// Package trailing ratchets stop-losses behind favourable price moves. Each
// position carries a two-state machine: Dormant until the raw price move
// reaches the trigger, then Active for the rest of its life.
package trailing

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
	"github.com/alanyoungcy/perpbot/internal/precision"
	"github.com/alanyoungcy/perpbot/internal/stoploss"
	"github.com/google/uuid"
)

// Positions is the ledger surface the engine reads and patches.
type Positions interface {
	SafeGetAllActivePositions() []domain.Position
	AtomicUpdatePosition(id string, patch domain.PositionPatch) bool
}

// StopLosses is the coordinator surface the engine submits requests to.
type StopLosses interface {
	RequestSLUpdate(positionID string, newSL float64, source domain.SLSource) stoploss.RequestOutcome
	State(positionID string) (domain.StopLossState, bool)
	Pending(positionID string) (float64, domain.SLSource, bool)
}

// Normalizer rounds candidate stops onto the tick grid.
type Normalizer interface {
	NormalizeStopLoss(ctx context.Context, symbol string, side domain.Side, refPrice, rawSL float64) domain.Result[float64]
	TickSize(ctx context.Context, symbol string) (float64, bool)
}

// Config holds trailing parameters. TriggerPct is a raw price move;
// DistanceROEPct is a return-on-equity distance converted to price through
// the position leverage.
type Config struct {
	Enabled        bool
	TriggerPct     float64
	DistanceROEPct float64
}

// Report summarises one Tick.
type Report struct {
	Evaluated int
	Activated int
	Requested int
	Skipped   int
}

// Engine evaluates open positions on every Tick. It never writes to the
// exchange; stops are requested from the coordinator with source
// TRAILING_ACTIVE.
type Engine struct {
	positions  Positions
	stops      StopLosses
	normalizer Normalizer
	events     domain.EventSink
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an Engine. events may be nil.
func New(positions Positions, stops StopLosses, normalizer Normalizer, events domain.EventSink, cfg Config, logger *slog.Logger) *Engine {
	if cfg.TriggerPct <= 0 {
		cfg.TriggerPct = 10
	}
	if cfg.DistanceROEPct <= 0 {
		cfg.DistanceROEPct = 8
	}
	if events == nil {
		events = domain.NopSink{}
	}
	return &Engine{
		positions:  positions,
		stops:      stops,
		normalizer: normalizer,
		events:     events,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "trailing")),
		now:        time.Now,
	}
}

// Tick evaluates every open position against its current price.
func (e *Engine) Tick(ctx context.Context) Report {
	var rep Report
	if !e.cfg.Enabled {
		return rep
	}
	for _, pos := range e.positions.SafeGetAllActivePositions() {
		if ctx.Err() != nil {
			break
		}
		if pos.CurrentPrice <= 0 || pos.EntryPrice <= 0 {
			rep.Skipped++
			continue
		}
		rep.Evaluated++
		if pos.Trailing == nil || !pos.Trailing.Enabled {
			activated, requested := e.evaluateDormant(ctx, pos)
			if activated {
				rep.Activated++
			}
			if requested {
				rep.Requested++
			}
			continue
		}
		if e.evaluateActive(ctx, pos) {
			rep.Requested++
		}
	}
	return rep
}

// DistancePricePct converts the ROE distance into a price distance for the
// given leverage.
func DistancePricePct(distanceROEPct float64, leverage int) float64 {
	if leverage < 1 {
		leverage = 1
	}
	return distanceROEPct / float64(leverage)
}

// IdealStop is the trailing stop for a favourable extreme hwm.
func IdealStop(side domain.Side, hwm, distancePricePct float64) float64 {
	return hwm * (1 - side.Sign()*distancePricePct/100)
}

func (e *Engine) evaluateDormant(ctx context.Context, pos domain.Position) (activated, requested bool) {
	move := domain.PriceMovePct(pos.Side, pos.EntryPrice, pos.CurrentPrice)
	if move < e.cfg.TriggerPct {
		if pos.Trailing == nil {
			e.positions.AtomicUpdatePosition(pos.ID, domain.PositionPatch{
				Trailing: &domain.TrailingState{TriggerPct: e.cfg.TriggerPct},
			})
		}
		return false, false
	}

	now := e.now()
	state := &domain.TrailingState{
		Enabled:           true,
		TriggerPct:        e.cfg.TriggerPct,
		MaxFavorablePrice: pos.CurrentPrice,
		ActivationTime:    &now,
		LastUpdate:        &now,
	}
	if pos.Trailing != nil {
		state.UpdateCount = pos.Trailing.UpdateCount
	}

	// CurrentStopLoss is recorded by the coordinator once the exchange
	// accepts the stop.
	sl, ok := e.candidate(ctx, pos, pos.CurrentPrice)
	if ok && e.moreProtective(pos, sl) && e.submit(pos, sl) {
		requested = true
	}
	e.positions.AtomicUpdatePosition(pos.ID, domain.PositionPatch{Trailing: state})
	metrics.TrailingActivations.Inc()

	e.logger.Info("trailing stop activated",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("price", pos.CurrentPrice),
		slog.Float64("move_pct", move),
		slog.Float64("stop_loss", sl),
	)
	e.events.Emit(ctx, domain.PositionEvent{
		ID:         uuid.NewString(),
		Type:       domain.EventTrailingActivated,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Price:      pos.CurrentPrice,
		StopLoss:   sl,
		PnLPct:     pos.UnrealizedPnLPct,
		Message:    "trailing stop activated",
		CreatedAt:  now,
	})
	return true, requested
}

func (e *Engine) evaluateActive(ctx context.Context, pos domain.Position) bool {
	ts := pos.Trailing.Clone()
	hwm := ts.MaxFavorablePrice
	if hwm <= 0 || favourable(pos.Side, pos.CurrentPrice, hwm) {
		hwm = pos.CurrentPrice
	}
	moved := hwm != ts.MaxFavorablePrice
	ts.MaxFavorablePrice = hwm

	sl, ok := e.candidate(ctx, pos, hwm)
	requested := false
	if ok && e.moreProtective(pos, sl) && e.beyondTick(ctx, pos, sl) && e.submit(pos, sl) {
		now := e.now()
		ts.LastUpdate = &now
		requested = true
		e.logger.Debug("trailing stop raised",
			slog.String("position_id", pos.ID),
			slog.Float64("hwm", hwm),
			slog.Float64("stop_loss", sl),
		)
	}
	if moved || requested {
		e.positions.AtomicUpdatePosition(pos.ID, domain.PositionPatch{Trailing: ts})
	}
	return requested
}

// candidate computes and normalises the stop for favourable extreme hwm,
// validated against the current price.
func (e *Engine) candidate(ctx context.Context, pos domain.Position, hwm float64) (float64, bool) {
	raw := IdealStop(pos.Side, hwm, DistancePricePct(e.cfg.DistanceROEPct, pos.Leverage))
	res := e.normalizer.NormalizeStopLoss(ctx, pos.Symbol, pos.Side, pos.CurrentPrice, raw)
	switch res.Kind {
	case domain.ResultErr:
		e.logger.Warn("trailing stop rejected",
			slog.String("position_id", pos.ID), slog.String("reason", res.Reason))
		return 0, false
	case domain.ResultFallback:
		e.logger.Warn("trailing stop degraded",
			slog.String("position_id", pos.ID),
			slog.Float64("raw_sl", raw),
			slog.Float64("stop_loss", res.Value),
			slog.String("reason", res.Reason),
		)
	}
	return res.Value, true
}

// currentStop is the tightest stop already known for the position: the
// stop the coordinator applied, one it has queued, and the ledger's stops
// for positions it does not track.
func (e *Engine) currentStop(pos domain.Position) (float64, bool) {
	var best float64
	var ok bool
	consider := func(v float64) {
		if v <= 0 {
			return
		}
		if !ok || favourable(pos.Side, v, best) {
			best, ok = v, true
		}
	}
	if st, tracked := e.stops.State(pos.ID); tracked {
		consider(st.CurrentSL)
	} else {
		if sl, set := pos.EffectiveStopLoss(); set {
			consider(sl)
		}
		if pos.StopLoss != nil {
			consider(*pos.StopLoss)
		}
	}
	if sl, _, queued := e.stops.Pending(pos.ID); queued {
		consider(sl)
	}
	return best, ok
}

func (e *Engine) moreProtective(pos domain.Position, sl float64) bool {
	cur, ok := e.currentStop(pos)
	if !ok {
		return true
	}
	return favourable(pos.Side, sl, cur)
}

// beyondTick requires the new stop to move by more than one tick.
func (e *Engine) beyondTick(ctx context.Context, pos domain.Position, sl float64) bool {
	cur, ok := e.currentStop(pos)
	if !ok {
		return true
	}
	tick, known := e.normalizer.TickSize(ctx, pos.Symbol)
	if !known {
		tick = precision.FallbackTick(pos.CurrentPrice)
	}
	return precision.ExceedsTick(sl, cur, tick)
}

func (e *Engine) submit(pos domain.Position, sl float64) bool {
	out := e.stops.RequestSLUpdate(pos.ID, sl, domain.SLSourceTrailingActive)
	if out == stoploss.Rejected {
		e.logger.Debug("trailing request not accepted",
			slog.String("position_id", pos.ID), slog.Float64("stop_loss", sl))
		return false
	}
	return true
}

// favourable reports whether a is strictly better than b for side: higher for
// longs, lower for shorts.
func favourable(side domain.Side, a, b float64) bool {
	return domain.MoreProtective(side, a, b)
}
