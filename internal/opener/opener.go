// Package opener opens positions as a saga: validate, size, send the market
// order, place the initial stop-loss and register the position. When the stop
// cannot be confirmed the fill is flattened with a reduce-only order, so a
// failed open never leaves unprotected exposure behind.
package opener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/ledger"
	"github.com/alanyoungcy/perpbot/internal/metrics"
)

// Exchange is the gateway surface used by the saga.
type Exchange interface {
	CreateMarketOrder(ctx context.Context, req domain.MarketOrderRequest) (domain.OrderResult, error)
	FetchPositions(ctx context.Context, symbols ...string) ([]domain.ExchangePosition, error)
}

// StopLosses places and registers the initial stop.
type StopLosses interface {
	SetInitialSL(ctx context.Context, symbol string, side domain.Side, entryPrice float64) (bool, float64)
	Register(positionID, symbol string, side domain.Side, sl float64, source domain.SLSource, confirmed bool)
}

// Ledger is the position store surface used by the saga.
type Ledger interface {
	SafeHasPositionForSymbol(symbol string) bool
	SafeGetAllActivePositions() []domain.Position
	CreatePosition(np ledger.NewPosition) string
}

// SizeNormalizer floors contract amounts to the lot step.
type SizeNormalizer interface {
	NormalizePositionSize(ctx context.Context, symbol string, rawSize float64) domain.Result[float64]
}

// Stage names the saga step an OpenResult stopped at.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageDuplicate Stage = "duplicate"
	StageExchange  Stage = "exchange_check"
	StageSizing    Stage = "sizing"
	StageOrder     Stage = "order"
	StageStopLoss  Stage = "stop_loss"
	StageRegister  Stage = "register"
	StageDone      Stage = "done"
)

// OpenRequest asks for a new position. AvailableBalance is the account
// balance before margin already committed to open positions.
type OpenRequest struct {
	Symbol           string
	Side             domain.Side
	Confidence       float64
	Snapshot         domain.MarketSnapshot
	AvailableBalance float64
}

// OpenResult reports the outcome of one saga.
type OpenResult struct {
	Success    bool
	PositionID string
	Error      string
	Stage      Stage
	Contracts  float64
	EntryPrice float64
	StopLoss   float64
	RolledBack bool
}

// Config holds sizing and exchange limits.
type Config struct {
	Leverage    int
	MarginUSD   float64
	MinAmount   float64
	MaxAmount   float64
	MinNotional float64

	RollbackRetries int
	RetryBackoff    time.Duration
	LockTTL         time.Duration
}

// Stats are cumulative saga counters.
type Stats struct {
	Attempts            int64   `json:"attempts"`
	Successes           int64   `json:"successes"`
	Failures            int64   `json:"failures"`
	Rollbacks           int64   `json:"rollbacks"`
	RollbackFailures    int64   `json:"rollback_failures"`
	DuplicatesPrevented int64   `json:"duplicates_prevented"`
	SuccessRate         float64 `json:"success_rate"`
}

// Coordinator runs opening sagas. Calls for the same symbol are rejected
// while one is in flight; sagas for different symbols are serialised by
// sagaMu so the balance and duplicate checks see a consistent ledger.
type Coordinator struct {
	exchange   Exchange
	stops      StopLosses
	ledger     Ledger
	normalizer SizeNormalizer
	locker     domain.LockManager
	events     domain.EventSink
	audit      domain.AuditStore
	cfg        Config
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	sagaMu sync.Mutex

	mu sync.Mutex
	// activity counts saga entries and exits per symbol; odd while in flight.
	activity map[string]uint64
	stats    Stats
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLocker guards each saga with a distributed per-symbol lock.
func WithLocker(l domain.LockManager) Option { return func(c *Coordinator) { c.locker = l } }

// WithEvents publishes position_opened and rollback_failed events.
func WithEvents(s domain.EventSink) Option { return func(c *Coordinator) { c.events = s } }

// WithAudit records rollbacks in the audit log.
func WithAudit(a domain.AuditStore) Option { return func(c *Coordinator) { c.audit = a } }

// WithSleep overrides the rollback retry wait.
func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = f }
}

// New creates a Coordinator.
func New(exchange Exchange, stops StopLosses, l Ledger, normalizer SizeNormalizer, cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	if cfg.Leverage < 1 {
		cfg.Leverage = 1
	}
	if cfg.RollbackRetries < 1 {
		cfg.RollbackRetries = 3
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	c := &Coordinator{
		exchange:   exchange,
		stops:      stops,
		ledger:     l,
		normalizer: normalizer,
		events:     domain.NopSink{},
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "opener")),
		sleep:      sleepCtx,
		activity:   make(map[string]uint64),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OpenPositionAtomic runs the opening saga for req. Failures before the
// market order leave no state behind; failures after it flatten the fill.
func (c *Coordinator) OpenPositionAtomic(ctx context.Context, req OpenRequest) OpenResult {
	c.bump(func(s *Stats) { s.Attempts++ })
	log := c.logger.With(
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Float64("confidence", req.Confidence),
	)

	// 1. Input validation.
	if err := validate(req); err != nil {
		return c.fail(log, StageValidate, err.Error())
	}

	// 2. In-flight guard. A second call for the same symbol returns at once.
	if !c.enter(req.Symbol) {
		c.bump(func(s *Stats) { s.DuplicatesPrevented++ })
		return c.duplicate(log, "open already in flight")
	}
	defer c.leave(req.Symbol)

	c.sagaMu.Lock()
	defer c.sagaMu.Unlock()

	if c.locker != nil {
		unlock, err := c.locker.Acquire(ctx, "open:"+req.Symbol, c.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				c.bump(func(s *Stats) { s.DuplicatesPrevented++ })
				return c.duplicate(log, "open lock held by another instance")
			}
			return c.fail(log, StageValidate, fmt.Sprintf("acquire open lock: %v", err))
		}
		defer unlock()
	}

	// 3. Ledger and exchange duplicate checks.
	if c.ledger.SafeHasPositionForSymbol(req.Symbol) {
		c.bump(func(s *Stats) { s.DuplicatesPrevented++ })
		return c.duplicate(log, "position already tracked in ledger")
	}
	live, err := c.exchange.FetchPositions(ctx, req.Symbol)
	if err != nil {
		return c.fail(log, StageExchange, fmt.Sprintf("fetch positions: %v", err))
	}
	for _, p := range live {
		if p.Symbol == req.Symbol && p.Contracts > 0 {
			c.bump(func(s *Stats) { s.DuplicatesPrevented++ })
			return c.duplicate(log, "position already open on exchange")
		}
	}

	// 4. Sizing.
	price := req.Snapshot.Price
	margin := c.cfg.MarginUSD * ConfidenceScale(req.Confidence)
	notional := margin * float64(c.cfg.Leverage)
	raw := notional / price

	res := c.normalizer.NormalizePositionSize(ctx, req.Symbol, raw)
	switch res.Kind {
	case domain.ResultErr:
		return c.fail(log, StageSizing, "normalise size: "+res.Reason)
	case domain.ResultFallback:
		log.Warn("lot step unavailable, using raw size",
			slog.Float64("contracts", raw), slog.String("reason", res.Reason))
	}
	contracts := res.Value
	notional = contracts * price
	margin = notional / float64(c.cfg.Leverage)

	if contracts < c.cfg.MinAmount || (c.cfg.MaxAmount > 0 && contracts > c.cfg.MaxAmount) {
		return c.fail(log, StageSizing, fmt.Sprintf("amount %v outside [%v, %v]", contracts, c.cfg.MinAmount, c.cfg.MaxAmount))
	}
	if notional < c.cfg.MinNotional {
		return c.fail(log, StageSizing, fmt.Sprintf("notional %.4f below minimum %.4f", notional, c.cfg.MinNotional))
	}
	if avail := c.realAvailable(req.AvailableBalance); margin > avail {
		return c.fail(log, StageSizing, fmt.Sprintf("margin %.2f exceeds available balance %.2f", margin, avail))
	}

	// 5. Market order.
	order, err := c.exchange.CreateMarketOrder(ctx, domain.MarketOrderRequest{
		Symbol:   req.Symbol,
		Side:     req.Side.EntryOrderSide(),
		Amount:   contracts,
		ClientID: uuid.NewString(),
	})
	if err != nil {
		return c.fail(log, StageOrder, fmt.Sprintf("market order: %v", err))
	}
	entry := order.AvgPrice
	if entry <= 0 {
		entry = price
	}
	filled := order.Amount
	if filled <= 0 {
		filled = contracts
	}
	log = log.With(slog.String("order_id", order.OrderID), slog.Float64("entry", entry), slog.Float64("contracts", filled))
	log.Info("entry filled")

	// 6. Initial stop-loss. Without a confirmed stop the fill is flattened.
	ok, sl := c.stops.SetInitialSL(ctx, req.Symbol, req.Side, entry)
	if !ok {
		rolled := c.rollback(ctx, log, req.Symbol, req.Side, filled, "initial stop-loss not confirmed")
		r := c.fail(log, StageStopLoss, "initial stop-loss could not be placed")
		r.RolledBack = rolled
		r.Contracts, r.EntryPrice = filled, entry
		return r
	}

	// 7. Ledger registration.
	id := c.ledger.CreatePosition(ledger.NewPosition{
		Symbol:     req.Symbol,
		Side:       req.Side,
		EntryPrice: entry,
		Size:       filled * entry,
		Contracts:  filled,
		Leverage:   c.cfg.Leverage,
		Confidence: req.Confidence,
		StopLoss:   domain.Float(sl),
	})
	if id == "" {
		rolled := c.rollback(ctx, log, req.Symbol, req.Side, filled, "ledger registration failed")
		r := c.fail(log, StageRegister, "ledger rejected the position")
		r.RolledBack = rolled
		return r
	}
	c.stops.Register(id, req.Symbol, req.Side, sl, domain.SLSourceInitialSet, true)

	c.bump(func(s *Stats) { s.Successes++ })
	metrics.OpenAttempts.WithLabelValues("success").Inc()
	log.Info("position opened", slog.String("position_id", id), slog.Float64("stop_loss", sl))
	c.events.Emit(ctx, domain.PositionEvent{
		ID:         uuid.NewString(),
		Type:       domain.EventPositionOpened,
		PositionID: id,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Price:      entry,
		StopLoss:   sl,
		Message:    fmt.Sprintf("opened %s %s %.6g @ %.6g, SL %.6g", req.Side, req.Symbol, filled, entry, sl),
		CreatedAt:  time.Now().UTC(),
	})
	return OpenResult{
		Success:    true,
		PositionID: id,
		Stage:      StageDone,
		Contracts:  filled,
		EntryPrice: entry,
		StopLoss:   sl,
	}
}

// Stats returns a snapshot of the saga counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	if s.Attempts > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Attempts)
	}
	return s
}

// ConfidenceScale maps signal confidence onto a margin multiplier.
func ConfidenceScale(confidence float64) float64 {
	switch {
	case confidence >= 0.8:
		return 1.25
	case confidence >= 0.65:
		return 1.0
	default:
		return 0.75
	}
}

// realAvailable subtracts committed margin and open losses from balance.
func (c *Coordinator) realAvailable(balance float64) float64 {
	avail := balance
	for _, p := range c.ledger.SafeGetAllActivePositions() {
		avail -= p.Margin()
		if p.UnrealizedPnLUSD < 0 {
			avail += p.UnrealizedPnLUSD
		}
	}
	return math.Max(0, avail)
}

// rollback flattens a fill with a reduce-only opposite order. It runs on a
// context detached from the caller so cancellation cannot strand exposure.
func (c *Coordinator) rollback(ctx context.Context, log *slog.Logger, symbol string, side domain.Side, contracts float64, why string) bool {
	c.bump(func(s *Stats) { s.Rollbacks++ })
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	log.Warn("rolling back entry", slog.String("reason", why))
	clientID := uuid.NewString()
	var lastErr error
	for attempt := 1; attempt <= c.cfg.RollbackRetries; attempt++ {
		_, err := c.exchange.CreateMarketOrder(rctx, domain.MarketOrderRequest{
			Symbol:     symbol,
			Side:       side.ExitOrderSide(),
			Amount:     contracts,
			ReduceOnly: true,
			ClientID:   clientID,
		})
		if err == nil {
			metrics.Rollbacks.WithLabelValues("ok").Inc()
			log.Info("entry rolled back", slog.Int("attempt", attempt))
			c.auditLog(rctx, "rollback", symbol, side, contracts, why, nil)
			return true
		}
		lastErr = err
		log.Warn("rollback attempt failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		if attempt < c.cfg.RollbackRetries {
			if c.sleep(rctx, c.cfg.RetryBackoff) != nil {
				break
			}
		}
	}

	c.bump(func(s *Stats) { s.RollbackFailures++ })
	metrics.Rollbacks.WithLabelValues("failed").Inc()
	log.Error("CRITICAL: rollback failed, unprotected position requires manual intervention",
		slog.String("error", lastErr.Error()))
	c.auditLog(rctx, "rollback_failed", symbol, side, contracts, why, lastErr)
	c.events.Emit(rctx, domain.PositionEvent{
		ID:        uuid.NewString(),
		Type:      domain.EventRollbackFailed,
		Symbol:    symbol,
		Side:      side,
		Reason:    "manual_intervention",
		Message:   fmt.Sprintf("rollback of %s %s %.6g failed: %v", side, symbol, contracts, lastErr),
		CreatedAt: time.Now().UTC(),
	})
	return false
}

func (c *Coordinator) fail(log *slog.Logger, stage Stage, msg string) OpenResult {
	c.bump(func(s *Stats) { s.Failures++ })
	metrics.OpenAttempts.WithLabelValues("failed").Inc()
	log.Warn("open failed", slog.String("stage", string(stage)), slog.String("error", msg))
	return OpenResult{Stage: stage, Error: msg}
}

func (c *Coordinator) duplicate(log *slog.Logger, msg string) OpenResult {
	c.bump(func(s *Stats) { s.Failures++ })
	metrics.OpenAttempts.WithLabelValues("duplicate").Inc()
	log.Info("duplicate open prevented", slog.String("reason", msg))
	return OpenResult{Stage: StageDuplicate, Error: msg}
}

func (c *Coordinator) enter(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activity[symbol]%2 == 1 {
		return false
	}
	c.activity[symbol]++
	return true
}

func (c *Coordinator) leave(symbol string) {
	c.mu.Lock()
	c.activity[symbol]++
	c.mu.Unlock()
}

// SagaActivity snapshots the per-symbol saga counters. A symbol whose
// counter is odd has an open in flight; a counter that moved between two
// snapshots saw a saga start or finish in between.
func (c *Coordinator) SagaActivity() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.activity))
	for k, v := range c.activity {
		out[k] = v
	}
	return out
}

func (c *Coordinator) bump(f func(*Stats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}

func (c *Coordinator) auditLog(ctx context.Context, event, symbol string, side domain.Side, contracts float64, why string, err error) {
	if c.audit == nil {
		return
	}
	detail := map[string]any{
		"symbol":    symbol,
		"side":      string(side),
		"contracts": contracts,
		"reason":    why,
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	if aerr := c.audit.Log(ctx, event, detail); aerr != nil {
		c.logger.Warn("audit log failed", slog.String("event", event), slog.String("error", aerr.Error()))
	}
}

func validate(req OpenRequest) error {
	switch {
	case req.Symbol == "":
		return errors.New("symbol is empty")
	case !req.Side.Valid():
		return fmt.Errorf("invalid side %q", req.Side)
	case req.Snapshot.Price <= 0 || math.IsNaN(req.Snapshot.Price):
		return fmt.Errorf("invalid price %v", req.Snapshot.Price)
	case req.Confidence < 0 || req.Confidence > 1:
		return fmt.Errorf("confidence %v outside [0, 1]", req.Confidence)
	case req.AvailableBalance <= 0:
		return errors.New("no available balance")
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
