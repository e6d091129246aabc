// Package stoploss owns every write of a stop-loss to the exchange. Requests
// from the trailing engine, the reconciler, manual operators and protection
// paths are queued per position, arbitrated by source priority and applied in
// acceptance order.
package stoploss

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
)

// Exchange is the slice of the gateway the coordinator writes through.
type Exchange interface {
	SetTradingStop(ctx context.Context, req domain.TradingStopRequest) error
}

// Normalizer rounds stop prices onto the instrument grid.
type Normalizer interface {
	NormalizeStopLoss(ctx context.Context, symbol string, side domain.Side, refPrice, rawSL float64) domain.Result[float64]
	TickSize(ctx context.Context, symbol string) (float64, bool)
}

// LedgerWriter mirrors applied stops into the position ledger.
type LedgerWriter interface {
	AtomicUpdatePosition(id string, patch domain.PositionPatch) bool
}

// Config holds coordinator parameters.
type Config struct {
	InitialPct   float64
	MaxRetries   int
	RetryBackoff time.Duration
	Epsilon      float64
}

// RequestOutcome is the result of RequestSLUpdate.
type RequestOutcome int

const (
	Accepted RequestOutcome = iota
	Replaced
	Rejected
)

func (o RequestOutcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Replaced:
		return "replaced"
	default:
		return "rejected"
	}
}

// Stats are cumulative coordinator counters.
type Stats struct {
	Requests      int64 `json:"requests"`
	Accepted      int64 `json:"accepted"`
	Replaced      int64 `json:"replaced"`
	Rejected      int64 `json:"rejected"`
	Conflicts     int64 `json:"conflicts"`
	Applied       int64 `json:"applied"`
	NotModified   int64 `json:"not_modified"`
	Skipped       int64 `json:"skipped"`
	Failed        int64 `json:"failed"`
	InitialSet    int64 `json:"initial_set"`
	InitialFailed int64 `json:"initial_failed"`
	Emergency     int64 `json:"emergency"`
	Pending       int   `json:"pending"`
	Tracked       int   `json:"tracked"`
}

// ProcessReport summarises one ProcessSLUpdates run.
type ProcessReport struct {
	Processed int
	Applied   int
	Skipped   int
	Failed    int
}

type update struct {
	positionID string
	symbol     string
	side       domain.Side
	newSL      float64
	source     domain.SLSource
	acceptedAt time.Time
}

// Coordinator is safe for concurrent use. mu guards state and queue and is
// never held across an exchange call; procMu serialises ProcessSLUpdates so
// updates for one position can never race each other.
type Coordinator struct {
	exchange   Exchange
	normalizer Normalizer
	ledger     LedgerWriter
	audit      domain.AuditStore
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	procMu sync.Mutex

	mu      sync.Mutex
	states  map[string]*domain.StopLossState
	pending map[string]*update
	queue   []string
	stats   Stats
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithAudit records applied, failed and emergency writes.
func WithAudit(a domain.AuditStore) Option {
	return func(c *Coordinator) { c.audit = a }
}

// WithClock overrides the time source and the retry sleeper.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// New creates a Coordinator.
func New(exchange Exchange, normalizer Normalizer, ledger LedgerWriter, cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	if cfg.InitialPct <= 0 {
		cfg.InitialPct = 6
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = 1e-9
	}
	c := &Coordinator{
		exchange:   exchange,
		normalizer: normalizer,
		ledger:     ledger,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "stoploss")),
		now:        time.Now,
		sleep:      sleepCtx,
		states:     make(map[string]*domain.StopLossState),
		pending:    make(map[string]*update),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetInitialSL places the initial stop for a freshly filled entry: InitialPct
// percent away from entry, normalised, retried up to MaxRetries times. It
// returns whether the exchange confirmed the stop and the stop price.
func (c *Coordinator) SetInitialSL(ctx context.Context, symbol string, side domain.Side, entryPrice float64) (bool, float64) {
	raw := domain.InitialStopLossPrice(side, entryPrice, c.cfg.InitialPct)
	res := c.normalizer.NormalizeStopLoss(ctx, symbol, side, entryPrice, raw)
	if !res.Usable() {
		c.logger.Error("initial stop-loss normalisation failed",
			slog.String("symbol", symbol), slog.String("reason", res.Reason))
		c.bump(func(s *Stats) { s.InitialFailed++ })
		return false, 0
	}
	if res.Kind == domain.ResultFallback {
		c.logger.Warn("initial stop-loss uses fallback rounding",
			slog.String("symbol", symbol), slog.String("reason", res.Reason))
	}
	sl := res.Value

	err := c.applyWithRetry(ctx, domain.TradingStopRequest{Symbol: symbol, Side: side, StopLoss: sl})
	if err != nil {
		c.logger.Error("initial stop-loss failed after retries",
			slog.String("symbol", symbol),
			slog.Float64("stop_loss", sl),
			slog.Int("attempts", c.cfg.MaxRetries),
			slog.String("error", err.Error()),
		)
		c.bump(func(s *Stats) { s.InitialFailed++ })
		metrics.StopLossWrites.WithLabelValues(string(domain.SLSourceInitialSet), "failed").Inc()
		return false, sl
	}
	c.bump(func(s *Stats) { s.InitialSet++ })
	metrics.StopLossWrites.WithLabelValues(string(domain.SLSourceInitialSet), "ok").Inc()
	c.logger.Info("initial stop-loss set",
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.Float64("entry", entryPrice),
		slog.Float64("stop_loss", sl),
	)
	return true, sl
}

// Register starts tracking the stop attached to a position.
func (c *Coordinator) Register(positionID, symbol string, side domain.Side, sl float64, source domain.SLSource, confirmed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[positionID] = &domain.StopLossState{
		PositionID:        positionID,
		Symbol:            symbol,
		Side:              side,
		CurrentSL:         sl,
		Source:            source,
		ExchangeConfirmed: confirmed,
		LastUpdate:        c.now(),
	}
}

// RequestSLUpdate queues a stop change. A request loses when its priority is
// below the pending request for the position or, with nothing pending, below
// the source of the applied stop. An equal or higher priority request replaces
// the pending one.
func (c *Coordinator) RequestSLUpdate(positionID string, newSL float64, source domain.SLSource) RequestOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Requests++

	state, ok := c.states[positionID]
	if !ok || newSL <= 0 || math.IsNaN(newSL) {
		c.stats.Rejected++
		c.logger.Warn("stop-loss request rejected",
			slog.String("position_id", positionID),
			slog.Float64("new_sl", newSL),
			slog.Bool("tracked", ok),
		)
		return Rejected
	}

	req := &update{
		positionID: positionID,
		symbol:     state.Symbol,
		side:       state.Side,
		newSL:      newSL,
		source:     source,
		acceptedAt: c.now(),
	}

	if cur, exists := c.pending[positionID]; exists {
		c.stats.Conflicts++
		metrics.StopLossConflicts.Inc()
		if source.Priority() < cur.source.Priority() {
			c.stats.Rejected++
			c.logger.Debug("stop-loss request lost to pending",
				slog.String("position_id", positionID),
				slog.String("source", string(source)),
				slog.String("pending_source", string(cur.source)),
			)
			return Rejected
		}
		c.pending[positionID] = req
		c.stats.Replaced++
		return Replaced
	}

	if source.Priority() < state.Source.Priority() {
		c.stats.Rejected++
		c.logger.Debug("stop-loss request below applied source",
			slog.String("position_id", positionID),
			slog.String("source", string(source)),
			slog.String("applied_source", string(state.Source)),
		)
		return Rejected
	}
	c.pending[positionID] = req
	c.queue = append(c.queue, positionID)
	c.stats.Accepted++
	return Accepted
}

// ProcessSLUpdates drains the queue in acceptance order and applies each
// update to the exchange. Updates within epsilon of the applied stop are
// skipped. The exchange's "not modified" answer counts as success.
func (c *Coordinator) ProcessSLUpdates(ctx context.Context) ProcessReport {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	c.mu.Lock()
	queue := c.queue
	batch := make([]*update, 0, len(queue))
	for _, id := range queue {
		if u, ok := c.pending[id]; ok {
			batch = append(batch, u)
			delete(c.pending, id)
		}
	}
	c.queue = nil
	c.mu.Unlock()

	var rep ProcessReport
	for i, u := range batch {
		if ctx.Err() != nil {
			c.requeue(batch[i:])
			break
		}
		rep.Processed++

		current, tracked := c.State(u.positionID)
		if !tracked {
			rep.Skipped++
			continue
		}
		if math.Abs(u.newSL-current.CurrentSL) <= c.epsilon(ctx, u.symbol) {
			rep.Skipped++
			c.bump(func(s *Stats) { s.Skipped++ })
			continue
		}

		err := c.applyWithRetry(ctx, domain.TradingStopRequest{
			Symbol:   u.symbol,
			Side:     u.side,
			StopLoss: u.newSL,
		})
		if err != nil {
			rep.Failed++
			c.bump(func(s *Stats) { s.Failed++ })
			metrics.StopLossWrites.WithLabelValues(string(u.source), "failed").Inc()
			c.logger.Error("stop-loss update failed",
				slog.String("position_id", u.positionID),
				slog.String("symbol", u.symbol),
				slog.String("source", string(u.source)),
				slog.Float64("new_sl", u.newSL),
				slog.String("error", err.Error()),
			)
			c.auditLog(ctx, "stop_loss_failed", u, err)
			continue
		}

		c.markApplied(u)
		rep.Applied++
		metrics.StopLossWrites.WithLabelValues(string(u.source), "ok").Inc()
		c.logger.Info("stop-loss updated",
			slog.String("position_id", u.positionID),
			slog.String("symbol", u.symbol),
			slog.String("source", string(u.source)),
			slog.Float64("old_sl", current.CurrentSL),
			slog.Float64("new_sl", u.newSL),
		)
		c.auditLog(ctx, "stop_loss_applied", u, nil)
	}
	return rep
}

// EmergencyFix protects a position that has no stop on the exchange. It
// writes the most protective stop known for the position: the initial stop
// from entry, the coordinator's applied stop, the ledger stop and the
// trailing stop. The result is clamped to the protective side of the current
// price, written immediately with source PROTECTION and registered. The
// write is serialised with ProcessSLUpdates.
func (c *Coordinator) EmergencyFix(ctx context.Context, pos domain.Position) (float64, bool) {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	ref := pos.CurrentPrice
	if ref <= 0 {
		ref = pos.EntryPrice
	}
	raw := c.tightestKnown(pos)
	res := c.normalizer.NormalizeStopLoss(ctx, pos.Symbol, pos.Side, ref, raw)
	if !res.Usable() {
		c.logger.Error("emergency stop-loss normalisation failed",
			slog.String("position_id", pos.ID), slog.String("reason", res.Reason))
		return 0, false
	}
	sl := res.Value
	u := &update{positionID: pos.ID, symbol: pos.Symbol, side: pos.Side, newSL: sl, source: domain.SLSourceProtection, acceptedAt: c.now()}

	if err := c.applyWithRetry(ctx, domain.TradingStopRequest{Symbol: pos.Symbol, Side: pos.Side, StopLoss: sl}); err != nil {
		metrics.StopLossWrites.WithLabelValues(string(domain.SLSourceProtection), "failed").Inc()
		c.logger.Error("CRITICAL: emergency stop-loss failed, position unprotected",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pos.Symbol),
			slog.Float64("stop_loss", sl),
			slog.String("error", err.Error()),
		)
		c.auditLog(ctx, "emergency_sl_failed", u, err)
		return sl, false
	}

	c.Register(pos.ID, pos.Symbol, pos.Side, sl, domain.SLSourceProtection, true)
	c.mirror(pos.ID, sl, false)
	c.bump(func(s *Stats) { s.Emergency++ })
	metrics.StopLossWrites.WithLabelValues(string(domain.SLSourceProtection), "ok").Inc()
	c.logger.Warn("emergency stop-loss placed",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Float64("stop_loss", sl),
	)
	c.auditLog(ctx, "emergency_sl", u, nil)
	return sl, true
}

func (c *Coordinator) tightestKnown(pos domain.Position) float64 {
	best := domain.InitialStopLossPrice(pos.Side, pos.EntryPrice, c.cfg.InitialPct)
	consider := func(sl float64) {
		if sl > 0 && domain.MoreProtective(pos.Side, sl, best) {
			best = sl
		}
	}
	if st, ok := c.State(pos.ID); ok {
		consider(st.CurrentSL)
	}
	if pos.StopLoss != nil {
		consider(*pos.StopLoss)
	}
	if pos.Trailing != nil && pos.Trailing.CurrentStopLoss != nil {
		consider(*pos.Trailing.CurrentStopLoss)
	}
	return best
}

// MarkConfirmed records that the exchange reports sl for the position. It
// only flips the confirmation flag when sl matches the tracked stop.
func (c *Coordinator) MarkConfirmed(positionID string, exchangeSL float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[positionID]
	if !ok {
		return false
	}
	confirmed := math.Abs(st.CurrentSL-exchangeSL) <= math.Max(c.cfg.Epsilon, st.CurrentSL*1e-9)
	st.ExchangeConfirmed = confirmed
	return confirmed
}

// Forget drops all state for a closed position.
func (c *Coordinator) Forget(positionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, positionID)
	delete(c.pending, positionID)
}

// State returns a copy of the tracked stop for a position.
func (c *Coordinator) State(positionID string) (domain.StopLossState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[positionID]
	if !ok {
		return domain.StopLossState{}, false
	}
	return *st, true
}

// Pending returns the queued stop for a position, if any.
func (c *Coordinator) Pending(positionID string) (float64, domain.SLSource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.pending[positionID]
	if !ok {
		return 0, "", false
	}
	return u.newSL, u.source, true
}

// Stats returns a snapshot of the counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Pending = len(c.pending)
	s.Tracked = len(c.states)
	return s
}

func (c *Coordinator) markApplied(u *update) {
	c.mu.Lock()
	st, ok := c.states[u.positionID]
	if ok {
		st.CurrentSL = u.newSL
		st.Source = u.source
		st.UpdateCount++
		st.ExchangeConfirmed = true
		st.LastUpdate = c.now()
	}
	c.stats.Applied++
	c.mu.Unlock()
	if ok {
		c.mirror(u.positionID, u.newSL, u.source == domain.SLSourceTrailingActive)
	}
}

func (c *Coordinator) mirror(positionID string, sl float64, trailing bool) {
	if c.ledger == nil {
		return
	}
	patch := domain.PositionPatch{
		StopLoss:     domain.Float(sl),
		RealStopLoss: domain.Float(sl),
	}
	if trailing {
		patch.TrailingStopLoss = domain.Float(sl)
	}
	c.ledger.AtomicUpdatePosition(positionID, patch)
}

// requeue puts unprocessed updates back unless a newer request arrived.
func (c *Coordinator) requeue(us []*update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range us {
		if _, newer := c.pending[u.positionID]; newer {
			continue
		}
		c.pending[u.positionID] = u
		c.queue = append(c.queue, u.positionID)
	}
}

func (c *Coordinator) applyWithRetry(ctx context.Context, req domain.TradingStopRequest) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		err := c.exchange.SetTradingStop(ctx, req)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrNotModified) {
			c.bump(func(s *Stats) { s.NotModified++ })
			c.logger.Debug("stop-loss already in place", slog.String("symbol", req.Symbol), slog.Float64("stop_loss", req.StopLoss))
			return nil
		}
		lastErr = err
		c.logger.Warn("stop-loss write attempt failed",
			slog.String("symbol", req.Symbol),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt < c.cfg.MaxRetries {
			if err := c.sleep(ctx, c.cfg.RetryBackoff); err != nil {
				return fmt.Errorf("stoploss: retry wait: %w", err)
			}
		}
	}
	return fmt.Errorf("stoploss: %s after %d attempts: %w", req.Symbol, c.cfg.MaxRetries, lastErr)
}

func (c *Coordinator) epsilon(ctx context.Context, symbol string) float64 {
	eps := c.cfg.Epsilon
	if c.normalizer != nil {
		if tick, ok := c.normalizer.TickSize(ctx, symbol); ok && tick/2 > eps {
			eps = tick / 2
		}
	}
	return eps
}

func (c *Coordinator) bump(f func(*Stats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}

func (c *Coordinator) auditLog(ctx context.Context, event string, u *update, err error) {
	if c.audit == nil {
		return
	}
	detail := map[string]any{
		"position_id": u.positionID,
		"symbol":      u.symbol,
		"side":        string(u.side),
		"stop_loss":   u.newSL,
		"source":      string(u.source),
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	if aerr := c.audit.Log(ctx, event, detail); aerr != nil {
		c.logger.Warn("audit log failed", slog.String("event", event), slog.String("error", aerr.Error()))
	}
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
