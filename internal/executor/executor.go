// Package executor turns trade signals into opening sagas. It drops
// duplicate, expired, low-confidence and unlisted signals, prices the rest
// from the ticker cache or the exchange and hands them to the opener.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/opener"
)

// Opener runs one opening saga.
type Opener interface {
	OpenPositionAtomic(ctx context.Context, req opener.OpenRequest) opener.OpenResult
}

// Balances supplies the session balance the saga sizes against.
type Balances interface {
	SafeGetSessionSummary() domain.SessionSummary
}

// Quotes fetches a fresh ticker when the cache has nothing usable.
type Quotes interface {
	FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error)
}

// Config holds the signal filters.
type Config struct {
	// Symbols whitelists tradable symbols; empty allows any.
	Symbols       []string
	MinConfidence float64
	// SignalTTL expires signals without an explicit ExpiresAt.
	SignalTTL time.Duration
	// MaxPriceAge bounds how stale a cached price may be. Defaults to 30s.
	MaxPriceAge time.Duration
	DedupTTL    time.Duration
}

// Outcome is the disposition of one signal.
type Outcome string

const (
	OutcomeOpened    Outcome = "opened"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeExpired   Outcome = "expired"
	OutcomeFiltered  Outcome = "filtered"
	OutcomeNoPrice   Outcome = "no_price"
)

// Stats counts signal dispositions.
type Stats struct {
	Received   int64 `json:"received"`
	Opened     int64 `json:"opened"`
	Failed     int64 `json:"failed"`
	Duplicates int64 `json:"duplicates"`
	Expired    int64 `json:"expired"`
	Filtered   int64 `json:"filtered"`
	NoPrice    int64 `json:"no_price"`
}

// Executor reads signals from a channel until it is closed or the context
// ends.
type Executor struct {
	signalCh <-chan domain.TradeSignal
	opener   Opener
	balances Balances
	quotes   Quotes
	prices   domain.PriceCache
	dedup    *Dedup
	allowed  map[string]struct{}
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	cleanupInterval time.Duration

	mu    sync.Mutex
	stats Stats
}

// Option customises an Executor.
type Option func(*Executor)

// WithPriceCache prefers cached last prices over a REST ticker call.
func WithPriceCache(c domain.PriceCache) Option { return func(e *Executor) { e.prices = c } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// New creates an Executor.
func New(signalCh <-chan domain.TradeSignal, op Opener, balances Balances, quotes Quotes, cfg Config, logger *slog.Logger, opts ...Option) *Executor {
	if cfg.MaxPriceAge <= 0 {
		cfg.MaxPriceAge = 30 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	e := &Executor{
		signalCh:        signalCh,
		opener:          op,
		balances:        balances,
		quotes:          quotes,
		allowed:         make(map[string]struct{}, len(cfg.Symbols)),
		cfg:             cfg,
		logger:          logger.With(slog.String("component", "executor")),
		now:             time.Now,
		cleanupInterval: 30 * time.Second,
	}
	for _, s := range cfg.Symbols {
		e.allowed[strings.ToUpper(s)] = struct{}{}
	}
	for _, o := range opts {
		o(e)
	}
	e.dedup = NewDedup(cfg.DedupTTL, e.now)
	return e
}

// Run processes signals until ctx is cancelled, then drains what is already
// buffered.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	cleanup := time.NewTicker(e.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		case sig, ok := <-e.signalCh:
			if !ok {
				return nil
			}
			e.Process(ctx, sig)
		case <-cleanup.C:
			e.dedup.Cleanup()
		}
	}
}

// Process handles a single signal.
func (e *Executor) Process(ctx context.Context, sig domain.TradeSignal) Outcome {
	sig.Symbol = strings.ToUpper(strings.TrimSpace(sig.Symbol))
	log := e.logger.With(
		slog.String("signal_id", sig.ID),
		slog.String("source", sig.Source),
		slog.String("symbol", sig.Symbol),
		slog.String("signal", string(sig.Name)),
	)
	e.bump(func(s *Stats) { s.Received++ })

	if sig.ID != "" && e.dedup.IsDuplicate(sig.ID) {
		log.Debug("signal deduplicated")
		e.bump(func(s *Stats) { s.Duplicates++ })
		return OutcomeDuplicate
	}
	if e.expired(sig) {
		log.Warn("signal expired", slog.Time("created_at", sig.CreatedAt), slog.Time("expires_at", sig.ExpiresAt))
		e.bump(func(s *Stats) { s.Expired++ })
		return OutcomeExpired
	}
	side, reason := e.filter(sig)
	if reason != "" {
		log.Debug("signal filtered", slog.String("reason", reason))
		e.bump(func(s *Stats) { s.Filtered++ })
		return OutcomeFiltered
	}

	snap, err := e.snapshot(ctx, sig.Symbol)
	if err != nil {
		log.Warn("no usable price for signal", slog.String("error", err.Error()))
		e.bump(func(s *Stats) { s.NoPrice++ })
		return OutcomeNoPrice
	}

	res := e.opener.OpenPositionAtomic(ctx, opener.OpenRequest{
		Symbol:           sig.Symbol,
		Side:             side,
		Confidence:       sig.Confidence,
		Snapshot:         snap,
		AvailableBalance: e.balances.SafeGetSessionSummary().Balance,
	})
	if !res.Success {
		log.Info("signal not executed",
			slog.String("stage", string(res.Stage)),
			slog.String("error", res.Error),
			slog.Bool("rolled_back", res.RolledBack),
		)
		e.bump(func(s *Stats) { s.Failed++ })
		return OutcomeFailed
	}
	log.Info("signal executed",
		slog.String("position_id", res.PositionID),
		slog.Float64("entry_price", res.EntryPrice),
		slog.Float64("stop_loss", res.StopLoss),
	)
	e.bump(func(s *Stats) { s.Opened++ })
	return OutcomeOpened
}

// Stats returns a copy of the counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Executor) expired(sig domain.TradeSignal) bool {
	now := e.now()
	if !sig.ExpiresAt.IsZero() {
		return now.After(sig.ExpiresAt)
	}
	return e.cfg.SignalTTL > 0 && !sig.CreatedAt.IsZero() && now.Sub(sig.CreatedAt) > e.cfg.SignalTTL
}

// filter returns the side to open, or a non-empty reason to skip.
func (e *Executor) filter(sig domain.TradeSignal) (domain.Side, string) {
	side, ok := sig.Side()
	if !ok {
		return "", "no direction"
	}
	if sig.Confidence < e.cfg.MinConfidence {
		return "", "confidence below minimum"
	}
	if len(e.allowed) > 0 {
		if _, ok := e.allowed[sig.Symbol]; !ok {
			return "", "symbol not tradable"
		}
	}
	return side, ""
}

func (e *Executor) snapshot(ctx context.Context, symbol string) (domain.MarketSnapshot, error) {
	if e.prices != nil {
		price, ts, err := e.prices.GetPrice(ctx, symbol)
		if err == nil && price > 0 && e.now().Sub(ts) <= e.cfg.MaxPriceAge {
			return domain.MarketSnapshot{Symbol: symbol, Price: price, Timestamp: ts}, nil
		}
	}
	t, err := e.quotes.FetchTicker(ctx, symbol)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("executor: ticker %s: %w", symbol, err)
	}
	if t.Last <= 0 {
		return domain.MarketSnapshot{}, fmt.Errorf("executor: ticker %s: no last price", symbol)
	}
	ts := t.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	return domain.MarketSnapshot{Symbol: symbol, Price: t.Last, Timestamp: ts}, nil
}

// drain executes signals already buffered after cancellation on a short
// detached context.
func (e *Executor) drain() {
	for {
		select {
		case sig, ok := <-e.signalCh:
			if !ok {
				return
			}
			e.logger.Warn("draining signal after shutdown", slog.String("signal_id", sig.ID))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.Process(ctx, sig)
			cancel()
		default:
			return
		}
	}
}

func (e *Executor) bump(f func(*Stats)) {
	e.mu.Lock()
	f(&e.stats)
	e.mu.Unlock()
}
