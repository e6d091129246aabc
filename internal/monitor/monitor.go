// Package monitor runs the price-driven protection cycle: refresh prices,
// mark positions to market, let the trailing engine request tighter stops,
// apply queued stops through the coordinator and flush the ledger.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
	"github.com/alanyoungcy/perpbot/internal/stoploss"
	"github.com/alanyoungcy/perpbot/internal/trailing"
)

// Ledger is the position store surface the monitor drives.
type Ledger interface {
	SafeGetAllActivePositions() []domain.Position
	AtomicUpdatePriceAndPnL(id string, price float64) bool
	SafeGetSessionSummary() domain.SessionSummary
	Flush() error
}

// TickerSource provides quotes when the price cache has nothing fresh.
type TickerSource interface {
	FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error)
}

// TrailingEngine evaluates trailing stops.
type TrailingEngine interface {
	Tick(ctx context.Context) trailing.Report
}

// StopProcessor applies queued stop-loss updates.
type StopProcessor interface {
	ProcessSLUpdates(ctx context.Context) stoploss.ProcessReport
}

// Report summarises one Tick.
type Report struct {
	Positions   int
	Priced      int
	StalePrices int
	Trailing    trailing.Report
	Stops       stoploss.ProcessReport
}

// Monitor is driven by an external scheduler through Tick.
type Monitor struct {
	ledger   Ledger
	cache    domain.PriceCache
	tickers  TickerSource
	trailing TrailingEngine
	stops    StopProcessor
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithPriceCache reads prices from cache first. Entries older than maxAge
// fall through to the ticker source.
func WithPriceCache(cache domain.PriceCache, maxAge time.Duration) Option {
	return func(m *Monitor) {
		m.cache = cache
		m.maxAge = maxAge
	}
}

// New creates a Monitor.
func New(l Ledger, tickers TickerSource, engine TrailingEngine, stops StopProcessor, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		ledger:   l,
		tickers:  tickers,
		trailing: engine,
		stops:    stops,
		maxAge:   30 * time.Second,
		logger:   logger.With(slog.String("component", "monitor")),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Tick runs one protection cycle.
func (m *Monitor) Tick(ctx context.Context) Report {
	var rep Report
	positions := m.ledger.SafeGetAllActivePositions()
	rep.Positions = len(positions)

	prices := m.prices(ctx, positions, &rep)
	for _, p := range positions {
		if price, ok := prices[p.Symbol]; ok && m.ledger.AtomicUpdatePriceAndPnL(p.ID, price) {
			rep.Priced++
		}
	}

	if m.trailing != nil {
		rep.Trailing = m.trailing.Tick(ctx)
	}
	if m.stops != nil {
		rep.Stops = m.stops.ProcessSLUpdates(ctx)
	}
	if err := m.ledger.Flush(); err != nil {
		m.logger.Warn("ledger flush failed", slog.String("error", err.Error()))
	}

	sum := m.ledger.SafeGetSessionSummary()
	metrics.OpenPositions.Set(float64(sum.OpenCount))
	metrics.SessionBalance.Set(sum.Balance)

	if rep.Trailing.Activated > 0 || rep.Stops.Applied > 0 || rep.Stops.Failed > 0 {
		m.logger.Info("monitor tick",
			slog.Int("positions", rep.Positions),
			slog.Int("trailing_activated", rep.Trailing.Activated),
			slog.Int("stops_applied", rep.Stops.Applied),
			slog.Int("stops_failed", rep.Stops.Failed),
		)
	}
	return rep
}

func (m *Monitor) prices(ctx context.Context, positions []domain.Position, rep *Report) map[string]float64 {
	out := make(map[string]float64, len(positions))
	for _, p := range positions {
		if _, done := out[p.Symbol]; done {
			continue
		}
		if m.cache != nil {
			price, ts, err := m.cache.GetPrice(ctx, p.Symbol)
			if err == nil && price > 0 && m.now().Sub(ts) <= m.maxAge {
				out[p.Symbol] = price
				continue
			}
		}
		if m.tickers == nil {
			rep.StalePrices++
			continue
		}
		t, err := m.tickers.FetchTicker(ctx, p.Symbol)
		if err != nil || t.Last <= 0 {
			rep.StalePrices++
			if err != nil {
				m.logger.Warn("price refresh failed", slog.String("symbol", p.Symbol), slog.String("error", err.Error()))
			}
			continue
		}
		out[p.Symbol] = t.Last
	}
	return out
}
