package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/ledger"
	"github.com/alanyoungcy/perpbot/internal/metrics"
	"github.com/alanyoungcy/perpbot/internal/platform/paper"
	"github.com/alanyoungcy/perpbot/internal/precision"
	"github.com/alanyoungcy/perpbot/internal/stoploss"
	"github.com/alanyoungcy/perpbot/internal/trailing"
)

type staticCache struct {
	prices map[string]float64
	at     time.Time
}

func (c staticCache) SetPrice(context.Context, string, float64, time.Time) error { return nil }

func (c staticCache) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	p, ok := c.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, c.at, nil
}

func (c staticCache) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	return c.prices, nil
}

func setup(t *testing.T) (*paper.Exchange, *ledger.Ledger, *stoploss.Coordinator, *trailing.Engine, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	ex := paper.New(logger, paper.WithLeverage(5))
	ex.SetInstrument(domain.SymbolPrecision{Symbol: "BTCUSDT", TickSize: 0.01, QtyStep: 0.001})
	ex.SetPrice("BTCUSDT", 100)
	norm := precision.New(ex, logger)
	l := ledger.New(ledger.Options{StartBalance: 1000}, logger)
	stops := stoploss.New(ex, norm, l, stoploss.Config{InitialPct: 6, MaxRetries: 1}, logger)
	engine := trailing.New(l, stops, norm, nil, trailing.Config{Enabled: true, TriggerPct: 10, DistanceROEPct: 8}, logger)

	ex.CreateMarketOrder(ctx, domain.MarketOrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Amount: 5})
	_, sl := stops.SetInitialSL(ctx, "BTCUSDT", domain.SideLong, 100)
	id := l.CreatePosition(ledger.NewPosition{Symbol: "BTCUSDT", Side: domain.SideLong, EntryPrice: 100, Size: 500, Contracts: 5, Leverage: 5, StopLoss: domain.Float(sl)})
	stops.Register(id, "BTCUSDT", domain.SideLong, sl, domain.SLSourceInitialSet, true)
	return ex, l, stops, engine, id
}

func TestTickRunsFullCycle(t *testing.T) {
	ex, l, stops, engine, id := setup(t)
	m := New(l, ex, engine, stops, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ex.SetPrice("BTCUSDT", 112)
	rep := m.Tick(context.Background())
	if rep.Positions != 1 || rep.Priced != 1 || rep.Trailing.Activated != 1 || rep.Stops.Applied != 1 {
		t.Fatalf("report = %+v", rep)
	}
	pos, _ := l.SafeGetPosition(id)
	if pos.CurrentPrice != 112 || *pos.RealStopLoss != 110.2 {
		t.Fatalf("position = price %v real stop %v", pos.CurrentPrice, *pos.RealStopLoss)
	}
	ps, _ := ex.FetchPositions(context.Background(), "BTCUSDT")
	if ps[0].StopLoss != 110.2 {
		t.Fatalf("exchange stop = %v", ps[0].StopLoss)
	}
}

func TestCachePreferredWhenFresh(t *testing.T) {
	ex, l, stops, engine, id := setup(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	cache := staticCache{prices: map[string]float64{"BTCUSDT": 105}, at: now.Add(-5 * time.Second)}
	m := New(l, ex, engine, stops, slog.New(slog.NewTextHandler(io.Discard, nil)), WithPriceCache(cache, 10*time.Second))
	m.now = func() time.Time { return now }

	m.Tick(context.Background())
	if pos, _ := l.SafeGetPosition(id); pos.CurrentPrice != 105 {
		t.Fatalf("price = %v, want cached 105", pos.CurrentPrice)
	}
	if ex.Calls("FetchTicker") != 0 {
		t.Fatal("ticker fetched despite fresh cache")
	}

	// Stale cache falls through to the exchange quote.
	m.now = func() time.Time { return now.Add(time.Minute) }
	m.Tick(context.Background())
	if pos, _ := l.SafeGetPosition(id); pos.CurrentPrice != 100 {
		t.Fatalf("price = %v, want ticker 100", pos.CurrentPrice)
	}
}

func TestTickerFailureKeepsLastPrice(t *testing.T) {
	ex, l, stops, engine, id := setup(t)
	m := New(l, ex, engine, stops, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ex.FailNext(paper.FaultTicker, 1)

	rep := m.Tick(context.Background())
	if rep.StalePrices != 1 || rep.Priced != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if pos, _ := l.SafeGetPosition(id); pos.CurrentPrice != 100 {
		t.Fatalf("price = %v", pos.CurrentPrice)
	}
}

type failingLedger struct {
	*ledger.Ledger
}

func (failingLedger) Flush() error { return errors.New("disk full") }

func TestFlushFailureDoesNotStopCycle(t *testing.T) {
	ex, l, stops, engine, _ := setup(t)
	m := New(failingLedger{l}, ex, engine, stops, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ex.SetPrice("BTCUSDT", 112)
	if rep := m.Tick(context.Background()); rep.Stops.Applied != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func tickSamples(t *testing.T, loop string) uint64 {
	t.Helper()
	var m dto.Metric
	h := metrics.TickDuration.WithLabelValues(loop).(prometheus.Metric)
	if err := h.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetHistogram().GetSampleCount()
}

// Tick duration is recorded by the scheduler loop; a tick adds no sample of
// its own.
func TestTickLeavesDurationToScheduler(t *testing.T) {
	ex, l, stops, engine, _ := setup(t)
	m := New(l, ex, engine, stops, slog.New(slog.NewTextHandler(io.Discard, nil)))

	before := tickSamples(t, "monitor")
	m.Tick(context.Background())
	m.Tick(context.Background())
	if after := tickSamples(t, "monitor"); after != before {
		t.Fatalf("monitor samples = %d, want %d", after, before)
	}
}
