package trailing

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/ledger"
	"github.com/alanyoungcy/perpbot/internal/platform/paper"
	"github.com/alanyoungcy/perpbot/internal/precision"
	"github.com/alanyoungcy/perpbot/internal/stoploss"
)

type recordingSink struct {
	events []domain.PositionEvent
}

func (r *recordingSink) Emit(_ context.Context, ev domain.PositionEvent) {
	r.events = append(r.events, ev)
}

type harness struct {
	ex     *paper.Exchange
	ledger *ledger.Ledger
	stops  *stoploss.Coordinator
	engine *Engine
	sink   *recordingSink
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ex := paper.New(logger, paper.WithLeverage(5))
	ex.SetInstrument(domain.SymbolPrecision{Symbol: "BTCUSDT", TickSize: 0.01, QtyStep: 0.001})
	ex.SetPrice("BTCUSDT", 100)
	norm := precision.New(ex, logger)
	l := ledger.New(ledger.Options{StartBalance: 1000}, logger)
	stops := stoploss.New(ex, norm, l, stoploss.Config{InitialPct: 6, MaxRetries: 1}, logger)
	sink := &recordingSink{}
	return &harness{
		ex:     ex,
		ledger: l,
		stops:  stops,
		engine: New(l, stops, norm, sink, cfg, logger),
		sink:   sink,
	}
}

func defaultConfig() Config {
	return Config{Enabled: true, TriggerPct: 10, DistanceROEPct: 8}
}

// open places a position at entry 100 with leverage 5 and the initial stop.
func (h *harness) open(t *testing.T, side domain.Side) string {
	t.Helper()
	ctx := context.Background()
	if _, err := h.ex.CreateMarketOrder(ctx, domain.MarketOrderRequest{Symbol: "BTCUSDT", Side: side.EntryOrderSide(), Amount: 5}); err != nil {
		t.Fatal(err)
	}
	ok, sl := h.stops.SetInitialSL(ctx, "BTCUSDT", side, 100)
	if !ok {
		t.Fatal("initial stop failed")
	}
	id := h.ledger.CreatePosition(ledger.NewPosition{
		Symbol: "BTCUSDT", Side: side, EntryPrice: 100, Size: 500, Contracts: 5, Leverage: 5,
		StopLoss: domain.Float(sl),
	})
	if id == "" {
		t.Fatal("create failed")
	}
	h.stops.Register(id, "BTCUSDT", side, sl, domain.SLSourceInitialSet, true)
	return id
}

// step moves the market, runs one trailing tick and applies queued stops.
func (h *harness) step(t *testing.T, id string, price float64) Report {
	t.Helper()
	h.ex.SetPrice("BTCUSDT", price)
	if !h.ledger.AtomicUpdatePriceAndPnL(id, price) {
		t.Fatalf("price update failed at %v", price)
	}
	rep := h.engine.Tick(context.Background())
	h.stops.ProcessSLUpdates(context.Background())
	return rep
}

func TestActivationAtTwelvePercent(t *testing.T) {
	h := newHarness(t, defaultConfig())
	id := h.open(t, domain.SideLong)

	rep := h.step(t, id, 112)
	if rep.Activated != 1 || rep.Requested != 1 {
		t.Fatalf("report = %+v", rep)
	}
	pos, _ := h.ledger.SafeGetPosition(id)
	if pos.Trailing == nil || !pos.Trailing.Enabled || pos.Trailing.ActivationTime == nil {
		t.Fatalf("trailing = %+v", pos.Trailing)
	}
	if pos.Trailing.MaxFavorablePrice != 112 {
		t.Fatalf("max favourable = %v, want 112", pos.Trailing.MaxFavorablePrice)
	}
	// 8% ROE at 5x is 1.6% of price: 112 * 0.984 = 110.208, floored to the tick.
	const want = 110.2
	if pos.Trailing.CurrentStopLoss == nil || *pos.Trailing.CurrentStopLoss != want {
		t.Fatalf("trailing stop = %v, want %v", pos.Trailing.CurrentStopLoss, want)
	}
	if *pos.StopLoss != want || *pos.StopLoss <= 94 {
		t.Fatalf("ledger stop = %v", *pos.StopLoss)
	}
	st, _ := h.stops.State(id)
	if st.Source != domain.SLSourceTrailingActive || st.CurrentSL != want {
		t.Fatalf("coordinator state = %+v", st)
	}
	if len(h.sink.events) != 1 || h.sink.events[0].Type != domain.EventTrailingActivated {
		t.Fatalf("events = %+v", h.sink.events)
	}
}

func TestBelowTriggerStaysDormant(t *testing.T) {
	h := newHarness(t, defaultConfig())
	id := h.open(t, domain.SideLong)

	rep := h.step(t, id, 109.9)
	if rep.Activated != 0 || rep.Requested != 0 || rep.Evaluated != 1 {
		t.Fatalf("report = %+v", rep)
	}
	pos, _ := h.ledger.SafeGetPosition(id)
	if pos.Trailing == nil || pos.Trailing.Enabled || pos.Trailing.TriggerPct != 10 {
		t.Fatalf("dormant state = %+v", pos.Trailing)
	}
	if *pos.StopLoss != 94 {
		t.Fatalf("stop moved while dormant: %v", *pos.StopLoss)
	}
}

// The stop never loosens and Active never reverts, whatever the price path.
func TestStopOnlyRatchets(t *testing.T) {
	h := newHarness(t, defaultConfig())
	id := h.open(t, domain.SideLong)

	path := []float64{105, 112, 115, 113, 120, 118, 111, 125, 101}
	prevStop := 94.0
	wasActive := false
	for _, price := range path {
		h.step(t, id, price)
		pos, _ := h.ledger.SafeGetPosition(id)
		stop, _ := pos.EffectiveStopLoss()
		if stop < prevStop {
			t.Fatalf("stop loosened at price %v: %v -> %v", price, prevStop, stop)
		}
		if wasActive && !pos.Trailing.Enabled {
			t.Fatalf("trailing reverted to dormant at price %v", price)
		}
		wasActive = pos.Trailing != nil && pos.Trailing.Enabled
		prevStop = stop
	}
	pos, _ := h.ledger.SafeGetPosition(id)
	if pos.Trailing.MaxFavorablePrice != 125 {
		t.Fatalf("max favourable = %v, want 125", pos.Trailing.MaxFavorablePrice)
	}
	if st, _ := h.stops.State(id); st.CurrentSL != 123 {
		t.Fatalf("final stop = %v, want 123", st.CurrentSL)
	}
}

func TestShortActivationRoundsUp(t *testing.T) {
	h := newHarness(t, defaultConfig())
	id := h.open(t, domain.SideShort)

	rep := h.step(t, id, 88)
	if rep.Activated != 1 {
		t.Fatalf("report = %+v", rep)
	}
	pos, _ := h.ledger.SafeGetPosition(id)
	// 88 * 1.016 = 89.408, rounded away from the market.
	if pos.Trailing.CurrentStopLoss == nil || *pos.Trailing.CurrentStopLoss != 89.41 {
		t.Fatalf("short trailing stop = %v", pos.Trailing.CurrentStopLoss)
	}
	if pos.Trailing.MaxFavorablePrice != 88 {
		t.Fatalf("max favourable = %v", pos.Trailing.MaxFavorablePrice)
	}

	// A bounce keeps the low-water mark and the stop.
	h.step(t, id, 89)
	pos, _ = h.ledger.SafeGetPosition(id)
	if pos.Trailing.MaxFavorablePrice != 88 || *pos.StopLoss != 89.41 {
		t.Fatalf("after bounce: hwm %v stop %v", pos.Trailing.MaxFavorablePrice, *pos.StopLoss)
	}
}

func TestUnchangedPeakDoesNotChurn(t *testing.T) {
	h := newHarness(t, defaultConfig())
	id := h.open(t, domain.SideLong)
	h.step(t, id, 112)
	writes := h.ex.Calls("SetTradingStop")

	for _, price := range []float64{111.5, 112, 111.9} {
		if rep := h.step(t, id, price); rep.Requested != 0 {
			t.Fatalf("request at %v: %+v", price, rep)
		}
	}
	if n := h.ex.Calls("SetTradingStop"); n != writes {
		t.Fatalf("exchange writes = %d, want %d", n, writes)
	}
}

func TestManualPendingBlocksTrailing(t *testing.T) {
	h := newHarness(t, defaultConfig())
	id := h.open(t, domain.SideLong)
	h.stops.RequestSLUpdate(id, 99, domain.SLSourceManual)

	h.ex.SetPrice("BTCUSDT", 112)
	h.ledger.AtomicUpdatePriceAndPnL(id, 112)
	rep := h.engine.Tick(context.Background())
	if rep.Activated != 1 || rep.Requested != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if sl, src, _ := h.stops.Pending(id); sl != 99 || src != domain.SLSourceManual {
		t.Fatalf("pending = %v/%v", sl, src)
	}
	pos, _ := h.ledger.SafeGetPosition(id)
	if !pos.Trailing.Enabled || pos.Trailing.CurrentStopLoss != nil {
		t.Fatalf("trailing = %+v", pos.Trailing)
	}
}

func TestDisabledEngineIsInert(t *testing.T) {
	h := newHarness(t, Config{Enabled: false})
	id := h.open(t, domain.SideLong)
	if rep := h.step(t, id, 130); rep != (Report{}) {
		t.Fatalf("report = %+v", rep)
	}
}

func TestDistanceConversion(t *testing.T) {
	tests := []struct {
		roe      float64
		leverage int
		want     float64
	}{
		{8, 5, 1.6},
		{8, 1, 8},
		{8, 0, 8},
		{10, 20, 0.5},
	}
	for _, tt := range tests {
		if got := DistancePricePct(tt.roe, tt.leverage); got != tt.want {
			t.Errorf("DistancePricePct(%v, %d) = %v, want %v", tt.roe, tt.leverage, got, tt.want)
		}
	}
	if got := IdealStop(domain.SideShort, 100, 2); got != 102 {
		t.Errorf("short ideal = %v", got)
	}
	if got := IdealStop(domain.SideLong, 100, 2); got != 98 {
		t.Errorf("long ideal = %v", got)
	}
}

func TestActivationTimeUsesClock(t *testing.T) {
	h := newHarness(t, defaultConfig())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.engine.now = func() time.Time { return fixed }
	id := h.open(t, domain.SideLong)
	h.step(t, id, 115)
	pos, _ := h.ledger.SafeGetPosition(id)
	if !pos.Trailing.ActivationTime.Equal(fixed) {
		t.Fatalf("activation time = %v", pos.Trailing.ActivationTime)
	}
}

// A rejected exchange write leaves the trailing stop unrecorded so the next
// tick asks again instead of treating the stop as placed.
func TestFailedWriteIsRetriedNextTick(t *testing.T) {
	h := newHarness(t, defaultConfig())
	id := h.open(t, domain.SideLong)
	h.ex.FailNext(paper.FaultStop, 1)

	rep := h.step(t, id, 112)
	if rep.Activated != 1 || rep.Requested != 1 {
		t.Fatalf("report = %+v", rep)
	}
	pos, _ := h.ledger.SafeGetPosition(id)
	if !pos.Trailing.Enabled || pos.Trailing.CurrentStopLoss != nil {
		t.Fatalf("trailing after failed write = %+v", pos.Trailing)
	}
	if *pos.StopLoss != 94 {
		t.Fatalf("ledger stop = %v, want 94", *pos.StopLoss)
	}
	if st, _ := h.stops.State(id); st.CurrentSL != 94 {
		t.Fatalf("coordinator stop = %v, want 94", st.CurrentSL)
	}

	rep = h.step(t, id, 112)
	if rep.Requested != 1 {
		t.Fatalf("retry report = %+v", rep)
	}
	pos, _ = h.ledger.SafeGetPosition(id)
	if pos.Trailing.CurrentStopLoss == nil || *pos.Trailing.CurrentStopLoss != 110.2 || *pos.StopLoss != 110.2 {
		t.Fatalf("after retry: trailing %v ledger %v", pos.Trailing.CurrentStopLoss, *pos.StopLoss)
	}
	ps, _ := h.ex.FetchPositions(context.Background(), "BTCUSDT")
	if len(ps) != 1 || ps[0].StopLoss != 110.2 {
		t.Fatalf("exchange = %+v", ps)
	}
}

func TestBeyondTick(t *testing.T) {
	tests := []struct {
		name string
		sl   float64
		want bool
	}{
		{"same stop", 110.2, false},
		{"half a tick", 110.205, false},
		{"exactly one tick", 110.21, false},
		{"two ticks", 110.22, true},
	}
	h := newHarness(t, defaultConfig())
	id := h.open(t, domain.SideLong)
	h.step(t, id, 112)
	pos, _ := h.ledger.SafeGetPosition(id)
	if st, _ := h.stops.State(id); st.CurrentSL != 110.2 {
		t.Fatalf("precondition: stop %v", st.CurrentSL)
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := h.engine.beyondTick(context.Background(), pos, tc.sl); got != tc.want {
				t.Fatalf("beyondTick(%v) = %v, want %v", tc.sl, got, tc.want)
			}
		})
	}
}
