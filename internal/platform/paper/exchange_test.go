package paper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubMarket struct {
	last  float64
	calls int
}

func (m *stubMarket) FetchTicker(_ context.Context, symbol string) (domain.Ticker, error) {
	m.calls++
	return domain.Ticker{Symbol: symbol, Last: m.last}, nil
}

func (m *stubMarket) FetchInstrument(_ context.Context, symbol string) (domain.SymbolPrecision, error) {
	return domain.SymbolPrecision{Symbol: symbol, TickSize: 0.1, QtyStep: 0.001}, nil
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestOpenAddAndClose(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ex := New(quietLogger(), WithFeeRate(0.001), WithLeverage(5), WithClock(func() time.Time { return now }))
	ex.SetPrice("BTCUSDT", 100)

	if _, err := ex.CreateMarketOrder(ctx, domain.MarketOrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Amount: 1}); err != nil {
		t.Fatalf("open: %v", err)
	}
	ex.SetPrice("BTCUSDT", 120)
	if _, err := ex.CreateMarketOrder(ctx, domain.MarketOrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Amount: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}

	positions, err := ex.FetchPositions(ctx)
	if err != nil {
		t.Fatalf("FetchPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	p := positions[0]
	if p.Contracts != 2 || !near(p.EntryPrice, 110) || p.Leverage != 5 {
		t.Fatalf("position = %+v", p)
	}
	if !near(p.UnrealizedPnL, 20) {
		t.Fatalf("unrealised = %v, want 20", p.UnrealizedPnL)
	}

	res, err := ex.CreateMarketOrder(ctx, domain.MarketOrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideSell, Amount: 2, ReduceOnly: true})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.Status != "Filled" || res.AvgPrice != 120 {
		t.Fatalf("close result = %+v", res)
	}
	if positions, _ := ex.FetchPositions(ctx); len(positions) != 0 {
		t.Fatalf("position still open: %+v", positions)
	}

	closed, err := ex.FetchClosedPnL(ctx, "BTCUSDT", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("FetchClosedPnL: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("closed = %d, want 1", len(closed))
	}
	// gross 20, fees 0.001 * (220 + 240)
	if want := 20 - 0.46; !near(closed[0].ClosedPnL, want) {
		t.Fatalf("closed pnl = %v, want %v", closed[0].ClosedPnL, want)
	}
	if closed[0].Side != domain.SideLong {
		t.Fatalf("closed side = %s", closed[0].Side)
	}
	if got := len(ex.Orders()); got != 3 {
		t.Fatalf("orders = %d, want 3", got)
	}
}

func TestReduceOnlyRejections(t *testing.T) {
	ctx := context.Background()
	ex := New(quietLogger())
	ex.SetPrice("ETHUSDT", 2000)

	_, err := ex.CreateMarketOrder(ctx, domain.MarketOrderRequest{Symbol: "ETHUSDT", Side: domain.OrderSideSell, Amount: 1, ReduceOnly: true})
	if !errors.Is(err, domain.ErrNoPosition) {
		t.Fatalf("reduce without position: err = %v", err)
	}

	ex.SeedPosition(domain.ExchangePosition{Symbol: "ETHUSDT", Side: domain.SideShort, Contracts: 1, EntryPrice: 2100})
	_, err = ex.CreateMarketOrder(ctx, domain.MarketOrderRequest{Symbol: "ETHUSDT", Side: domain.OrderSideSell, Amount: 1, ReduceOnly: true})
	if !errors.Is(err, domain.ErrInvalidOrder) {
		t.Fatalf("reduce same side: err = %v", err)
	}

	_, err = ex.CreateMarketOrder(ctx, domain.MarketOrderRequest{Symbol: "ETHUSDT", Side: domain.OrderSideBuy, Amount: 0})
	if !errors.Is(err, domain.ErrInvalidOrder) {
		t.Fatalf("zero amount: err = %v", err)
	}
}

func TestSetTradingStop(t *testing.T) {
	ctx := context.Background()
	ex := New(quietLogger())
	ex.SeedPosition(domain.ExchangePosition{Symbol: "SOLUSDT", Side: domain.SideLong, Contracts: 10, EntryPrice: 150, MarkPrice: 150})

	tp := 180.0
	if err := ex.SetTradingStop(ctx, domain.TradingStopRequest{Symbol: "SOLUSDT", StopLoss: 140, TakeProfit: &tp}); err != nil {
		t.Fatalf("SetTradingStop: %v", err)
	}
	err := ex.SetTradingStop(ctx, domain.TradingStopRequest{Symbol: "SOLUSDT", StopLoss: 140})
	if !errors.Is(err, domain.ErrNotModified) {
		t.Fatalf("same stop: err = %v, want ErrNotModified", err)
	}
	err = ex.SetTradingStop(ctx, domain.TradingStopRequest{Symbol: "XRPUSDT", StopLoss: 1})
	if !errors.Is(err, domain.ErrNoPosition) {
		t.Fatalf("unknown symbol: err = %v, want ErrNoPosition", err)
	}

	positions, _ := ex.FetchPositions(ctx, "SOLUSDT")
	if len(positions) != 1 || positions[0].StopLoss != 140 || positions[0].TakeProfit != 180 {
		t.Fatalf("positions = %+v", positions)
	}
	if got := ex.Calls("SetTradingStop"); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestCheckStops(t *testing.T) {
	tests := []struct {
		name  string
		side  domain.Side
		stop  float64
		price float64
		fires bool
	}{
		{"long above stop", domain.SideLong, 95, 96, false},
		{"long crosses", domain.SideLong, 95, 94, true},
		{"long touches", domain.SideLong, 95, 95, true},
		{"short below stop", domain.SideShort, 105, 104, false},
		{"short crosses", domain.SideShort, 105, 106, true},
		{"no stop", domain.SideLong, 0, 1, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			ex := New(quietLogger())
			ex.SeedPosition(domain.ExchangePosition{Symbol: "BTCUSDT", Side: tc.side, Contracts: 1, EntryPrice: 100, StopLoss: tc.stop})
			ex.SetPrice("BTCUSDT", tc.price)

			fired := ex.CheckStops(ctx)
			if got := len(fired) == 1; got != tc.fires {
				t.Fatalf("fired = %v, want fires=%v", fired, tc.fires)
			}
			if !tc.fires {
				return
			}
			closed, _ := ex.FetchClosedPnL(ctx, "BTCUSDT", time.Time{})
			if len(closed) != 1 || closed[0].AvgExitPrice != tc.stop {
				t.Fatalf("closed = %+v, want exit at stop %v", closed, tc.stop)
			}
		})
	}
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	ex := New(quietLogger())
	ex.SetPrice("BTCUSDT", 100)

	ex.FailNext(FaultTicker, 1)
	if _, err := ex.FetchTicker(ctx, "BTCUSDT"); !errors.Is(err, domain.ErrInjectedFault) {
		t.Fatalf("first ticker: err = %v", err)
	}
	if _, err := ex.FetchTicker(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("second ticker: %v", err)
	}

	ex.FailNext(FaultPositions, Always)
	for i := 0; i < 3; i++ {
		if _, err := ex.FetchPositions(ctx); !errors.Is(err, domain.ErrInjectedFault) {
			t.Fatalf("positions call %d: err = %v", i, err)
		}
	}

	ex.FailNext(FaultReduceOrder, 1)
	if _, err := ex.CreateMarketOrder(ctx, domain.MarketOrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Amount: 1}); err != nil {
		t.Fatalf("opening order should ignore reduce fault: %v", err)
	}
	if _, err := ex.CreateMarketOrder(ctx, domain.MarketOrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideSell, Amount: 1, ReduceOnly: true}); !errors.Is(err, domain.ErrInjectedFault) {
		t.Fatalf("reduce order: err = %v", err)
	}
}

func TestMarketDataFallback(t *testing.T) {
	ctx := context.Background()
	md := &stubMarket{last: 42}
	ex := New(quietLogger(), WithMarketData(md))

	tk, err := ex.FetchTicker(ctx, "LINKUSDT")
	if err != nil || tk.Last != 42 {
		t.Fatalf("ticker = %+v, err = %v", tk, err)
	}
	spec, err := ex.FetchInstrument(ctx, "LINKUSDT")
	if err != nil || spec.TickSize != 0.1 {
		t.Fatalf("instrument = %+v, err = %v", spec, err)
	}

	ex.SetPrice("LINKUSDT", 40)
	if tk, _ := ex.FetchTicker(ctx, "LINKUSDT"); tk.Last != 40 {
		t.Fatalf("local price should win, got %v", tk.Last)
	}
	if md.calls != 1 {
		t.Fatalf("market calls = %d, want 1", md.calls)
	}

	bare := New(quietLogger())
	if _, err := bare.FetchInstrument(ctx, "LINKUSDT"); !errors.Is(err, domain.ErrUnknownSymbol) {
		t.Fatalf("bare instrument: err = %v", err)
	}
}

func TestOrderHookRunsBeforeFill(t *testing.T) {
	ctx := context.Background()
	ex := New(quietLogger())
	ex.SetPrice("BTCUSDT", 100)
	var seen string
	ex.SetOrderHook(func(req domain.MarketOrderRequest) { seen = req.ClientID })

	if _, err := ex.CreateMarketOrder(ctx, domain.MarketOrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Amount: 1, ClientID: "cid-7"}); err != nil {
		t.Fatalf("order: %v", err)
	}
	if seen != "cid-7" {
		t.Fatalf("hook saw %q", seen)
	}
	if !ex.CloseExternally("BTCUSDT", 90) {
		t.Fatal("CloseExternally reported no position")
	}
	if ex.CloseExternally("BTCUSDT", 90) {
		t.Fatal("second CloseExternally should report false")
	}
}
