package stoploss

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/ledger"
	"github.com/alanyoungcy/perpbot/internal/platform/paper"
	"github.com/alanyoungcy/perpbot/internal/precision"
)

type testEnv struct {
	ex     *paper.Exchange
	norm   *precision.Normalizer
	ledger *ledger.Ledger
	coord  *Coordinator
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := quietLogger()
	ex := paper.New(logger, paper.WithLeverage(5))
	ex.SetInstrument(domain.SymbolPrecision{Symbol: "BTCUSDT", TickSize: 0.01, QtyStep: 0.001, MinQty: 0.001})
	ex.SetPrice("BTCUSDT", 100)
	norm := precision.New(ex, logger)
	l := ledger.New(ledger.Options{StartBalance: 1000}, logger)
	coord := New(ex, norm, l, Config{InitialPct: 6, MaxRetries: 3}, logger,
		WithClock(nil, func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	return &testEnv{ex: ex, norm: norm, ledger: l, coord: coord}
}

// openLong fills a long on the paper venue, places the initial stop and
// registers the position the way the opening saga does.
func (e *testEnv) openLong(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	if _, err := e.ex.CreateMarketOrder(ctx, domain.MarketOrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Amount: 5}); err != nil {
		t.Fatal(err)
	}
	ok, sl := e.coord.SetInitialSL(ctx, "BTCUSDT", domain.SideLong, 100)
	if !ok {
		t.Fatal("initial stop failed")
	}
	id := e.ledger.CreatePosition(ledger.NewPosition{
		Symbol: "BTCUSDT", Side: domain.SideLong, EntryPrice: 100, Size: 500, Contracts: 5, Leverage: 5,
		StopLoss: domain.Float(sl),
	})
	if id == "" {
		t.Fatal("ledger create failed")
	}
	e.coord.Register(id, "BTCUSDT", domain.SideLong, sl, domain.SLSourceInitialSet, true)
	return id
}

func exchangeStop(t *testing.T, ex *paper.Exchange) float64 {
	t.Helper()
	ps, err := ex.FetchPositions(context.Background(), "BTCUSDT")
	if err != nil || len(ps) != 1 {
		t.Fatalf("positions = %v, %v", ps, err)
	}
	return ps[0].StopLoss
}

// Initial stop for a long entered at 100 lands at 94 everywhere.
func TestInitialStopIsRecordedEverywhere(t *testing.T) {
	env := newTestEnv(t)
	id := env.openLong(t)

	pos, _ := env.ledger.SafeGetPosition(id)
	if pos.StopLoss == nil || *pos.StopLoss != 94 {
		t.Fatalf("ledger stop = %v, want 94", pos.StopLoss)
	}
	st, ok := env.coord.State(id)
	if !ok || st.CurrentSL != 94 || st.Source != domain.SLSourceInitialSet || !st.ExchangeConfirmed {
		t.Fatalf("state = %+v", st)
	}
	if got := exchangeStop(t, env.ex); got != 94 {
		t.Fatalf("exchange stop = %v, want 94", got)
	}
}

func TestInitialStopShortSide(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ex.CreateMarketOrder(ctx, domain.MarketOrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideSell, Amount: 1})
	ok, sl := env.coord.SetInitialSL(ctx, "BTCUSDT", domain.SideShort, 100)
	if !ok || sl != 106 {
		t.Fatalf("short initial stop = %v/%v, want true/106", ok, sl)
	}
}

func TestInitialStopRetriesThenFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ex.CreateMarketOrder(ctx, domain.MarketOrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Amount: 1})

	env.ex.FailNext(paper.FaultStop, 2)
	if ok, _ := env.coord.SetInitialSL(ctx, "BTCUSDT", domain.SideLong, 100); !ok {
		t.Fatal("third attempt should succeed")
	}
	if n := env.ex.Calls("SetTradingStop"); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}

	env.ex.FailNext(paper.FaultStop, paper.Always)
	if ok, _ := env.coord.SetInitialSL(ctx, "BTCUSDT", domain.SideLong, 100); ok {
		t.Fatal("exhausted retries must fail")
	}
	if n := env.ex.Calls("SetTradingStop"); n != 6 {
		t.Fatalf("attempts = %d, want 6", n)
	}
	if s := env.coord.Stats(); s.InitialSet != 1 || s.InitialFailed != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

// A trailing request wins over a reconciler request whatever the arrival order.
func TestPriorityArbitrationIsOrderIndependent(t *testing.T) {
	orders := []struct {
		name  string
		first domain.SLSource
		v1    float64
		then  domain.SLSource
		v2    float64
	}{
		{"trailing then sync", domain.SLSourceTrailingActive, 97, domain.SLSourceOrchestratorSync, 95},
		{"sync then trailing", domain.SLSourceOrchestratorSync, 95, domain.SLSourceTrailingActive, 97},
	}
	for _, tt := range orders {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			id := env.openLong(t)

			env.coord.RequestSLUpdate(id, tt.v1, tt.first)
			env.coord.RequestSLUpdate(id, tt.v2, tt.then)
			rep := env.coord.ProcessSLUpdates(context.Background())
			if rep.Applied != 1 {
				t.Fatalf("report = %+v", rep)
			}
			st, _ := env.coord.State(id)
			if st.CurrentSL != 97 || st.Source != domain.SLSourceTrailingActive {
				t.Fatalf("state = %+v, want 97/TRAILING_ACTIVE", st)
			}
			if got := exchangeStop(t, env.ex); got != 97 {
				t.Fatalf("exchange stop = %v", got)
			}
		})
	}
}

func TestRequestOutcomes(t *testing.T) {
	env := newTestEnv(t)
	id := env.openLong(t)

	if got := env.coord.RequestSLUpdate(id, 95, domain.SLSourceProtection); got != Accepted {
		t.Fatalf("protection = %v", got)
	}
	if got := env.coord.RequestSLUpdate(id, 96, domain.SLSourceTrailingActive); got != Replaced {
		t.Fatalf("trailing over protection = %v", got)
	}
	if got := env.coord.RequestSLUpdate(id, 93, domain.SLSourceInitialSet); got != Rejected {
		t.Fatalf("initial under trailing = %v", got)
	}
	if got := env.coord.RequestSLUpdate("unknown", 93, domain.SLSourceManual); got != Rejected {
		t.Fatalf("unknown position = %v", got)
	}
	if sl, src, ok := env.coord.Pending(id); !ok || sl != 96 || src != domain.SLSourceTrailingActive {
		t.Fatalf("pending = %v %v %v", sl, src, ok)
	}
	s := env.coord.Stats()
	if s.Conflicts != 2 || s.Replaced != 1 || s.Rejected != 2 || s.Pending != 1 {
		t.Fatalf("stats = %+v", s)
	}

	env.coord.ProcessSLUpdates(context.Background())
	// With nothing pending, a lower source than the applied one loses.
	if got := env.coord.RequestSLUpdate(id, 95, domain.SLSourceProtection); got != Rejected {
		t.Fatalf("protection under applied trailing = %v", got)
	}
	if got := env.coord.RequestSLUpdate(id, 90, domain.SLSourceManual); got != Accepted {
		t.Fatalf("manual = %v", got)
	}
}

func TestProcessSkipsNoOpAndTreatsNotModifiedAsSuccess(t *testing.T) {
	env := newTestEnv(t)
	id := env.openLong(t)

	env.coord.RequestSLUpdate(id, 94.001, domain.SLSourceTrailingActive) // within half a tick
	rep := env.coord.ProcessSLUpdates(context.Background())
	if rep.Skipped != 1 || rep.Applied != 0 {
		t.Fatalf("no-op report = %+v", rep)
	}
	before := env.ex.Calls("SetTradingStop")

	// Exchange already carries 96 (set out of band): "not modified" counts as applied.
	env.ex.SetTradingStop(context.Background(), domain.TradingStopRequest{Symbol: "BTCUSDT", StopLoss: 96})
	env.coord.RequestSLUpdate(id, 96, domain.SLSourceTrailingActive)
	rep = env.coord.ProcessSLUpdates(context.Background())
	if rep.Applied != 1 || rep.Failed != 0 {
		t.Fatalf("not-modified report = %+v", rep)
	}
	if n := env.ex.Calls("SetTradingStop") - before; n != 2 {
		t.Fatalf("exchange writes = %d, want 2 (out-of-band + one attempt)", n)
	}
	st, _ := env.coord.State(id)
	if st.CurrentSL != 96 || st.UpdateCount != 1 {
		t.Fatalf("state = %+v", st)
	}
	pos, _ := env.ledger.SafeGetPosition(id)
	if *pos.StopLoss != 96 || pos.RealStopLoss == nil || *pos.RealStopLoss != 96 {
		t.Fatalf("ledger mirror = %v / %v", *pos.StopLoss, pos.RealStopLoss)
	}
	if env.coord.Stats().NotModified != 1 {
		t.Fatal("not-modified answer not counted")
	}
}

func TestProcessFailureKeepsPreviousStop(t *testing.T) {
	env := newTestEnv(t)
	id := env.openLong(t)

	env.ex.FailNext(paper.FaultStop, paper.Always)
	env.coord.RequestSLUpdate(id, 97, domain.SLSourceTrailingActive)
	rep := env.coord.ProcessSLUpdates(context.Background())
	if rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	st, _ := env.coord.State(id)
	if st.CurrentSL != 94 {
		t.Fatalf("state moved to %v after failed write", st.CurrentSL)
	}
}

func TestForgetDropsStateAndPending(t *testing.T) {
	env := newTestEnv(t)
	id := env.openLong(t)
	env.coord.RequestSLUpdate(id, 97, domain.SLSourceTrailingActive)
	env.coord.Forget(id)

	if _, ok := env.coord.State(id); ok {
		t.Fatal("state survived Forget")
	}
	if rep := env.coord.ProcessSLUpdates(context.Background()); rep.Processed != 0 {
		t.Fatalf("forgotten update processed: %+v", rep)
	}
}

func TestEmergencyFixClampsToCurrentPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ex.CreateMarketOrder(ctx, domain.MarketOrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Amount: 1})

	pos := domain.Position{ID: "p1", Symbol: "BTCUSDT", Side: domain.SideLong, EntryPrice: 100, CurrentPrice: 92}
	sl, ok := env.coord.EmergencyFix(ctx, pos)
	if !ok {
		t.Fatal("emergency fix failed")
	}
	// 94 would sit above the market at 92, so the stop is pulled one tick under it.
	if math.Abs(sl-91.99) > 1e-9 {
		t.Fatalf("emergency stop = %v, want 91.99", sl)
	}
	st, _ := env.coord.State("p1")
	if st.Source != domain.SLSourceProtection || !st.ExchangeConfirmed {
		t.Fatalf("state = %+v", st)
	}
}

func TestEmergencyFixKeepsTightestKnownStop(t *testing.T) {
	tests := []struct {
		name   string
		adjust func(pos *domain.Position)
		want   float64
	}{
		{"applied trailing stop", func(*domain.Position) {}, 110.2},
		{"tighter ledger stop", func(p *domain.Position) { p.StopLoss = domain.Float(111) }, 111},
		{"tighter trailing state", func(p *domain.Position) {
			p.Trailing = &domain.TrailingState{Enabled: true, CurrentStopLoss: domain.Float(111.5)}
		}, 111.5},
		{"looser stops ignored", func(p *domain.Position) {
			p.StopLoss = domain.Float(95)
			p.Trailing = &domain.TrailingState{Enabled: true, CurrentStopLoss: domain.Float(100)}
		}, 110.2},
		{"stop above the market is clamped", func(p *domain.Position) { p.StopLoss = domain.Float(113) }, 111.99},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			id := env.openLong(t)
			env.ex.SetPrice("BTCUSDT", 112)
			env.coord.RequestSLUpdate(id, 110.2, domain.SLSourceTrailingActive)
			if rep := env.coord.ProcessSLUpdates(ctx); rep.Applied != 1 {
				t.Fatalf("process = %+v", rep)
			}

			pos := domain.Position{ID: id, Symbol: "BTCUSDT", Side: domain.SideLong, EntryPrice: 100, CurrentPrice: 112}
			tc.adjust(&pos)
			sl, ok := env.coord.EmergencyFix(ctx, pos)
			if !ok || math.Abs(sl-tc.want) > 1e-9 {
				t.Fatalf("emergency stop = %v, %v; want %v", sl, ok, tc.want)
			}
			if got := exchangeStop(t, env.ex); math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("exchange stop = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEmergencyFixUntrackedUsesInitialStop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ex.CreateMarketOrder(ctx, domain.MarketOrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Amount: 1})

	sl, ok := env.coord.EmergencyFix(ctx, domain.Position{ID: "p1", Symbol: "BTCUSDT", Side: domain.SideLong, EntryPrice: 100, CurrentPrice: 101})
	if !ok || sl != 94 {
		t.Fatalf("emergency stop = %v, %v; want 94", sl, ok)
	}
}

type gatedExchange struct {
	*paper.Exchange
	before func()
}

func (g *gatedExchange) SetTradingStop(ctx context.Context, req domain.TradingStopRequest) error {
	if f := g.before; f != nil {
		g.before = nil
		f()
	}
	return g.Exchange.SetTradingStop(ctx, req)
}

// An emergency write waits for an in-progress drain so it cannot overwrite
// the stop the drain is placing with an older one.
func TestEmergencyFixWaitsForProcessing(t *testing.T) {
	env := newTestEnv(t)
	gated := &gatedExchange{Exchange: env.ex}
	env.coord = New(gated, env.norm, env.ledger, Config{InitialPct: 6, MaxRetries: 1}, quietLogger())
	ctx := context.Background()
	id := env.openLong(t)
	env.ex.SetPrice("BTCUSDT", 112)
	env.coord.RequestSLUpdate(id, 110.2, domain.SLSourceTrailingActive)

	var finishedEarly atomic.Bool
	done := make(chan float64, 1)
	gated.before = func() {
		pos := domain.Position{ID: id, Symbol: "BTCUSDT", Side: domain.SideLong, EntryPrice: 100, CurrentPrice: 112}
		go func() {
			sl, _ := env.coord.EmergencyFix(ctx, pos)
			done <- sl
		}()
		select {
		case sl := <-done:
			finishedEarly.Store(true)
			done <- sl
		case <-time.After(50 * time.Millisecond):
		}
	}

	if rep := env.coord.ProcessSLUpdates(ctx); rep.Applied != 1 {
		t.Fatalf("process = %+v", rep)
	}
	if finishedEarly.Load() {
		t.Fatal("emergency write ran while the drain was writing")
	}
	if sl := <-done; sl != 110.2 {
		t.Fatalf("emergency stop = %v, want 110.2", sl)
	}
	if got := exchangeStop(t, env.ex); got != 110.2 {
		t.Fatalf("exchange stop = %v, want 110.2", got)
	}
}
