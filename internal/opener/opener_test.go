package opener

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/ledger"
	"github.com/alanyoungcy/perpbot/internal/platform/paper"
	"github.com/alanyoungcy/perpbot/internal/precision"
	"github.com/alanyoungcy/perpbot/internal/stoploss"
)

type fixture struct {
	ex     *paper.Exchange
	ledger *ledger.Ledger
	stops  *stoploss.Coordinator
	open   *Coordinator
	sink   *sinkRecorder
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []domain.PositionEvent
}

func (s *sinkRecorder) Emit(_ context.Context, ev domain.PositionEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *sinkRecorder) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func noWait(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ex := paper.New(logger, paper.WithLeverage(5))
	ex.SetInstrument(domain.SymbolPrecision{Symbol: "BTCUSDT", TickSize: 0.1, QtyStep: 0.001, MinQty: 0.001})
	ex.SetPrice("BTCUSDT", 30000)
	norm := precision.New(ex, logger)
	l := ledger.New(ledger.Options{StartBalance: 1000}, logger)
	stops := stoploss.New(ex, norm, l, stoploss.Config{InitialPct: 6, MaxRetries: 3}, logger,
		stoploss.WithClock(nil, noWait))
	sink := &sinkRecorder{}
	opts = append([]Option{WithEvents(sink), WithSleep(noWait)}, opts...)
	cfg := Config{Leverage: 5, MarginUSD: 60, MinAmount: 0.001, MaxAmount: 100, MinNotional: 5}
	return &fixture{
		ex:     ex,
		ledger: l,
		stops:  stops,
		open:   New(ex, stops, l, norm, cfg, logger, opts...),
		sink:   sink,
	}
}

func btcLong() OpenRequest {
	return OpenRequest{
		Symbol:           "BTCUSDT",
		Side:             domain.SideLong,
		Confidence:       0.7,
		Snapshot:         domain.MarketSnapshot{Symbol: "BTCUSDT", Price: 30000},
		AvailableBalance: 1000,
	}
}

func netExposure(t *testing.T, ex *paper.Exchange, symbol string) float64 {
	t.Helper()
	ps, err := ex.FetchPositions(context.Background(), symbol)
	if err != nil {
		t.Fatal(err)
	}
	var total float64
	for _, p := range ps {
		total += p.Contracts
	}
	return total
}

func TestOpenSuccess(t *testing.T) {
	f := newFixture(t)
	res := f.open.OpenPositionAtomic(context.Background(), btcLong())
	if !res.Success || res.Stage != StageDone || res.PositionID == "" {
		t.Fatalf("result = %+v", res)
	}
	// 60 USD margin at 5x is 300 USD notional: 0.01 BTC at 30000.
	if res.Contracts != 0.01 {
		t.Fatalf("contracts = %v, want 0.01", res.Contracts)
	}
	if res.StopLoss != 28200 {
		t.Fatalf("stop = %v, want 28200", res.StopLoss)
	}
	pos, ok := f.ledger.SafeGetPosition(res.PositionID)
	if !ok || pos.Origin != domain.OriginSession || pos.Leverage != 5 || pos.Size != 300 {
		t.Fatalf("ledger position = %+v", pos)
	}
	if pos.RealStopLoss == nil || *pos.RealStopLoss != 28200 {
		t.Fatalf("real stop = %v", pos.RealStopLoss)
	}
	st, ok := f.stops.State(res.PositionID)
	if !ok || st.Source != domain.SLSourceInitialSet || !st.ExchangeConfirmed {
		t.Fatalf("stop state = %+v", st)
	}
	if got := f.sink.types(); len(got) != 1 || got[0] != domain.EventPositionOpened {
		t.Fatalf("events = %v", got)
	}
	if s := f.open.Stats(); s.Attempts != 1 || s.Successes != 1 || s.SuccessRate != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

// Two concurrent opens for one symbol: exactly one succeeds.
func TestConcurrentOpensForSameSymbol(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.ex.SetOrderHook(func(domain.MarketOrderRequest) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})

	first := make(chan OpenResult, 1)
	go func() { first <- f.open.OpenPositionAtomic(context.Background(), btcLong()) }()
	<-entered

	second := f.open.OpenPositionAtomic(context.Background(), btcLong())
	close(release)
	winner := <-first

	if !winner.Success {
		t.Fatalf("first open = %+v", winner)
	}
	if second.Success || second.Stage != StageDuplicate {
		t.Fatalf("second open = %+v", second)
	}
	if s := f.open.Stats(); s.DuplicatesPrevented != 1 {
		t.Fatalf("duplicates prevented = %d, want 1", s.DuplicatesPrevented)
	}
	if n := f.ledger.SafeGetPositionCount(); n != 1 {
		t.Fatalf("ledger count = %d", n)
	}
	if got := netExposure(t, f.ex, "BTCUSDT"); got != 0.01 {
		t.Fatalf("exposure = %v", got)
	}
}

// Stop placement fails every retry after a 0.01 BTC buy: the buy is undone.
func TestStopFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.ex.FailNext(paper.FaultStop, paper.Always)

	res := f.open.OpenPositionAtomic(context.Background(), btcLong())
	if res.Success || res.Stage != StageStopLoss || !res.RolledBack {
		t.Fatalf("result = %+v", res)
	}
	orders := f.ex.Orders()
	if len(orders) != 2 {
		t.Fatalf("orders = %+v", orders)
	}
	if orders[0].Side != domain.OrderSideBuy || orders[0].Amount != 0.01 {
		t.Fatalf("entry = %+v", orders[0])
	}
	if orders[1].Side != domain.OrderSideSell || orders[1].Amount != 0.01 {
		t.Fatalf("rollback = %+v", orders[1])
	}
	if f.ex.Calls("SetTradingStop") != 3 {
		t.Fatalf("stop attempts = %d", f.ex.Calls("SetTradingStop"))
	}
	if f.ledger.SafeHasPositionForSymbol("BTCUSDT") {
		t.Fatal("rolled back position tracked in ledger")
	}
	if got := netExposure(t, f.ex, "BTCUSDT"); got != 0 {
		t.Fatalf("net exposure = %v after rollback", got)
	}
	if s := f.open.Stats(); s.Rollbacks != 1 || s.RollbackFailures != 0 || s.Failures != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestRollbackFailureRaisesAlarm(t *testing.T) {
	f := newFixture(t)
	f.ex.FailNext(paper.FaultStop, paper.Always)
	f.ex.FailNext(paper.FaultReduceOrder, paper.Always)

	res := f.open.OpenPositionAtomic(context.Background(), btcLong())
	if res.Success || res.RolledBack {
		t.Fatalf("result = %+v", res)
	}
	if s := f.open.Stats(); s.RollbackFailures != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if got := f.sink.types(); len(got) != 1 || got[0] != domain.EventRollbackFailed {
		t.Fatalf("events = %v", got)
	}
	if n := f.ex.Calls("CreateMarketOrder"); n != 4 {
		t.Fatalf("order calls = %d, want entry + 3 rollback attempts", n)
	}
}

// cancelAfterEntry cancels the caller's context once the entry has filled.
type cancelAfterEntry struct {
	*paper.Exchange
	cancel context.CancelFunc
}

func (c cancelAfterEntry) CreateMarketOrder(ctx context.Context, req domain.MarketOrderRequest) (domain.OrderResult, error) {
	res, err := c.Exchange.CreateMarketOrder(ctx, req)
	if !req.ReduceOnly {
		c.cancel()
	}
	return res, err
}

func TestRollbackSurvivesCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.ex.FailNext(paper.FaultStop, paper.Always)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	norm := precision.New(f.ex, logger)
	cfg := Config{Leverage: 5, MarginUSD: 60, MinAmount: 0.001, MaxAmount: 100, MinNotional: 5}
	op := New(cancelAfterEntry{Exchange: f.ex, cancel: cancel}, f.stops, f.ledger, norm, cfg, logger, WithSleep(noWait))

	res := op.OpenPositionAtomic(ctx, btcLong())
	if res.Success || !res.RolledBack {
		t.Fatalf("result = %+v", res)
	}
	if got := netExposure(t, f.ex, "BTCUSDT"); got != 0 {
		t.Fatalf("net exposure = %v", got)
	}
}

func TestRejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		req   func() OpenRequest
		stage Stage
	}{
		{
			name:  "invalid side",
			req:   func() OpenRequest { r := btcLong(); r.Side = "up"; return r },
			stage: StageValidate,
		},
		{
			name:  "no price",
			req:   func() OpenRequest { r := btcLong(); r.Snapshot.Price = 0; return r },
			stage: StageValidate,
		},
		{
			name: "already on exchange",
			setup: func(f *fixture) {
				f.ex.SeedPosition(domain.ExchangePosition{Symbol: "BTCUSDT", Side: domain.SideShort, Contracts: 1, EntryPrice: 30000})
			},
			req:   btcLong,
			stage: StageDuplicate,
		},
		{
			name: "already in ledger",
			setup: func(f *fixture) {
				f.ledger.CreatePosition(ledger.NewPosition{Symbol: "BTCUSDT", Side: domain.SideLong, EntryPrice: 30000, Size: 300, Contracts: 0.01, Leverage: 5})
			},
			req:   btcLong,
			stage: StageDuplicate,
		},
		{
			name:  "exchange unreachable",
			setup: func(f *fixture) { f.ex.FailNext(paper.FaultPositions, 1) },
			req:   btcLong,
			stage: StageExchange,
		},
		{
			name:  "insufficient balance",
			req:   func() OpenRequest { r := btcLong(); r.AvailableBalance = 50; return r },
			stage: StageSizing,
		},
		{
			name:  "size floors to zero",
			req:   func() OpenRequest { r := btcLong(); r.Snapshot.Price = 1e9; return r },
			stage: StageSizing,
		},
		{
			name:  "order rejected",
			setup: func(f *fixture) { f.ex.FailNext(paper.FaultOrder, 1) },
			req:   btcLong,
			stage: StageOrder,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			before := len(f.ex.Orders())
			res := f.open.OpenPositionAtomic(context.Background(), tt.req())
			if res.Success || res.Stage != tt.stage {
				t.Fatalf("result = %+v, want stage %s", res, tt.stage)
			}
			if len(f.ex.Orders()) != before {
				t.Fatal("rejected open sent an order")
			}
		})
	}
}

func TestBalanceAccountsForOpenLosses(t *testing.T) {
	f := newFixture(t)
	f.ex.SetInstrument(domain.SymbolPrecision{Symbol: "ETHUSDT", TickSize: 0.01, QtyStep: 0.01})
	f.ex.SetPrice("ETHUSDT", 2000)
	id := f.ledger.CreatePosition(ledger.NewPosition{Symbol: "ETHUSDT", Side: domain.SideLong, EntryPrice: 2000, Size: 500, Contracts: 0.25, Leverage: 5})
	f.ledger.AtomicUpdatePriceAndPnL(id, 1800) // -50 USD

	// 120 - 100 margin - 50 loss leaves nothing for a 60 USD margin.
	req := btcLong()
	req.AvailableBalance = 120
	if res := f.open.OpenPositionAtomic(context.Background(), req); res.Stage != StageSizing {
		t.Fatalf("result = %+v", res)
	}
	req.AvailableBalance = 220
	if res := f.open.OpenPositionAtomic(context.Background(), req); !res.Success {
		t.Fatalf("result = %+v", res)
	}
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, fmt.Errorf("redis lock open:BTCUSDT: %w", domain.ErrLockHeld)
}

func TestDistributedLockHeld(t *testing.T) {
	f := newFixture(t, WithLocker(heldLock{}))
	res := f.open.OpenPositionAtomic(context.Background(), btcLong())
	if res.Stage != StageDuplicate {
		t.Fatalf("result = %+v", res)
	}
	if f.open.Stats().DuplicatesPrevented != 1 {
		t.Fatal("lock collision not counted")
	}
}

func TestConfidenceScale(t *testing.T) {
	tests := []struct {
		conf float64
		want float64
	}{
		{0.55, 0.75},
		{0.65, 1},
		{0.79, 1},
		{0.8, 1.25},
		{1, 1.25},
	}
	for _, tt := range tests {
		if got := ConfidenceScale(tt.conf); got != tt.want {
			t.Errorf("ConfidenceScale(%v) = %v, want %v", tt.conf, got, tt.want)
		}
	}
}
