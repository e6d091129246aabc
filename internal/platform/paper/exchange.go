// Package paper implements domain.Exchange in memory. It fills market orders
// at the current price, keeps one-way positions per symbol, triggers stops and
// records fee-inclusive closed PnL. It backs paper mode and the test suites,
// which can inject faults per call kind.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// MarketData supplies real quotes and instrument filters, typically the public
// endpoints of the live venue.
type MarketData interface {
	FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error)
	FetchInstrument(ctx context.Context, symbol string) (domain.SymbolPrecision, error)
}

// Fault selects which call kind an injected failure applies to.
type Fault string

const (
	FaultOrder       Fault = "order"
	FaultReduceOrder Fault = "reduce_order"
	FaultStop        Fault = "stop"
	FaultPositions   Fault = "positions"
	FaultClosedPnL   Fault = "closed_pnl"
	FaultTicker      Fault = "ticker"
)

// Always makes a fault permanent.
const Always = -1

// Exchange is a thread-safe in-memory venue.
type Exchange struct {
	mu        sync.Mutex
	positions map[string]*domain.ExchangePosition
	closed    []domain.ClosedPnL
	orders    []domain.OrderResult
	prices    map[string]float64
	specs     map[string]domain.SymbolPrecision
	faults    map[Fault]int
	calls     map[string]int
	leverage  int
	feeRate   float64
	nextOrder int64
	orderHook func(domain.MarketOrderRequest)

	market MarketData
	now    func() time.Time
	logger *slog.Logger
}

// Option customises an Exchange.
type Option func(*Exchange)

// WithMarketData prices orders from md when no local price is set.
func WithMarketData(md MarketData) Option { return func(e *Exchange) { e.market = md } }

// WithLeverage sets the leverage reported on new positions.
func WithLeverage(l int) Option { return func(e *Exchange) { e.leverage = l } }

// WithFeeRate sets the taker fee charged on every fill (0.00055 = 5.5 bps).
func WithFeeRate(r float64) Option { return func(e *Exchange) { e.feeRate = r } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Exchange) { e.now = now } }

// New creates an empty exchange.
func New(logger *slog.Logger, opts ...Option) *Exchange {
	e := &Exchange{
		positions: make(map[string]*domain.ExchangePosition),
		prices:    make(map[string]float64),
		specs:     make(map[string]domain.SymbolPrecision),
		faults:    make(map[Fault]int),
		calls:     make(map[string]int),
		leverage:  1,
		nextOrder: 1000,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "paper_exchange")),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetPrice sets the local quote for symbol.
func (e *Exchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
}

// SetInstrument installs instrument filters for symbol.
func (e *Exchange) SetInstrument(spec domain.SymbolPrecision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.specs[spec.Symbol] = spec
}

// FailNext makes the next n calls of kind fail (Always for every call).
func (e *Exchange) FailNext(kind Fault, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[kind] = n
}

// SetOrderHook runs hook at the start of every CreateMarketOrder call, outside
// the exchange lock.
func (e *Exchange) SetOrderHook(hook func(domain.MarketOrderRequest)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orderHook = hook
}

// SeedPosition places a position directly, as if opened outside the bot.
func (e *Exchange) SeedPosition(p domain.ExchangePosition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := p
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = e.now()
	}
	e.positions[p.Symbol] = &cp
	if _, ok := e.prices[p.Symbol]; !ok && p.MarkPrice > 0 {
		e.prices[p.Symbol] = p.MarkPrice
	}
}

// CloseExternally flattens symbol at price as if closed on the venue UI or by
// liquidation, recording closed PnL.
func (e *Exchange) CloseExternally(symbol string, price float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[symbol]
	if !ok {
		return false
	}
	e.closeLocked(pos, pos.Contracts, price, "")
	return true
}

// Calls returns how many times method was invoked.
func (e *Exchange) Calls(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[method]
}

// Orders returns a copy of the fill log.
func (e *Exchange) Orders() []domain.OrderResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.OrderResult(nil), e.orders...)
}

// CheckStops fires every stop crossed by the current price and returns the
// symbols that were closed.
func (e *Exchange) CheckStops(ctx context.Context) []string {
	e.mu.Lock()
	symbols := make([]string, 0, len(e.positions))
	for s := range e.positions {
		symbols = append(symbols, s)
	}
	e.mu.Unlock()
	sort.Strings(symbols)

	var fired []string
	for _, s := range symbols {
		price, err := e.price(ctx, s)
		if err != nil {
			continue
		}
		e.mu.Lock()
		pos, ok := e.positions[s]
		if ok && pos.StopLoss > 0 {
			hit := (pos.Side == domain.SideLong && price <= pos.StopLoss) ||
				(pos.Side == domain.SideShort && price >= pos.StopLoss)
			if hit {
				e.closeLocked(pos, pos.Contracts, pos.StopLoss, "")
				fired = append(fired, s)
				e.logger.Info("paper stop triggered", slog.String("symbol", s), slog.Float64("stop", pos.StopLoss))
			}
		}
		e.mu.Unlock()
	}
	return fired
}

// CreateMarketOrder fills at the current price.
func (e *Exchange) CreateMarketOrder(ctx context.Context, req domain.MarketOrderRequest) (domain.OrderResult, error) {
	e.mu.Lock()
	hook := e.orderHook
	e.calls["CreateMarketOrder"]++
	e.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if err := ctx.Err(); err != nil {
		return domain.OrderResult{}, err
	}
	if req.Amount <= 0 || req.Symbol == "" {
		return domain.OrderResult{}, fmt.Errorf("paper: order %+v: %w", req, domain.ErrInvalidOrder)
	}
	if e.take(FaultOrder) || (req.ReduceOnly && e.take(FaultReduceOrder)) {
		return domain.OrderResult{}, fmt.Errorf("paper: create order %s: %w", req.Symbol, domain.ErrInjectedFault)
	}
	price, err := e.price(ctx, req.Symbol)
	if err != nil {
		return domain.OrderResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	side := domain.SideLong
	if req.Side == domain.OrderSideSell {
		side = domain.SideShort
	}
	pos, exists := e.positions[req.Symbol]
	switch {
	case !exists && req.ReduceOnly:
		return domain.OrderResult{}, fmt.Errorf("paper: reduce-only %s: %w", req.Symbol, domain.ErrNoPosition)
	case !exists:
		e.positions[req.Symbol] = &domain.ExchangePosition{
			Symbol:     req.Symbol,
			Side:       side,
			Contracts:  req.Amount,
			EntryPrice: price,
			MarkPrice:  price,
			Leverage:   e.leverage,
			UpdatedAt:  e.now(),
		}
	case pos.Side == side:
		if req.ReduceOnly {
			return domain.OrderResult{}, fmt.Errorf("paper: reduce-only same side %s: %w", req.Symbol, domain.ErrInvalidOrder)
		}
		total := pos.Contracts + req.Amount
		pos.EntryPrice = (pos.EntryPrice*pos.Contracts + price*req.Amount) / total
		pos.Contracts = total
		pos.UpdatedAt = e.now()
	default:
		qty := math.Min(req.Amount, pos.Contracts)
		e.closeLocked(pos, qty, price, "")
	}

	e.nextOrder++
	res := domain.OrderResult{
		OrderID:  strconv.FormatInt(e.nextOrder, 10),
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Amount:   req.Amount,
		AvgPrice: price,
		Status:   "Filled",
	}
	e.orders = append(e.orders, res)
	return res, nil
}

// FetchPositions returns non-zero positions marked to the current price.
func (e *Exchange) FetchPositions(ctx context.Context, symbols ...string) ([]domain.ExchangePosition, error) {
	e.count("FetchPositions")
	if e.take(FaultPositions) {
		return nil, fmt.Errorf("paper: fetch positions: %w", domain.ErrInjectedFault)
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	e.mu.Lock()
	list := make([]domain.ExchangePosition, 0, len(e.positions))
	for s, p := range e.positions {
		if len(want) > 0 && !want[s] {
			continue
		}
		list = append(list, *p)
	}
	e.mu.Unlock()

	for i := range list {
		if price, err := e.price(ctx, list[i].Symbol); err == nil {
			list[i].MarkPrice = price
			list[i].UnrealizedPnL = list[i].Side.Sign() * (price - list[i].EntryPrice) * list[i].Contracts
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Symbol < list[j].Symbol })
	return list, nil
}

// FetchTicker returns the current quote.
func (e *Exchange) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	e.count("FetchTicker")
	if e.take(FaultTicker) {
		return domain.Ticker{}, fmt.Errorf("paper: ticker %s: %w", symbol, domain.ErrInjectedFault)
	}
	price, err := e.price(ctx, symbol)
	if err != nil {
		return domain.Ticker{}, err
	}
	return domain.Ticker{Symbol: symbol, Last: price, Bid: price, Ask: price, Mark: price, Timestamp: e.now()}, nil
}

// SetTradingStop attaches a stop to the position on symbol.
func (e *Exchange) SetTradingStop(_ context.Context, req domain.TradingStopRequest) error {
	e.count("SetTradingStop")
	if e.take(FaultStop) {
		return fmt.Errorf("paper: trading stop %s: %w", req.Symbol, domain.ErrInjectedFault)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[req.Symbol]
	if !ok {
		return fmt.Errorf("paper: trading stop %s: %w", req.Symbol, domain.ErrNoPosition)
	}
	if pos.StopLoss == req.StopLoss {
		return fmt.Errorf("paper: trading stop %s: %w", req.Symbol, domain.ErrNotModified)
	}
	pos.StopLoss = req.StopLoss
	if req.TakeProfit != nil {
		pos.TakeProfit = *req.TakeProfit
	}
	pos.UpdatedAt = e.now()
	return nil
}

// FetchClosedPnL lists closed-PnL records for symbol newer than since, newest
// first.
func (e *Exchange) FetchClosedPnL(_ context.Context, symbol string, since time.Time) ([]domain.ClosedPnL, error) {
	e.count("FetchClosedPnL")
	if e.take(FaultClosedPnL) {
		return nil, fmt.Errorf("paper: closed pnl %s: %w", symbol, domain.ErrInjectedFault)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.ClosedPnL
	for i := len(e.closed) - 1; i >= 0; i-- {
		c := e.closed[i]
		if c.Symbol == symbol && !c.CreatedAt.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

// CancelOrder always reports not found: paper market orders fill instantly.
func (e *Exchange) CancelOrder(_ context.Context, symbol, orderID string) error {
	e.count("CancelOrder")
	return fmt.Errorf("paper: cancel %s/%s: %w", symbol, orderID, domain.ErrNotFound)
}

// FetchInstrument returns installed filters, else asks the market data source.
func (e *Exchange) FetchInstrument(ctx context.Context, symbol string) (domain.SymbolPrecision, error) {
	e.mu.Lock()
	spec, ok := e.specs[symbol]
	e.mu.Unlock()
	if ok {
		return spec, nil
	}
	if e.market != nil {
		return e.market.FetchInstrument(ctx, symbol)
	}
	return domain.SymbolPrecision{}, fmt.Errorf("paper: instrument %s: %w", symbol, domain.ErrUnknownSymbol)
}

func (e *Exchange) closeLocked(pos *domain.ExchangePosition, qty, price float64, orderID string) {
	gross := pos.Side.Sign() * (price - pos.EntryPrice) * qty
	fees := e.feeRate * (pos.EntryPrice*qty + price*qty)
	if orderID == "" {
		e.nextOrder++
		orderID = strconv.FormatInt(e.nextOrder, 10)
	}
	e.closed = append(e.closed, domain.ClosedPnL{
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		OrderID:       orderID,
		Qty:           qty,
		AvgEntryPrice: pos.EntryPrice,
		AvgExitPrice:  price,
		ClosedPnL:     gross - fees,
		CreatedAt:     e.now(),
	})
	pos.Contracts -= qty
	if pos.Contracts <= 1e-12 {
		delete(e.positions, pos.Symbol)
	}
}

func (e *Exchange) price(ctx context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	p, ok := e.prices[symbol]
	md := e.market
	e.mu.Unlock()
	if ok && p > 0 {
		return p, nil
	}
	if md == nil {
		return 0, fmt.Errorf("paper: no price for %s: %w", symbol, domain.ErrUnknownSymbol)
	}
	t, err := md.FetchTicker(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("paper: market data %s: %w", symbol, err)
	}
	return t.Last, nil
}

// take consumes one injected failure of kind.
func (e *Exchange) take(kind Fault) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.faults[kind]
	switch {
	case n == Always:
		return true
	case n > 0:
		e.faults[kind] = n - 1
		return true
	}
	return false
}

func (e *Exchange) count(method string) {
	e.mu.Lock()
	e.calls[method]++
	e.mu.Unlock()
}

var _ domain.Exchange = (*Exchange)(nil)
