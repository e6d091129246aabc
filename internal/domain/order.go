package domain

import (
	"context"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "Buy"
	OrderSideSell OrderSide = "Sell"
)

// MarketOrderRequest describes a market order on a linear perpetual.
type MarketOrderRequest struct {
	Symbol     string
	Side       OrderSide
	Amount     float64
	ReduceOnly bool
	// ClientID is sent as orderLinkId so retries are idempotent.
	ClientID string
}

// OrderResult is the exchange acknowledgement of a market order.
type OrderResult struct {
	OrderID  string
	ClientID string
	Symbol   string
	Side     OrderSide
	Amount   float64
	AvgPrice float64
	Status   string
}

// ExchangePosition is a non-zero position as reported by the exchange.
type ExchangePosition struct {
	Symbol     string
	Side       Side
	Contracts  float64
	EntryPrice float64
	MarkPrice  float64
	Leverage   int
	// StopLoss is zero when the exchange has no stop attached.
	StopLoss      float64
	TakeProfit    float64
	UnrealizedPnL float64
	PositionIdx   int
	UpdatedAt     time.Time
}

// Notional is the USD value of the position at its entry price.
func (p ExchangePosition) Notional() float64 {
	return p.Contracts * p.EntryPrice
}

// Ticker is the latest quote for a symbol.
type Ticker struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	Mark      float64
	Timestamp time.Time
}

// TradingStopRequest sets the position-level stop-loss on the exchange.
type TradingStopRequest struct {
	Symbol      string
	Side        Side
	StopLoss    float64
	TakeProfit  *float64
	PositionIdx int
}

// ClosedPnL is one closed-position record from the exchange, fees included.
type ClosedPnL struct {
	Symbol        string
	Side          Side
	OrderID       string
	Qty           float64
	AvgEntryPrice float64
	AvgExitPrice  float64
	ClosedPnL     float64
	CreatedAt     time.Time
}

// SymbolPrecision carries the instrument filters needed for rounding.
type SymbolPrecision struct {
	Symbol      string
	TickSize    float64
	QtyStep     float64
	MinQty      float64
	MaxQty      float64
	MinNotional float64
}

// Exchange is the gateway to the derivatives venue. Every method may block on
// the network and honours ctx cancellation.
type Exchange interface {
	CreateMarketOrder(ctx context.Context, req MarketOrderRequest) (OrderResult, error)
	// FetchPositions returns non-zero positions, optionally filtered by symbol.
	FetchPositions(ctx context.Context, symbols ...string) ([]ExchangePosition, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	// SetTradingStop returns an error wrapping ErrNotModified when the
	// exchange already has the requested stop.
	SetTradingStop(ctx context.Context, req TradingStopRequest) error
	// FetchClosedPnL lists closed-PnL records newer than since, newest first.
	FetchClosedPnL(ctx context.Context, symbol string, since time.Time) ([]ClosedPnL, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	FetchInstrument(ctx context.Context, symbol string) (SymbolPrecision, error)
}
