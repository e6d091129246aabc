package bybit

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// retCodes the gateway interprets. Everything else non-zero is an APIError.
const (
	retOK            = 0
	retInvalidKey    = 10003
	retInvalidSign   = 10004
	retPermission    = 10005
	retRateLimited   = 10006
	retOrderNotFound = 110001
	retReduceOnly    = 110017
	retNotModified   = 34040
)

// envelope is the common v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type listResult[T any] struct {
	Category       string `json:"category"`
	List           []T    `json:"list"`
	NextPageCursor string `json:"nextPageCursor"`
}

// --------------------------------------------------------------------------
// Request bodies
// --------------------------------------------------------------------------

type createOrderBody struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
	PositionIdx int    `json:"positionIdx"`
}

type tradingStopBody struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	StopLoss    string `json:"stopLoss"`
	TakeProfit  string `json:"takeProfit,omitempty"`
	TpslMode    string `json:"tpslMode"`
	SlTriggerBy string `json:"slTriggerBy"`
	PositionIdx int    `json:"positionIdx"`
}

type cancelOrderBody struct {
	Category string `json:"category"`
	Symbol   string `json:"symbol"`
	OrderID  string `json:"orderId"`
}

// --------------------------------------------------------------------------
// Response DTOs. Bybit encodes every number as a string.
// --------------------------------------------------------------------------

type orderAck struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type orderRecord struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	AvgPrice    string `json:"avgPrice"`
	CumExecQty  string `json:"cumExecQty"`
	OrderStatus string `json:"orderStatus"`
}

type positionRecord struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	Leverage      string `json:"leverage"`
	StopLoss      string `json:"stopLoss"`
	TakeProfit    string `json:"takeProfit"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	PositionIdx   int    `json:"positionIdx"`
	UpdatedTime   string `json:"updatedTime"`
}

func (r positionRecord) toDomain() (domain.ExchangePosition, bool) {
	size := parseFloat(r.Size)
	if size == 0 {
		return domain.ExchangePosition{}, false
	}
	side := domain.SideLong
	switch r.Side {
	case "Sell":
		side = domain.SideShort
	case "Buy":
	default:
		return domain.ExchangePosition{}, false
	}
	return domain.ExchangePosition{
		Symbol:        r.Symbol,
		Side:          side,
		Contracts:     size,
		EntryPrice:    parseFloat(r.AvgPrice),
		MarkPrice:     parseFloat(r.MarkPrice),
		Leverage:      int(parseFloat(r.Leverage)),
		StopLoss:      parseFloat(r.StopLoss),
		TakeProfit:    parseFloat(r.TakeProfit),
		UnrealizedPnL: parseFloat(r.UnrealisedPnl),
		PositionIdx:   r.PositionIdx,
		UpdatedAt:     parseMillis(r.UpdatedTime),
	}, true
}

type tickerRecord struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
	MarkPrice string `json:"markPrice"`
}

func (r tickerRecord) toDomain(ts time.Time) domain.Ticker {
	return domain.Ticker{
		Symbol:    r.Symbol,
		Last:      parseFloat(r.LastPrice),
		Bid:       parseFloat(r.Bid1Price),
		Ask:       parseFloat(r.Ask1Price),
		Mark:      parseFloat(r.MarkPrice),
		Timestamp: ts,
	}
}

type closedPnLRecord struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderID       string `json:"orderId"`
	ClosedSize    string `json:"closedSize"`
	AvgEntryPrice string `json:"avgEntryPrice"`
	AvgExitPrice  string `json:"avgExitPrice"`
	ClosedPnl     string `json:"closedPnl"`
	CreatedTime   string `json:"createdTime"`
}

// toDomain reports the side of the position that was closed. Bybit records
// the side of the closing order, so a Sell closes a long.
func (r closedPnLRecord) toDomain() domain.ClosedPnL {
	side := domain.SideLong
	if r.Side == "Buy" {
		side = domain.SideShort
	}
	return domain.ClosedPnL{
		Symbol:        r.Symbol,
		Side:          side,
		OrderID:       r.OrderID,
		Qty:           parseFloat(r.ClosedSize),
		AvgEntryPrice: parseFloat(r.AvgEntryPrice),
		AvgExitPrice:  parseFloat(r.AvgExitPrice),
		ClosedPnL:     parseFloat(r.ClosedPnl),
		CreatedAt:     parseMillis(r.CreatedTime),
	}
}

type instrumentRecord struct {
	Symbol      string `json:"symbol"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		QtyStep          string `json:"qtyStep"`
		MinOrderQty      string `json:"minOrderQty"`
		MaxOrderQty      string `json:"maxOrderQty"`
		MinNotionalValue string `json:"minNotionalValue"`
	} `json:"lotSizeFilter"`
}

func (r instrumentRecord) toDomain() domain.SymbolPrecision {
	return domain.SymbolPrecision{
		Symbol:      r.Symbol,
		TickSize:    parseFloat(r.PriceFilter.TickSize),
		QtyStep:     parseFloat(r.LotSizeFilter.QtyStep),
		MinQty:      parseFloat(r.LotSizeFilter.MinOrderQty),
		MaxQty:      parseFloat(r.LotSizeFilter.MaxOrderQty),
		MinNotional: parseFloat(r.LotSizeFilter.MinNotionalValue),
	}
}

// --------------------------------------------------------------------------
// WebSocket frames
// --------------------------------------------------------------------------

type wsCommand struct {
	ReqID string   `json:"req_id,omitempty"`
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
}

type wsFrame struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

// wsTicker is the tickers.{symbol} payload. Deltas omit unchanged fields.
type wsTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	MarkPrice string `json:"markPrice"`
}

// --------------------------------------------------------------------------
// helpers
// --------------------------------------------------------------------------

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
