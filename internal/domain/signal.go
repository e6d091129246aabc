package domain

import (
	"strings"
	"time"
)

// SignalName is the directional call from the prediction pipeline.
type SignalName string

const (
	SignalBuy  SignalName = "BUY"
	SignalSell SignalName = "SELL"
	SignalHold SignalName = "HOLD"
)

// TradeSignal is a request from the prediction pipeline to open a position.
type TradeSignal struct {
	ID         string     `json:"id"` // UUID for dedup
	Source     string     `json:"source"`
	Symbol     string     `json:"symbol"`
	Name       SignalName `json:"signal_name"`
	Confidence float64    `json:"confidence"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at,omitempty"`
}

// Side maps BUY to long and SELL to short.
func (s TradeSignal) Side() (Side, bool) {
	switch SignalName(strings.ToUpper(string(s.Name))) {
	case SignalBuy:
		return SideLong, true
	case SignalSell:
		return SideShort, true
	}
	return "", false
}

// MarketSnapshot is the market context handed to the opening coordinator.
type MarketSnapshot struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// TradeOutcome is published when a position closes so the external
// adaptive-sizing collaborator can learn from it.
type TradeOutcome struct {
	PositionID string      `json:"position_id"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Confidence float64     `json:"confidence"`
	PnLUSD     float64     `json:"pnl_usd"`
	PnLPct     float64     `json:"pnl_pct"`
	Won        bool        `json:"won"`
	Reason     CloseReason `json:"reason"`
	Origin     Origin      `json:"origin"`
	ClosedAt   time.Time   `json:"closed_at"`
}

// BotStatus is a summary of the bot's current operational state.
type BotStatus struct {
	Mode          string `json:"mode"`
	FeedConnected bool   `json:"feed_connected"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	OpenPositions int    `json:"open_positions"`
}
