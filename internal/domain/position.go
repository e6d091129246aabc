package domain

import (
	"strings"
	"time"
)

// Side is the direction of a perpetual position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// EntryOrderSide is the order side that opens a position on s.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ExitOrderSide is the order side that flattens a position on s.
func (s Side) ExitOrderSide() OrderSide {
	return s.Opposite().EntryOrderSide()
}

// Sign is +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// PositionStatus is "OPEN" or "CLOSED_<reason>".
type PositionStatus string

const PositionStatusOpen PositionStatus = "OPEN"

const closedPrefix = "CLOSED_"

// ClosedStatus builds the terminal status for reason.
func ClosedStatus(reason CloseReason) PositionStatus {
	return PositionStatus(closedPrefix + string(reason))
}

// IsOpen reports whether the status is OPEN.
func (s PositionStatus) IsOpen() bool { return s == PositionStatusOpen }

// Reason extracts the close reason of a closed status.
func (s PositionStatus) Reason() CloseReason {
	return CloseReason(strings.TrimPrefix(string(s), closedPrefix))
}

// CloseReason explains why a position was closed.
type CloseReason string

const (
	CloseReasonStopLoss      CloseReason = "STOP_LOSS_HIT"
	CloseReasonTrailingStop  CloseReason = "TRAILING_STOP_HIT"
	CloseReasonTakeProfit    CloseReason = "TAKE_PROFIT_HIT"
	CloseReasonBreakeven     CloseReason = "BREAKEVEN"
	CloseReasonManual        CloseReason = "MANUAL_CLOSE"
	CloseReasonEarlyExitLoss CloseReason = "EARLY_EXIT_LOSS"
	CloseReasonUnknown       CloseReason = "UNKNOWN"
)

// Origin tells whether the bot opened a position or adopted it from the exchange.
type Origin string

const (
	OriginSession Origin = "SESSION"
	OriginSynced  Origin = "SYNCED"
)

// TrailingState is the per-position trailing-stop state. Enabled never
// reverts to false once set and MaxFavorablePrice only moves in the
// favourable direction.
type TrailingState struct {
	Enabled           bool       `json:"enabled"`
	TriggerPct        float64    `json:"trigger_pct"`
	MaxFavorablePrice float64    `json:"max_favorable_price"`
	CurrentStopLoss   *float64   `json:"current_stop_loss,omitempty"`
	ActivationTime    *time.Time `json:"activation_time,omitempty"`
	LastUpdate        *time.Time `json:"last_update,omitempty"`
	UpdateCount       int        `json:"update_count"`
}

// Clone returns a deep copy.
func (t *TrailingState) Clone() *TrailingState {
	if t == nil {
		return nil
	}
	out := *t
	out.CurrentStopLoss = cloneFloat(t.CurrentStopLoss)
	out.ActivationTime = cloneTime(t.ActivationTime)
	out.LastUpdate = cloneTime(t.LastUpdate)
	return &out
}

// Position is one perpetual-futures position tracked by the ledger.
type Position struct {
	ID     string `json:"position_id"`
	Symbol string `json:"symbol"`
	Side   Side   `json:"side"`

	EntryPrice float64 `json:"entry_price"`
	// Size is the notional value in USD.
	Size float64 `json:"position_size"`
	// Contracts is the base-asset quantity held on the exchange.
	Contracts        float64 `json:"contracts"`
	Leverage         int     `json:"leverage"`
	CurrentPrice     float64 `json:"current_price"`
	UnrealizedPnLPct float64 `json:"unrealized_pnl_pct"`
	UnrealizedPnLUSD float64 `json:"unrealized_pnl_usd"`
	MaxFavorablePnL  float64 `json:"max_favorable_pnl"`
	Confidence       float64 `json:"confidence"`

	StopLoss             *float64       `json:"stop_loss,omitempty"`
	TakeProfit           *float64       `json:"take_profit,omitempty"`
	RealStopLoss         *float64       `json:"real_stop_loss,omitempty"`
	TrailingTriggerPrice float64        `json:"trailing_trigger_price"`
	Trailing             *TrailingState `json:"trailing,omitempty"`

	Status         PositionStatus `json:"status"`
	EntryTime      time.Time      `json:"entry_time"`
	CloseTime      *time.Time     `json:"close_time,omitempty"`
	ExitPrice      *float64       `json:"exit_price,omitempty"`
	RealizedPnLUSD *float64       `json:"realized_pnl_usd,omitempty"`
	Origin         Origin         `json:"origin"`
}

// Clone returns a deep copy so callers can never mutate ledger state.
func (p Position) Clone() Position {
	out := p
	out.StopLoss = cloneFloat(p.StopLoss)
	out.TakeProfit = cloneFloat(p.TakeProfit)
	out.RealStopLoss = cloneFloat(p.RealStopLoss)
	out.Trailing = p.Trailing.Clone()
	out.CloseTime = cloneTime(p.CloseTime)
	out.ExitPrice = cloneFloat(p.ExitPrice)
	out.RealizedPnLUSD = cloneFloat(p.RealizedPnLUSD)
	return out
}

// Margin is the collateral committed to the position.
func (p Position) Margin() float64 {
	if p.Leverage <= 0 {
		return p.Size
	}
	return p.Size / float64(p.Leverage)
}

// PnLAt returns the ROE percent and the USD PnL of the position at price.
func (p Position) PnLAt(price float64) (roePct, usd float64) {
	move := PriceMovePct(p.Side, p.EntryPrice, price)
	lev := p.Leverage
	if lev <= 0 {
		lev = 1
	}
	return move * float64(lev), p.Size * move / 100
}

// EffectiveStopLoss is the trailing stop when one is set, else StopLoss.
func (p Position) EffectiveStopLoss() (float64, bool) {
	if p.Trailing != nil && p.Trailing.CurrentStopLoss != nil {
		return *p.Trailing.CurrentStopLoss, true
	}
	if p.StopLoss != nil {
		return *p.StopLoss, true
	}
	return 0, false
}

// PriceMovePct is the unleveraged favourable move from entry to price, in
// percent. Positive means profit for side.
func PriceMovePct(side Side, entry, price float64) float64 {
	if entry <= 0 {
		return 0
	}
	return side.Sign() * (price - entry) / entry * 100
}

// PositionPatch is a partial update for Ledger.AtomicUpdatePosition. Nil
// fields are left untouched.
type PositionPatch struct {
	CurrentPrice         *float64
	UnrealizedPnLPct     *float64
	UnrealizedPnLUSD     *float64
	StopLoss             *float64
	TakeProfit           *float64
	RealStopLoss         *float64
	TrailingTriggerPrice *float64
	Trailing             *TrailingState
	// TrailingStopLoss records a trailing stop the exchange accepted. It is
	// ignored for positions without trailing state.
	TrailingStopLoss *float64
	Confidence       *float64
}

// Empty reports whether the patch changes nothing.
func (pp PositionPatch) Empty() bool {
	return pp == PositionPatch{}
}

// SessionSummary is the ledger's aggregate view of the trading session.
type SessionSummary struct {
	Balance          float64   `json:"session_balance"`
	StartBalance     float64   `json:"session_start_balance"`
	AvailableBalance float64   `json:"available_balance"`
	OpenCount        int       `json:"open_count"`
	ClosedCount      int       `json:"closed_count"`
	RealizedPnLUSD   float64   `json:"realized_pnl_usd"`
	UnrealizedPnLUSD float64   `json:"unrealized_pnl_usd"`
	Wins             int       `json:"wins"`
	Losses           int       `json:"losses"`
	WinRate          float64   `json:"win_rate"`
	LastSave         time.Time `json:"last_save"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
