package domain

import "time"

// SLSource identifies who asked for a stop-loss change.
type SLSource string

const (
	SLSourceManual           SLSource = "MANUAL"
	SLSourceTrailingActive   SLSource = "TRAILING_ACTIVE"
	SLSourceProtection       SLSource = "PROTECTION"
	SLSourceInitialSet       SLSource = "INITIAL_SET"
	SLSourceOrchestratorSync SLSource = "ORCHESTRATOR_SYNC"
)

var slPriorities = map[SLSource]int{
	SLSourceManual:           15,
	SLSourceTrailingActive:   10,
	SLSourceProtection:       7,
	SLSourceInitialSet:       5,
	SLSourceOrchestratorSync: 3,
}

// Priority returns the arbitration weight of s. Unknown sources rank 0.
func (s SLSource) Priority() int { return slPriorities[s] }

// StopLossState is the coordinator's record of the stop attached to one
// position.
type StopLossState struct {
	PositionID        string    `json:"position_id"`
	Symbol            string    `json:"symbol"`
	Side              Side      `json:"side"`
	CurrentSL         float64   `json:"current_sl"`
	Source            SLSource  `json:"source"`
	UpdateCount       int       `json:"update_count"`
	ExchangeConfirmed bool      `json:"bybit_confirmed"`
	LastUpdate        time.Time `json:"last_update"`
}

// InitialStopLossPrice is the single stop-loss calculator shared by the ledger
// fallback and the stop-loss coordinator: pct percent of price away from
// entry, below for longs and above for shorts.
func InitialStopLossPrice(side Side, entry, pct float64) float64 {
	return entry * (1 - side.Sign()*pct/100)
}

// MoreProtective reports whether stop a locks in more than stop b for side:
// higher for longs, lower for shorts.
func MoreProtective(side Side, a, b float64) bool {
	if side == SideShort {
		return a < b
	}
	return a > b
}

// TrailingTriggerPrice is the price at which a position has moved pct percent
// in its favour.
func TrailingTriggerPrice(side Side, entry, pct float64) float64 {
	return entry * (1 + side.Sign()*pct/100)
}
