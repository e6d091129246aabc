package domain

import (
	"context"
	"time"
)

// EventType names a position lifecycle event.
type EventType string

const (
	EventPositionOpened    EventType = "position_opened"
	EventPositionClosed    EventType = "position_closed"
	EventPositionImported  EventType = "position_imported"
	EventTrailingActivated EventType = "trailing_activated"
	EventRollbackFailed    EventType = "rollback_failed"
	EventEmergencySL       EventType = "emergency_sl"
)

// PositionEvent is fanned out to notifiers and the event bus.
type PositionEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	PositionID string    `json:"position_id,omitempty"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side,omitempty"`
	Price      float64   `json:"price,omitempty"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	PnLUSD     float64   `json:"pnl_usd,omitempty"`
	PnLPct     float64   `json:"pnl_pct,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// EventSink receives lifecycle events. Implementations must not block for
// long and never fail the caller.
type EventSink interface {
	Emit(ctx context.Context, ev PositionEvent)
}

// MultiSink fans an event out to every sink.
type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, ev PositionEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, PositionEvent) {}
