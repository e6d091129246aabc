package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Symbol string
	Since  *time.Time
	Until  *time.Time
}

// PositionArchive keeps every closed position beyond the ledger's bounded
// in-memory history.
type PositionArchive interface {
	Archive(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]Position, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// OutcomeRecorder receives closed-trade outcomes for adaptive sizing.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, outcome TradeOutcome) error
}
