package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// PositionArchive implements domain.PositionArchive. Key columns are stored
// for filtering and the full position document as JSONB for fidelity.
type PositionArchive struct {
	pool *pgxpool.Pool
}

// NewPositionArchive creates a PositionArchive backed by pool.
func NewPositionArchive(pool *pgxpool.Pool) *PositionArchive {
	return &PositionArchive{pool: pool}
}

// Archive upserts a closed position. Re-archiving the same id overwrites it,
// so a retried close is harmless.
func (a *PositionArchive) Archive(ctx context.Context, pos domain.Position) error {
	if pos.Status.IsOpen() {
		return fmt.Errorf("postgres: archive %s: position is %s", pos.ID, pos.Status)
	}
	doc, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("postgres: marshal position %s: %w", pos.ID, err)
	}
	closeTime := time.Now().UTC()
	if pos.CloseTime != nil {
		closeTime = *pos.CloseTime
	}

	const query = `
		INSERT INTO closed_positions (
			id, symbol, side, entry_price, exit_price, size_usd, contracts,
			leverage, realized_pnl_usd, status, origin, entry_time, close_time, doc
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			exit_price       = EXCLUDED.exit_price,
			realized_pnl_usd = EXCLUDED.realized_pnl_usd,
			status           = EXCLUDED.status,
			close_time       = EXCLUDED.close_time,
			doc              = EXCLUDED.doc,
			archived_at      = NOW()`

	_, err = a.pool.Exec(ctx, query,
		pos.ID, pos.Symbol, string(pos.Side), pos.EntryPrice, pos.ExitPrice,
		pos.Size, pos.Contracts, pos.Leverage, pos.RealizedPnLUSD,
		string(pos.Status), string(pos.Origin), pos.EntryTime, closeTime, doc,
	)
	if err != nil {
		return fmt.Errorf("postgres: archive position %s: %w", pos.ID, err)
	}
	return nil
}

// GetByID returns an archived position or domain.ErrNotFound.
func (a *PositionArchive) GetByID(ctx context.Context, id string) (domain.Position, error) {
	var doc []byte
	err := a.pool.QueryRow(ctx, `SELECT doc FROM closed_positions WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return decodePosition(doc)
}

// ListHistory returns archived positions newest first.
func (a *PositionArchive) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query, args := listQuery(`SELECT doc FROM closed_positions WHERE 1=1`, "close_time", "symbol", opts)
	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("postgres: scan history: %w", err)
		}
		p, err := decodePosition(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list history rows: %w", err)
	}
	return out, nil
}

func decodePosition(doc []byte) (domain.Position, error) {
	var p domain.Position
	if err := json.Unmarshal(doc, &p); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: decode position: %w", err)
	}
	return p, nil
}

var _ domain.PositionArchive = (*PositionArchive)(nil)
