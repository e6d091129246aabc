package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// PositionReader is the read side of the ledger.
type PositionReader interface {
	SafeGetAllActivePositions() []domain.Position
	SafeGetClosedPositions() []domain.Position
	SafeGetPosition(id string) (domain.Position, bool)
}

// PositionHandler serves open, recently closed and archived positions.
type PositionHandler struct {
	ledger  PositionReader
	archive domain.PositionArchive
	logger  *slog.Logger
}

// NewPositionHandler creates a PositionHandler. archive may be nil when
// Postgres is disabled.
func NewPositionHandler(ledger PositionReader, archive domain.PositionArchive, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{ledger: ledger, archive: archive, logger: logger.With(slog.String("handler", "positions"))}
}

type positionsResponse struct {
	Positions []domain.Position `json:"positions"`
	Count     int               `json:"count"`
}

func respondPositions(w http.ResponseWriter, ps []domain.Position) {
	if ps == nil {
		ps = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, positionsResponse{Positions: ps, Count: len(ps)})
}

// ListOpen returns open positions, optionally filtered by symbol.
// GET /api/positions
func (h *PositionHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var out []domain.Position
	for _, p := range h.ledger.SafeGetAllActivePositions() {
		if opts.Symbol == "" || p.Symbol == opts.Symbol {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	respondPositions(w, out)
}

// ListClosed returns the ledger's bounded closed history, newest first.
// GET /api/positions/closed
func (h *PositionHandler) ListClosed(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	closed := h.ledger.SafeGetClosedPositions()
	out := make([]domain.Position, 0, len(closed))
	for i := len(closed) - 1; i >= 0; i-- {
		if opts.Symbol == "" || closed[i].Symbol == opts.Symbol {
			out = append(out, closed[i])
		}
	}
	if opts.Offset >= len(out) {
		out = nil
	} else {
		out = out[opts.Offset:min(opts.Offset+opts.Limit, len(out))]
	}
	respondPositions(w, out)
}

// History pages through the long-term archive.
// GET /api/positions/history
func (h *PositionHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "position archive not configured")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ps, err := h.archive.ListHistory(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list history failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	respondPositions(w, ps)
}

// Get looks a position up in the ledger, then in the archive.
// GET /api/positions/{id}
func (h *PositionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if p, ok := h.ledger.SafeGetPosition(id); ok {
		writeJSON(w, http.StatusOK, p)
		return
	}
	for _, p := range h.ledger.SafeGetClosedPositions() {
		if p.ID == id {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	if h.archive != nil {
		p, err := h.archive.GetByID(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, p)
			return
		}
		if !errors.Is(err, domain.ErrNotFound) {
			h.logger.ErrorContext(r.Context(), "archive lookup failed", slog.String("id", id), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to load position")
			return
		}
	}
	writeError(w, http.StatusNotFound, "position not found")
}
