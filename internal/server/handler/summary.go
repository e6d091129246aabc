package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// SummarySource provides the session summary.
type SummarySource interface {
	SafeGetSessionSummary() domain.SessionSummary
}

// StatsFunc returns a JSON-encodable counter snapshot.
type StatsFunc func() any

// SummaryHandler serves the session summary, component counters and the
// audit log.
type SummaryHandler struct {
	ledger SummarySource
	stats  map[string]StatsFunc
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewSummaryHandler creates a SummaryHandler. audit may be nil.
func NewSummaryHandler(ledger SummarySource, stats map[string]StatsFunc, audit domain.AuditStore, logger *slog.Logger) *SummaryHandler {
	return &SummaryHandler{ledger: ledger, stats: stats, audit: audit, logger: logger.With(slog.String("handler", "summary"))}
}

// Summary returns balance, PnL and win/loss counts.
// GET /api/summary
func (h *SummaryHandler) Summary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ledger.SafeGetSessionSummary())
}

// Stats returns every registered component's counters.
// GET /api/stats
func (h *SummaryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any, len(h.stats))
	for name, fn := range h.stats {
		out[name] = fn()
	}
	writeJSON(w, http.StatusOK, out)
}

// Audit pages through the audit log.
// GET /api/audit
func (h *SummaryHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}
