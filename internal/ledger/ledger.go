// Package ledger is the authoritative in-process store of open and recently
// closed positions together with the session balance. Every read hands out a
// deep copy; every structural change is persisted through a Store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/google/uuid"
)

// Store persists the ledger document.
type Store interface {
	Load() (Document, error)
	Save(doc Document) error
}

// Document is the on-disk layout of the ledger.
type Document struct {
	OpenPositions       map[string]domain.Position `json:"open_positions"`
	ClosedPositions     []domain.Position          `json:"closed_positions"`
	SessionBalance      float64                    `json:"session_balance"`
	SessionStartBalance float64                    `json:"session_start_balance"`
	LastSave            time.Time                  `json:"last_save"`
}

// Options configures a Ledger.
type Options struct {
	StartBalance float64
	// MaxClosed bounds the in-memory closed history. Defaults to 100.
	MaxClosed int
	// InitialSLPct and TrailingTriggerPct drive the fallback stop and trigger
	// prices computed on create.
	InitialSLPct       float64
	TrailingTriggerPct float64

	Store    Store
	Archive  domain.PositionArchive
	Outcomes domain.OutcomeRecorder
	Now      func() time.Time
}

// NewPosition describes a position to register.
type NewPosition struct {
	Symbol     string
	Side       domain.Side
	EntryPrice float64
	// Size is the notional in USD.
	Size       float64
	Contracts  float64
	Leverage   int
	Confidence float64
	// StopLoss, when set, is the exchange-confirmed stop and replaces the
	// computed fallback.
	StopLoss   *float64
	TakeProfit *float64
	EntryTime  time.Time
}

// Ledger is safe for concurrent use. Go has no reentrant mutex, so public
// methods take mu exactly once and delegate to unexported *Locked helpers.
type Ledger struct {
	mu       sync.RWMutex
	open     map[string]*domain.Position
	bySymbol map[string]string
	closed   []domain.Position
	balance  float64
	start    float64
	lastSave time.Time
	dirty    bool

	opts   Options
	logger *slog.Logger
}

// New creates an empty ledger. Call Load to restore persisted state.
func New(opts Options, logger *slog.Logger) *Ledger {
	if opts.MaxClosed <= 0 {
		opts.MaxClosed = 100
	}
	if opts.InitialSLPct <= 0 {
		opts.InitialSLPct = 6
	}
	if opts.TrailingTriggerPct <= 0 {
		opts.TrailingTriggerPct = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{
		open:     make(map[string]*domain.Position),
		bySymbol: make(map[string]string),
		balance:  opts.StartBalance,
		start:    opts.StartBalance,
		opts:     opts,
		logger:   logger.With(slog.String("component", "ledger")),
	}
}

// Load restores the persisted document. A missing document starts a fresh
// session; a corrupt one has already been quarantined by the store and also
// starts fresh.
func (l *Ledger) Load() error {
	if l.opts.Store == nil {
		return nil
	}
	doc, err := l.opts.Store.Load()
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		l.logger.Info("no ledger document, starting fresh session",
			slog.Float64("start_balance", l.opts.StartBalance))
		return nil
	case errors.Is(err, domain.ErrLedgerCorrupt):
		l.logger.Warn("ledger document corrupt, starting empty", slog.String("error", err.Error()))
		return nil
	default:
		return fmt.Errorf("ledger: load: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.open = make(map[string]*domain.Position, len(doc.OpenPositions))
	l.bySymbol = make(map[string]string, len(doc.OpenPositions))
	ids := make([]string, 0, len(doc.OpenPositions))
	for id := range doc.OpenPositions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := doc.OpenPositions[id].Clone()
		if p.ID == "" {
			p.ID = id
		}
		if !p.Status.IsOpen() {
			continue
		}
		if other, dup := l.bySymbol[p.Symbol]; dup {
			l.logger.Warn("duplicate open position for symbol in document, keeping first",
				slog.String("symbol", p.Symbol),
				slog.String("kept", other),
				slog.String("dropped", p.ID),
			)
			continue
		}
		l.open[p.ID] = &p
		l.bySymbol[p.Symbol] = p.ID
	}
	l.closed = make([]domain.Position, 0, len(doc.ClosedPositions))
	for _, p := range doc.ClosedPositions {
		l.closed = append(l.closed, p.Clone())
	}
	l.trimClosedLocked()

	if doc.SessionStartBalance > 0 {
		l.start = doc.SessionStartBalance
		l.balance = doc.SessionBalance
	}
	l.lastSave = doc.LastSave

	l.logger.Info("ledger restored",
		slog.Int("open", len(l.open)),
		slog.Int("closed", len(l.closed)),
		slog.Float64("balance", l.balance),
	)
	return nil
}

// CreatePosition registers a new OPEN position and returns its id, or "" when
// the input is invalid, the symbol already has an open position, or an
// internal error occurs.
func (l *Ledger) CreatePosition(np NewPosition) (id string) {
	defer l.recoverOp("CreatePosition")

	if err := validateNew(np); err != nil {
		l.logger.Error("create position rejected", slog.String("symbol", np.Symbol), slog.String("error", err.Error()))
		return ""
	}

	now := l.opts.Now()
	entryTime := np.EntryTime
	if entryTime.IsZero() {
		entryTime = now
	}
	sl := domain.InitialStopLossPrice(np.Side, np.EntryPrice, l.opts.InitialSLPct)
	if np.StopLoss != nil && *np.StopLoss > 0 {
		sl = *np.StopLoss
	}

	pos := domain.Position{
		ID:                   newPositionID(np.Symbol, now),
		Symbol:               np.Symbol,
		Side:                 np.Side,
		EntryPrice:           np.EntryPrice,
		Size:                 np.Size,
		Contracts:            np.Contracts,
		Leverage:             np.Leverage,
		CurrentPrice:         np.EntryPrice,
		Confidence:           np.Confidence,
		StopLoss:             domain.Float(sl),
		TakeProfit:           cloneFloat(np.TakeProfit),
		TrailingTriggerPrice: domain.TrailingTriggerPrice(np.Side, np.EntryPrice, l.opts.TrailingTriggerPct),
		Status:               domain.PositionStatusOpen,
		EntryTime:            entryTime,
		Origin:               domain.OriginSession,
	}
	if np.StopLoss != nil {
		pos.RealStopLoss = domain.Float(sl)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.bySymbol[pos.Symbol]; ok {
		l.logger.Error("create position rejected: symbol already open",
			slog.String("symbol", pos.Symbol), slog.String("existing", existing))
		return ""
	}
	l.insertLocked(&pos)
	l.logger.Info("position created",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("entry", pos.EntryPrice),
		slog.Float64("size_usd", pos.Size),
		slog.Float64("stop_loss", sl),
	)
	return pos.ID
}

// ImportPosition adopts a position found on the exchange but not in the
// ledger. The position is stored with origin SYNCED; the returned id is ""
// when the symbol is already tracked or the record is invalid.
func (l *Ledger) ImportPosition(p domain.Position) (id string) {
	defer l.recoverOp("ImportPosition")

	if p.Symbol == "" || !p.Side.Valid() || p.EntryPrice <= 0 {
		l.logger.Error("import rejected: invalid record", slog.String("symbol", p.Symbol))
		return ""
	}
	now := l.opts.Now()
	pos := p.Clone()
	if pos.ID == "" {
		pos.ID = newPositionID(pos.Symbol, now)
	}
	if pos.Leverage < 1 {
		pos.Leverage = 1
	}
	if pos.EntryTime.IsZero() {
		pos.EntryTime = now
	}
	if pos.CurrentPrice <= 0 {
		pos.CurrentPrice = pos.EntryPrice
	}
	if pos.TrailingTriggerPrice == 0 {
		pos.TrailingTriggerPrice = domain.TrailingTriggerPrice(pos.Side, pos.EntryPrice, l.opts.TrailingTriggerPct)
	}
	pos.Status = domain.PositionStatusOpen
	pos.Origin = domain.OriginSynced
	pos.UnrealizedPnLPct, pos.UnrealizedPnLUSD = pos.PnLAt(pos.CurrentPrice)
	pos.MaxFavorablePnL = math.Max(0, pos.UnrealizedPnLPct)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.bySymbol[pos.Symbol]; ok {
		return ""
	}
	if _, ok := l.open[pos.ID]; ok {
		return ""
	}
	l.insertLocked(&pos)
	l.logger.Info("position imported",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("entry", pos.EntryPrice),
	)
	return pos.ID
}

// AtomicUpdatePosition applies patch to an OPEN position and persists it.
func (l *Ledger) AtomicUpdatePosition(id string, patch domain.PositionPatch) (ok bool) {
	defer l.recoverOp("AtomicUpdatePosition")

	l.mu.Lock()
	defer l.mu.Unlock()
	pos, found := l.open[id]
	if !found {
		return false
	}
	applyPatch(pos, patch)
	l.persistLocked()
	return true
}

// AtomicUpdatePriceAndPnL refreshes price-derived fields of an OPEN position.
// It does not persist; callers batch with Flush.
func (l *Ledger) AtomicUpdatePriceAndPnL(id string, price float64) (ok bool) {
	defer l.recoverOp("AtomicUpdatePriceAndPnL")

	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, found := l.open[id]
	if !found {
		return false
	}
	pos.CurrentPrice = price
	pos.UnrealizedPnLPct, pos.UnrealizedPnLUSD = pos.PnLAt(price)
	if pos.UnrealizedPnLPct > pos.MaxFavorablePnL {
		pos.MaxFavorablePnL = pos.UnrealizedPnLPct
	}
	l.dirty = true
	return true
}

// ClosePosition closes an OPEN position at exitPrice, computing realised PnL
// from entry, side, size and leverage.
func (l *Ledger) ClosePosition(id string, exitPrice float64, reason domain.CloseReason) bool {
	closed, ok := l.close(id, exitPrice, reason, nil)
	if ok {
		l.afterClose(closed)
	}
	return ok
}

// ClosePositionWithPnL closes an OPEN position using a realised PnL supplied
// by the caller, typically the exchange's fee-inclusive figure.
func (l *Ledger) ClosePositionWithPnL(id string, exitPrice float64, reason domain.CloseReason, pnlUSD float64) bool {
	closed, ok := l.close(id, exitPrice, reason, &pnlUSD)
	if ok {
		l.afterClose(closed)
	}
	return ok
}

func (l *Ledger) close(id string, exitPrice float64, reason domain.CloseReason, pnl *float64) (closed domain.Position, ok bool) {
	defer l.recoverOp("ClosePosition")

	if exitPrice <= 0 || math.IsNaN(exitPrice) {
		return domain.Position{}, false
	}
	if reason == "" {
		reason = domain.CloseReasonUnknown
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	pos, found := l.open[id]
	if !found {
		return domain.Position{}, false
	}

	roe, usd := pos.PnLAt(exitPrice)
	if pnl != nil {
		usd = *pnl
		if m := pos.Margin(); m > 0 {
			roe = usd / m * 100
		}
	}
	now := l.opts.Now()
	pos.Status = domain.ClosedStatus(reason)
	pos.CloseTime = &now
	pos.ExitPrice = domain.Float(exitPrice)
	pos.RealizedPnLUSD = domain.Float(usd)
	pos.CurrentPrice = exitPrice
	pos.UnrealizedPnLPct = roe
	pos.UnrealizedPnLUSD = 0

	delete(l.open, id)
	delete(l.bySymbol, pos.Symbol)
	l.balance += usd
	l.closed = append(l.closed, *pos)
	l.trimClosedLocked()
	l.persistLocked()

	l.logger.Info("position closed",
		slog.String("position_id", id),
		slog.String("symbol", pos.Symbol),
		slog.String("reason", string(reason)),
		slog.Float64("exit", exitPrice),
		slog.Float64("pnl_usd", usd),
		slog.Float64("balance", l.balance),
	)
	return pos.Clone(), true
}

// afterClose runs best-effort collaborators outside the lock.
func (l *Ledger) afterClose(pos domain.Position) {
	if l.opts.Archive == nil && l.opts.Outcomes == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if l.opts.Archive != nil {
		if err := l.opts.Archive.Archive(ctx, pos); err != nil {
			l.logger.Warn("archive closed position failed",
				slog.String("position_id", pos.ID), slog.String("error", err.Error()))
		}
	}
	if l.opts.Outcomes != nil {
		var pnl float64
		if pos.RealizedPnLUSD != nil {
			pnl = *pos.RealizedPnLUSD
		}
		var closedAt time.Time
		if pos.CloseTime != nil {
			closedAt = *pos.CloseTime
		}
		outcome := domain.TradeOutcome{
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			Confidence: pos.Confidence,
			PnLUSD:     pnl,
			PnLPct:     pos.UnrealizedPnLPct,
			Won:        pnl > 0,
			Reason:     pos.Status.Reason(),
			Origin:     pos.Origin,
			ClosedAt:   closedAt,
		}
		if err := l.opts.Outcomes.RecordOutcome(ctx, outcome); err != nil {
			l.logger.Warn("record trade outcome failed",
				slog.String("position_id", pos.ID), slog.String("error", err.Error()))
		}
	}
}

// SafeGetPosition returns a copy of the OPEN position with id.
func (l *Ledger) SafeGetPosition(id string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.open[id]
	if !ok {
		return domain.Position{}, false
	}
	return pos.Clone(), true
}

// SafeGetPositionBySymbol returns a copy of the OPEN position on symbol.
func (l *Ledger) SafeGetPositionBySymbol(symbol string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.bySymbol[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return l.open[id].Clone(), true
}

// SafeGetAllActivePositions returns copies of every OPEN position ordered by
// entry time.
func (l *Ledger) SafeGetAllActivePositions() []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Position, 0, len(l.open))
	for _, p := range l.open {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

// SafeGetClosedPositions returns copies of the retained closed positions,
// newest first.
func (l *Ledger) SafeGetClosedPositions() []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Position, 0, len(l.closed))
	for i := len(l.closed) - 1; i >= 0; i-- {
		out = append(out, l.closed[i].Clone())
	}
	return out
}

// SafeHasPositionForSymbol reports whether symbol has an OPEN position.
func (l *Ledger) SafeHasPositionForSymbol(symbol string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.bySymbol[symbol]
	return ok
}

// SafeGetPositionCount returns the number of OPEN positions.
func (l *Ledger) SafeGetPositionCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.open)
}

// GetAvailableBalance is the session balance minus the margin committed to
// OPEN positions, floored at zero.
func (l *Ledger) GetAvailableBalance() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.availableLocked()
}

func (l *Ledger) availableLocked() float64 {
	used := 0.0
	for _, p := range l.open {
		used += p.Margin()
	}
	return math.Max(0, l.balance-used)
}

// SafeGetSessionSummary aggregates the session.
func (l *Ledger) SafeGetSessionSummary() domain.SessionSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := domain.SessionSummary{
		Balance:          l.balance,
		StartBalance:     l.start,
		AvailableBalance: l.availableLocked(),
		OpenCount:        len(l.open),
		ClosedCount:      len(l.closed),
		RealizedPnLUSD:   l.balance - l.start,
		LastSave:         l.lastSave,
	}
	for _, p := range l.open {
		s.UnrealizedPnLUSD += p.UnrealizedPnLUSD
	}
	for _, p := range l.closed {
		if p.RealizedPnLUSD == nil {
			continue
		}
		switch {
		case *p.RealizedPnLUSD > 0:
			s.Wins++
		case *p.RealizedPnLUSD < 0:
			s.Losses++
		}
	}
	if n := s.Wins + s.Losses; n > 0 {
		s.WinRate = float64(s.Wins) / float64(n)
	}
	return s
}

// Snapshot returns a deep copy of the persisted document.
func (l *Ledger) Snapshot() Document {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.documentLocked()
}

// Flush persists pending price updates. It is a no-op when nothing changed.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		return nil
	}
	return l.persistLocked()
}

func (l *Ledger) insertLocked(pos *domain.Position) {
	l.open[pos.ID] = pos
	l.bySymbol[pos.Symbol] = pos.ID
	l.persistLocked()
}

func (l *Ledger) trimClosedLocked() {
	sort.SliceStable(l.closed, func(i, j int) bool {
		return closeTime(l.closed[i]).Before(closeTime(l.closed[j]))
	})
	if extra := len(l.closed) - l.opts.MaxClosed; extra > 0 {
		l.closed = append([]domain.Position(nil), l.closed[extra:]...)
	}
}

func (l *Ledger) documentLocked() Document {
	doc := Document{
		OpenPositions:       make(map[string]domain.Position, len(l.open)),
		ClosedPositions:     make([]domain.Position, 0, len(l.closed)),
		SessionBalance:      l.balance,
		SessionStartBalance: l.start,
		LastSave:            l.lastSave,
	}
	for id, p := range l.open {
		doc.OpenPositions[id] = p.Clone()
	}
	for _, p := range l.closed {
		doc.ClosedPositions = append(doc.ClosedPositions, p.Clone())
	}
	return doc
}

// persistLocked writes the document. A failure is logged and the ledger
// stays dirty so the next mutation retries; memory remains authoritative.
func (l *Ledger) persistLocked() error {
	if l.opts.Store == nil {
		l.dirty = false
		return nil
	}
	now := l.opts.Now()
	doc := l.documentLocked()
	doc.LastSave = now
	if err := l.opts.Store.Save(doc); err != nil {
		l.dirty = true
		l.logger.Error("ledger persist failed", slog.String("error", err.Error()))
		return fmt.Errorf("ledger: persist: %w", err)
	}
	l.lastSave = now
	l.dirty = false
	return nil
}

func (l *Ledger) recoverOp(op string) {
	if r := recover(); r != nil {
		l.logger.Error("ledger operation panicked", slog.String("op", op), slog.Any("panic", r))
	}
}

// applyPatch copies set fields of patch into pos while keeping the trailing
// invariants: Enabled never reverts and the favourable extreme never retreats.
func applyPatch(pos *domain.Position, patch domain.PositionPatch) {
	if patch.CurrentPrice != nil && *patch.CurrentPrice > 0 {
		pos.CurrentPrice = *patch.CurrentPrice
	}
	if patch.UnrealizedPnLPct != nil {
		pos.UnrealizedPnLPct = *patch.UnrealizedPnLPct
		if pos.UnrealizedPnLPct > pos.MaxFavorablePnL {
			pos.MaxFavorablePnL = pos.UnrealizedPnLPct
		}
	}
	if patch.UnrealizedPnLUSD != nil {
		pos.UnrealizedPnLUSD = *patch.UnrealizedPnLUSD
	}
	if patch.StopLoss != nil {
		pos.StopLoss = domain.Float(*patch.StopLoss)
	}
	if patch.TakeProfit != nil {
		pos.TakeProfit = domain.Float(*patch.TakeProfit)
	}
	if patch.RealStopLoss != nil {
		pos.RealStopLoss = domain.Float(*patch.RealStopLoss)
	}
	if patch.TrailingTriggerPrice != nil {
		pos.TrailingTriggerPrice = *patch.TrailingTriggerPrice
	}
	if patch.Confidence != nil {
		pos.Confidence = *patch.Confidence
	}
	if patch.Trailing != nil {
		next := patch.Trailing.Clone()
		if prev := pos.Trailing; prev != nil {
			next.Enabled = next.Enabled || prev.Enabled
			if prev.MaxFavorablePrice > 0 {
				if pos.Side == domain.SideShort {
					if next.MaxFavorablePrice <= 0 || prev.MaxFavorablePrice < next.MaxFavorablePrice {
						next.MaxFavorablePrice = prev.MaxFavorablePrice
					}
				} else if prev.MaxFavorablePrice > next.MaxFavorablePrice {
					next.MaxFavorablePrice = prev.MaxFavorablePrice
				}
			}
			if next.ActivationTime == nil {
				next.ActivationTime = cloneTime(prev.ActivationTime)
			}
			// The applied stop only moves through TrailingStopLoss; a stale
			// snapshot must not loosen it.
			if prev.CurrentStopLoss != nil && (next.CurrentStopLoss == nil ||
				domain.MoreProtective(pos.Side, *prev.CurrentStopLoss, *next.CurrentStopLoss)) {
				next.CurrentStopLoss = domain.Float(*prev.CurrentStopLoss)
			}
			if prev.UpdateCount > next.UpdateCount {
				next.UpdateCount = prev.UpdateCount
			}
		}
		pos.Trailing = next
	}
	if patch.TrailingStopLoss != nil && pos.Trailing != nil {
		ts := pos.Trailing.Clone()
		ts.CurrentStopLoss = domain.Float(*patch.TrailingStopLoss)
		ts.UpdateCount++
		pos.Trailing = ts
	}
}

func validateNew(np NewPosition) error {
	switch {
	case np.Symbol == "":
		return errors.New("symbol is empty")
	case !np.Side.Valid():
		return fmt.Errorf("invalid side %q", np.Side)
	case np.EntryPrice <= 0:
		return fmt.Errorf("entry price %v must be positive", np.EntryPrice)
	case np.Size <= 0:
		return fmt.Errorf("size %v must be positive", np.Size)
	case np.Leverage < 1:
		return fmt.Errorf("leverage %d must be >= 1", np.Leverage)
	}
	return nil
}

func newPositionID(symbol string, now time.Time) string {
	return fmt.Sprintf("%s_%d_%s", symbol, now.UnixNano(), uuid.NewString()[:8])
}

func closeTime(p domain.Position) time.Time {
	if p.CloseTime == nil {
		return time.Time{}
	}
	return *p.CloseTime
}

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
