// Package precision rounds prices and quantities to the instrument filters
// published by the exchange and checks that stop-losses sit on the correct
// side of the market.
package precision

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/shopspring/decimal"
)

// InstrumentSource fetches instrument filters, usually the exchange gateway.
type InstrumentSource interface {
	FetchInstrument(ctx context.Context, symbol string) (domain.SymbolPrecision, error)
}

// Direction selects how a value is rounded onto a grid.
type Direction int

const (
	Nearest Direction = iota
	Down
	Up
)

// Normalizer caches instrument filters per symbol and applies them.
type Normalizer struct {
	src    InstrumentSource
	logger *slog.Logger

	mu    sync.RWMutex
	specs map[string]domain.SymbolPrecision
}

// New creates a Normalizer. src may be nil, in which case only seeded specs
// are known and everything else takes the fallback path.
func New(src InstrumentSource, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		src:    src,
		logger: logger.With(slog.String("component", "precision")),
		specs:  make(map[string]domain.SymbolPrecision),
	}
}

// Seed installs a known spec without asking the exchange.
func (n *Normalizer) Seed(spec domain.SymbolPrecision) {
	n.mu.Lock()
	n.specs[spec.Symbol] = spec
	n.mu.Unlock()
}

// SymbolPrecision returns the cached filters for symbol, fetching them once.
func (n *Normalizer) SymbolPrecision(ctx context.Context, symbol string) (domain.SymbolPrecision, error) {
	n.mu.RLock()
	spec, ok := n.specs[symbol]
	n.mu.RUnlock()
	if ok {
		return spec, nil
	}
	if n.src == nil {
		return domain.SymbolPrecision{}, fmt.Errorf("precision: %s: %w", symbol, domain.ErrUnknownSymbol)
	}
	spec, err := n.src.FetchInstrument(ctx, symbol)
	if err != nil {
		return domain.SymbolPrecision{}, fmt.Errorf("precision: fetch %s: %w", symbol, err)
	}
	n.Seed(spec)
	return spec, nil
}

// TickSize returns the price increment for symbol when known.
func (n *Normalizer) TickSize(ctx context.Context, symbol string) (float64, bool) {
	spec, err := n.SymbolPrecision(ctx, symbol)
	if err != nil || spec.TickSize <= 0 {
		return 0, false
	}
	return spec.TickSize, true
}

// NormalizeStopLoss rounds rawSL onto the tick grid, away from refPrice, and
// makes sure the result is strictly on the protective side of refPrice (below
// for longs, above for shorts). A stop that would land on the wrong side is
// clamped one tick inside and reported as a fallback. Unknown tick sizes use
// a magnitude-based tick and are also reported as a fallback.
func (n *Normalizer) NormalizeStopLoss(ctx context.Context, symbol string, side domain.Side, refPrice, rawSL float64) domain.Result[float64] {
	if rawSL <= 0 || refPrice <= 0 || math.IsNaN(rawSL) || math.IsInf(rawSL, 0) {
		return domain.Err[float64](fmt.Sprintf("invalid stop-loss %v for reference %v", rawSL, refPrice))
	}

	tick, ok := n.TickSize(ctx, symbol)
	var reason string
	if !ok {
		tick = FallbackTick(refPrice)
		reason = "tick size unknown, fallback rounding"
	}

	sl, clamped := ClampStopLoss(side, rawSL, refPrice, tick)
	if clamped {
		n.logger.Warn("stop-loss on wrong side of price, clamped",
			slog.String("symbol", symbol),
			slog.String("side", string(side)),
			slog.Float64("raw_sl", rawSL),
			slog.Float64("ref_price", refPrice),
			slog.Float64("clamped_sl", sl),
		)
		if reason != "" {
			reason += "; "
		}
		reason += "clamped to protective side"
	}
	if sl <= 0 {
		return domain.Err[float64](fmt.Sprintf("stop-loss rounds to %v", sl))
	}
	if reason != "" {
		return domain.Fallback(sl, reason)
	}
	return domain.Ok(sl)
}

// NormalizePositionSize floors rawSize to the lot step. An unknown step
// returns the raw size as a fallback; a size that floors to zero is an error.
func (n *Normalizer) NormalizePositionSize(ctx context.Context, symbol string, rawSize float64) domain.Result[float64] {
	if rawSize <= 0 {
		return domain.Err[float64]("size must be positive")
	}
	spec, err := n.SymbolPrecision(ctx, symbol)
	if err != nil || spec.QtyStep <= 0 {
		return domain.Fallback(rawSize, "lot step unknown, using raw size")
	}
	size := RoundToStep(rawSize, spec.QtyStep, Down)
	if size <= 0 {
		return domain.Err[float64](fmt.Sprintf("size %v below lot step %v", rawSize, spec.QtyStep))
	}
	return domain.Ok(size)
}

// ClampStopLoss rounds sl away from refPrice on the tick grid and pulls it
// back inside the protective side when needed. It reports whether a clamp
// happened.
func ClampStopLoss(side domain.Side, sl, refPrice, tick float64) (float64, bool) {
	if side == domain.SideShort {
		out := RoundToStep(sl, tick, Up)
		if out <= refPrice {
			return RoundToStep(refPrice+tick, tick, Up), true
		}
		return out, false
	}
	out := RoundToStep(sl, tick, Down)
	if out >= refPrice {
		return RoundToStep(refPrice-tick, tick, Down), true
	}
	return out, false
}

// RoundToStep rounds v onto multiples of step using exact decimal arithmetic.
// The quotient is first rounded to 8 places so binary noise such as
// 93.99999999999999 does not floor a whole step away.
func RoundToStep(v, step float64, dir Direction) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	s := decimal.NewFromFloat(step)
	q := d.DivRound(s, 8)
	switch dir {
	case Down:
		q = q.Floor()
	case Up:
		q = q.Ceil()
	default:
		q = q.Round(0)
	}
	out, _ := q.Mul(s).Float64()
	return out
}

// FallbackTick derives a conservative tick from the price magnitude, five
// significant digits below the leading one (100 -> 0.001, 50000 -> 0.1).
func FallbackTick(price float64) float64 {
	if price <= 0 {
		return 1e-8
	}
	exp := math.Floor(math.Log10(price)) - 5
	return math.Pow(10, exp)
}

// ExceedsTick reports whether a and b differ by more than one tick.
func ExceedsTick(a, b, tick float64) bool {
	diff := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Abs()
	return diff.GreaterThan(decimal.NewFromFloat(tick))
}
