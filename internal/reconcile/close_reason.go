package reconcile

import (
	"math"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// ReasonConfig tunes InferCloseReason.
type ReasonConfig struct {
	// SLTolerancePct is how close, in percent of the stop price, the exit must
	// be to count as a stop-loss fill.
	SLTolerancePct float64
	// BreakevenUSD is the absolute PnL band treated as breakeven.
	BreakevenUSD float64
}

// InferCloseReason guesses why a position disappeared from the exchange. The
// exchange does not say, so the answer is advisory and only feeds reporting.
func InferCloseReason(pos domain.Position, exitPrice, pnlUSD float64, cfg ReasonConfig) domain.CloseReason {
	trailing := pos.Trailing != nil && pos.Trailing.Enabled

	if sl, ok := pos.EffectiveStopLoss(); ok && near(exitPrice, sl, cfg.SLTolerancePct) {
		if trailing && pnlUSD > 0 {
			return domain.CloseReasonTrailingStop
		}
		return domain.CloseReasonStopLoss
	}
	if pos.TakeProfit != nil && near(exitPrice, *pos.TakeProfit, cfg.SLTolerancePct) {
		return domain.CloseReasonTakeProfit
	}
	if math.Abs(pnlUSD) <= cfg.BreakevenUSD {
		return domain.CloseReasonBreakeven
	}
	switch {
	case pnlUSD > 0 && trailing:
		return domain.CloseReasonTrailingStop
	case pnlUSD > 0:
		return domain.CloseReasonManual
	default:
		return domain.CloseReasonEarlyExitLoss
	}
}

func near(price, target, tolPct float64) bool {
	if price <= 0 || target <= 0 {
		return false
	}
	return math.Abs(price-target)/target*100 <= tolPct
}
