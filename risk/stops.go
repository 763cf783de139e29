package risk

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STOPS & EXITS - Fixed ATR stop and exit priority
// ═══════════════════════════════════════════════════════════════════════════════
//
// Stop = entry - k × ATR(signal time). Set once, never trails.
//
// Exit priority (first match wins):
//   1. ATR_STOP     price <= stop
//   2. EMA_CROSS    price <= EMA (or filtered out of the target by trend)
//   3. QUAD_CHANGE  ticker's regime no longer selected
//   4. TOP10_DROP   cut by the concentration cap
//
// ═══════════════════════════════════════════════════════════════════════════════

// MinStopPrice floors stops on very volatile, low-priced tickers
var MinStopPrice = decimal.NewFromFloat(0.01)

// StopPrice computes entry - k*atr rounded to cents, floored at MinStopPrice
func StopPrice(entry decimal.Decimal, atr, k float64) decimal.Decimal {
	distance := decimal.NewFromFloat(atr).Mul(decimal.NewFromFloat(k))
	stop := entry.Sub(distance).Round(2)
	if stop.LessThan(MinStopPrice) {
		return MinStopPrice
	}
	return stop
}

// StopHit reports whether price has reached the stop
func StopHit(price, stop decimal.Decimal) bool {
	return !stop.IsZero() && price.LessThanOrEqual(stop)
}

// TargetStatus is where a ticker stands relative to the current target
type TargetStatus int

const (
	InTarget       TargetStatus = iota // Has a target weight
	TrendFiltered                      // Member of a selected regime, failed price > EMA
	RegimeDropped                      // Not a member of any selected regime
	TopNDropped                        // Survived the filter, cut by the concentration cap
	SignalMissing                      // Member of a selected regime without data
)

func (s TargetStatus) String() string {
	switch s {
	case InTarget:
		return "IN_TARGET"
	case TrendFiltered:
		return "TREND_FILTERED"
	case RegimeDropped:
		return "REGIME_DROPPED"
	case TopNDropped:
		return "TOPN_DROPPED"
	case SignalMissing:
		return "SIGNAL_MISSING"
	}
	return "UNKNOWN"
}

// Status classifies ticker against alloc
func Status(alloc types.TargetAllocation, ticker string) TargetStatus {
	if alloc.Has(ticker) {
		return InTarget
	}
	switch {
	case contains(alloc.Filtered, ticker):
		return TrendFiltered
	case contains(alloc.Dropped, ticker):
		return TopNDropped
	case contains(alloc.Missing, ticker):
		return SignalMissing
	}
	return RegimeDropped
}

// ExitDecision is the outcome of EvaluateExit
type ExitDecision struct {
	Exit   bool
	Reason string
	Price  decimal.Decimal // Reference price (zero when no fresh signal)
}

// EvaluateExit applies the exit priority to an open position. sig may be nil
// when no fresh data exists; a position is never exited for missing data alone.
func EvaluateExit(pos types.Position, sig *types.AssetSignal, status TargetStatus) ExitDecision {
	price := decimal.Zero
	if sig != nil {
		price = decimal.NewFromFloat(sig.Price)
	}

	// 1. Stop has priority over every other signal
	if sig != nil && StopHit(price, pos.StopPrice) {
		return ExitDecision{Exit: true, Reason: types.ReasonATRStop, Price: price}
	}

	// 2. Trend break
	if (sig != nil && !sig.AboveEMA()) || status == TrendFiltered {
		return ExitDecision{Exit: true, Reason: types.ReasonEMACross, Price: price}
	}

	// 3. Regime dropout
	if status == RegimeDropped {
		return ExitDecision{Exit: true, Reason: types.ReasonQuadChange, Price: price}
	}

	// 4. Concentration dropout
	if status == TopNDropped {
		return ExitDecision{Exit: true, Reason: types.ReasonTopNDrop, Price: price}
	}

	return ExitDecision{Price: price}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
