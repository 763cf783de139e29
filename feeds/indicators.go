package feeds

import (
	"math"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INDICATORS - Daily-bar trend and volatility math
// ═══════════════════════════════════════════════════════════════════════════════
//
// All functions take a chronological series (oldest first) and return the value
// as of the last bar. ok=false means the series is too short.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TradingDaysPerYear annualizes daily volatility
const TradingDaysPerYear = 252

// EMA is an exponential moving average seeded with the first observation
// (span smoothing, alpha = 2/(span+1), no bias adjustment).
func EMA(closes []float64, span int) (float64, bool) {
	if span <= 0 || len(closes) < span {
		return 0, false
	}

	alpha := 2.0 / float64(span+1)
	ema := closes[0]
	for _, c := range closes[1:] {
		// EMA = (price - prevEMA) * alpha + prevEMA
		ema = (c-ema)*alpha + ema
	}
	return ema, true
}

// SMA of the last period values
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	return average(values[len(values)-period:]), true
}

// ATR is the simple average of the last period true ranges
func ATR(highs, lows, closes []float64, period int) (float64, bool) {
	n := len(closes)
	if period <= 0 || len(highs) != n || len(lows) != n || n < period+1 {
		return 0, false
	}

	trs := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		tr := math.Max(
			highs[i]-lows[i],
			math.Max(
				math.Abs(highs[i]-closes[i-1]),
				math.Abs(lows[i]-closes[i-1]),
			),
		)
		trs = append(trs, tr)
	}

	return SMA(trs, period)
}

// Volatility is the sample standard deviation of the last lookback daily
// returns, annualized and expressed in percent.
func Volatility(closes []float64, lookback int) (float64, bool) {
	if lookback < 2 || len(closes) < lookback+1 {
		return 0, false
	}

	window := closes[len(closes)-lookback-1:]
	returns := make([]float64, 0, lookback)
	for i := 1; i < len(window); i++ {
		if window[i-1] == 0 {
			return 0, false
		}
		returns = append(returns, window[i]/window[i-1]-1)
	}

	avg := average(returns)
	sumSquares := 0.0
	for _, r := range returns {
		sumSquares += (r - avg) * (r - avg)
	}
	std := math.Sqrt(sumSquares / float64(len(returns)-1))

	return std * math.Sqrt(TradingDaysPerYear) * 100, true
}

// Momentum is the percent change over lookback bars
func Momentum(closes []float64, lookback int) (float64, bool) {
	if lookback <= 0 || len(closes) < lookback+1 {
		return 0, false
	}
	past := closes[len(closes)-lookback-1]
	if past == 0 {
		return 0, false
	}
	return (closes[len(closes)-1]/past - 1) * 100, true
}

func average(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}
