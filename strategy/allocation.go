package strategy

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/risk"
	"github.com/web3guy0/quadbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ALLOCATION BUILDER - Selection + signals → concentrated target weights
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per selected regime r with multiplier m_r and constituents C_r:
//   w_i = m_r × vol_i / Σ vol_j (j ∈ C_r with data)   if price_i > EMA_i
//   w_i = 0                                           otherwise (no redistribution)
// Weights merge across regimes, the top N survive, and survivors are scaled
// so the pre-truncation aggregate is preserved.
//
// Pure: no I/O, no logging.
//
// ═══════════════════════════════════════════════════════════════════════════════

// AllocationConfig holds the builder's knobs
type AllocationConfig struct {
	MaxPositions int     // Concentration cap (default: 10)
	ATRStopMult  float64 // Stop distance in ATRs (default: 2.0)
}

// DefaultAllocationConfig returns production settings
func DefaultAllocationConfig() AllocationConfig {
	return AllocationConfig{MaxPositions: 10, ATRStopMult: 2.0}
}

// BuildAllocation turns a regime selection and signals into a target
func BuildAllocation(sel Selection, books Books, signals map[string]types.AssetSignal, cfg AllocationConfig) types.TargetAllocation {
	alloc := types.TargetAllocation{
		Weights:  make(map[string]float64),
		Signals:  make(map[string]types.AssetSignal),
		StopRefs: make(map[string]decimal.Decimal),
		Regimes:  append([]types.RegimeID(nil), sel.Selected...),
		Leverage: sel.Leverage,
	}

	filtered := make(map[string]bool)
	missing := make(map[string]bool)

	for _, r := range sel.Selected {
		m := sel.Multipliers[r]
		members := usable(books[r].Assets, signals, missing)

		totalVol := 0.0
		for _, sig := range members {
			totalVol += sig.Volatility
		}
		if totalVol <= 0 {
			continue
		}

		for _, sig := range members {
			if !sig.AboveEMA() {
				filtered[sig.Ticker] = true
				continue
			}
			alloc.Weights[sig.Ticker] += m * sig.Volatility / totalVol
		}
	}

	// A ticker that passed the filter has a weight; drop it from filtered
	for t := range alloc.Weights {
		delete(filtered, t)
	}

	alloc.Dropped = truncate(alloc.Weights, cfg.MaxPositions)

	for t := range alloc.Weights {
		sig := signals[t]
		alloc.Signals[t] = sig
		alloc.StopRefs[t] = risk.StopPrice(decimal.NewFromFloat(sig.Price), sig.ATR, cfg.ATRStopMult)
	}

	alloc.Filtered = sortedKeys(filtered)
	alloc.Missing = sortedKeys(missing)
	return alloc
}

// usable returns the constituents that have a finite, positive volatility.
// Tickers without a signal are recorded in missing.
func usable(assets []string, signals map[string]types.AssetSignal, missing map[string]bool) []types.AssetSignal {
	seen := make(map[string]bool, len(assets))
	out := make([]types.AssetSignal, 0, len(assets))
	for _, t := range assets {
		if seen[t] {
			continue
		}
		seen[t] = true

		sig, ok := signals[t]
		if !ok || sig.Volatility <= 0 || math.IsNaN(sig.Volatility) || math.IsInf(sig.Volatility, 0) || sig.Price <= 0 {
			missing[t] = true
			continue
		}
		if sig.Ticker == "" {
			sig.Ticker = t
		}
		out = append(out, sig)
	}
	return out
}

// truncate keeps the n largest weights (ties by ticker) and rescales them so
// the total is unchanged. Returns the dropped tickers.
func truncate(weights map[string]float64, n int) []string {
	if n <= 0 || len(weights) <= n {
		return nil
	}

	ranked := RankWeights(weights)

	pre := 0.0
	for _, tw := range ranked {
		pre += tw.Weight
	}
	post := 0.0
	for _, tw := range ranked[:n] {
		post += tw.Weight
	}

	var dropped []string
	for _, tw := range ranked[n:] {
		delete(weights, tw.Ticker)
		dropped = append(dropped, tw.Ticker)
	}
	if post > 0 {
		scale := pre / post
		for _, tw := range ranked[:n] {
			weights[tw.Ticker] = tw.Weight * scale
		}
	}

	sort.Strings(dropped)
	return dropped
}

// TickerWeight is one ranked entry
type TickerWeight struct {
	Ticker string
	Weight float64
}

// RankWeights sorts weights descending, ties by ticker
func RankWeights(weights map[string]float64) []TickerWeight {
	ranked := make([]TickerWeight, 0, len(weights))
	for t, w := range weights {
		ranked = append(ranked, TickerWeight{Ticker: t, Weight: w})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Weight != ranked[j].Weight {
			return ranked[i].Weight > ranked[j].Weight
		}
		return ranked[i].Ticker < ranked[j].Ticker
	})
	return ranked
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
