package strategy

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/feeds"
	"github.com/web3guy0/quadbot/types"
)

const eps = 1e-9

func sig(ticker string, price, ema, vol, atr float64) types.AssetSignal {
	return types.AssetSignal{Ticker: ticker, Price: price, EMA: ema, Volatility: vol, ATR: atr}
}

func scenarioScores() []types.RegimeScore {
	return []types.RegimeScore{
		{Regime: types.Q1, Momentum: 15.4},
		{Regime: types.Q2, Momentum: 8.2},
		{Regime: types.Q3, Momentum: -2.3},
		{Regime: types.Q4, Momentum: -5.7},
	}
}

func TestSelectRegimesTopTwoWithPrimaryOverweight(t *testing.T) {
	sel := SelectRegimes(scenarioScores(), SelectCount, DefaultMultipliers())

	if len(sel.Selected) != 2 || sel.Selected[0] != types.Q1 || sel.Selected[1] != types.Q2 {
		t.Fatalf("selected = %v, want [Q1 Q2]", sel.Selected)
	}
	if math.Abs(sel.Leverage-2.5) > eps {
		t.Errorf("leverage = %v, want 2.5", sel.Leverage)
	}
	if sel.Multipliers[types.Q1] != 1.5 || sel.Multipliers[types.Q2] != 1.0 {
		t.Errorf("multipliers = %v", sel.Multipliers)
	}
}

func TestSelectRegimesNegativeMomentumStillSelected(t *testing.T) {
	scores := []types.RegimeScore{
		{Regime: types.Q1, Momentum: -8},
		{Regime: types.Q2, Momentum: -1},
		{Regime: types.Q3, Momentum: -3},
		{Regime: types.Q4, Momentum: 2},
	}
	sel := SelectRegimes(scores, SelectCount, DefaultMultipliers())
	if sel.Selected[0] != types.Q4 || sel.Selected[1] != types.Q2 {
		t.Fatalf("selected = %v, want [Q4 Q2]", sel.Selected)
	}
	if math.Abs(sel.Leverage-2.0) > eps {
		t.Errorf("leverage = %v, want 2.0 (no primary selected)", sel.Leverage)
	}
}

func TestSelectRegimesTiesByRegimeID(t *testing.T) {
	scores := []types.RegimeScore{
		{Regime: types.Q4, Momentum: 5},
		{Regime: types.Q3, Momentum: 5},
		{Regime: types.Q2, Momentum: 1},
	}
	sel := SelectRegimes(scores, SelectCount, DefaultMultipliers())
	if sel.Selected[0] != types.Q3 || sel.Selected[1] != types.Q4 {
		t.Fatalf("selected = %v, want [Q3 Q4]", sel.Selected)
	}
}

func TestMultiplierOverrides(t *testing.T) {
	m := DefaultMultipliers()
	m.Overrides = map[types.RegimeID]float64{types.Q2: 1.25}
	sel := SelectRegimes(scenarioScores(), SelectCount, m)
	if math.Abs(sel.Leverage-2.75) > eps {
		t.Errorf("leverage = %v, want 2.75", sel.Leverage)
	}
}

func TestScoreRegimesAveragesIndicatorsAndReportsMissing(t *testing.T) {
	books := Books{
		types.Q1: {Indicators: []string{"QQQ", "IWM"}},
		types.Q2: {Indicators: []string{"XLE"}},
		types.Q3: {Indicators: []string{"GLD"}},
		types.Q4: {Indicators: []string{"TLT"}},
	}
	momenta := map[string]float64{"QQQ": 20, "IWM": 10, "XLE": 4, "TLT": -1}

	scores, missing := ScoreRegimes(momenta, books)
	if len(scores) != 3 {
		t.Fatalf("got %d scores, want 3", len(scores))
	}
	if scores[0].Regime != types.Q1 || scores[0].Momentum != 15 {
		t.Errorf("Q1 score = %+v, want momentum 15", scores[0])
	}
	if len(missing) != 1 || missing[0] != types.Q3 {
		t.Errorf("missing = %v, want [Q3]", missing)
	}
}

func scenarioBooks() Books {
	return Books{
		types.Q1: {Assets: []string{"AAA", "BBB", "CCC"}},
		types.Q2: {Assets: []string{"XLE"}},
		types.Q3: {Assets: []string{"GLD"}},
		types.Q4: {Assets: []string{"TLT"}},
	}
}

func TestBuildAllocationVolatilityWeights(t *testing.T) {
	sel := SelectRegimes(scenarioScores(), SelectCount, DefaultMultipliers())
	signals := map[string]types.AssetSignal{
		"AAA": sig("AAA", 110, 100, 40, 2),
		"BBB": sig("BBB", 110, 100, 30, 2),
		"CCC": sig("CCC", 110, 100, 20, 2),
		"XLE": sig("XLE", 90, 80, 25, 1.5),
	}

	alloc := BuildAllocation(sel, scenarioBooks(), signals, DefaultAllocationConfig())

	want := map[string]float64{
		"AAA": 40.0 / 90 * 1.5,
		"BBB": 30.0 / 90 * 1.5,
		"CCC": 20.0 / 90 * 1.5,
		"XLE": 1.0,
	}
	for tk, w := range want {
		if math.Abs(alloc.Weights[tk]-w) > eps {
			t.Errorf("weight[%s] = %v, want %v", tk, alloc.Weights[tk], w)
		}
	}
	if math.Abs(alloc.Weights["AAA"]/1.5-0.444) > 0.001 {
		t.Errorf("AAA share = %v, want ~0.444", alloc.Weights["AAA"]/1.5)
	}
	if math.Abs(alloc.TotalWeight()-2.5) > eps {
		t.Errorf("total = %v, want 2.5", alloc.TotalWeight())
	}
}

func TestBuildAllocationTrendFilterDoesNotRedistribute(t *testing.T) {
	sel := SelectRegimes(scenarioScores(), SelectCount, DefaultMultipliers())
	signals := map[string]types.AssetSignal{
		"AAA": sig("AAA", 95, 100, 40, 2), // below EMA
		"BBB": sig("BBB", 110, 100, 30, 2),
		"CCC": sig("CCC", 100, 100, 20, 2), // equal is not above
		"XLE": sig("XLE", 90, 80, 25, 1.5),
	}

	alloc := BuildAllocation(sel, scenarioBooks(), signals, DefaultAllocationConfig())

	if alloc.Has("AAA") || alloc.Has("CCC") {
		t.Fatalf("filtered tickers received weight: %v", alloc.Weights)
	}
	if math.Abs(alloc.Weights["BBB"]-30.0/90*1.5) > eps {
		t.Errorf("BBB = %v, want its own share only", alloc.Weights["BBB"])
	}
	if fmt.Sprint(alloc.Filtered) != "[AAA CCC]" {
		t.Errorf("filtered = %v, want [AAA CCC]", alloc.Filtered)
	}
	if alloc.TotalWeight() >= alloc.Leverage {
		t.Errorf("realized leverage %v should be below %v", alloc.TotalWeight(), alloc.Leverage)
	}
}

func TestBuildAllocationMergesAcrossRegimes(t *testing.T) {
	books := Books{
		types.Q2: {Assets: []string{"XLE", "DBC"}},
		types.Q3: {Assets: []string{"XLE", "GLD"}},
	}
	sel := SelectRegimes([]types.RegimeScore{
		{Regime: types.Q2, Momentum: 5},
		{Regime: types.Q3, Momentum: 4},
	}, SelectCount, DefaultMultipliers())
	signals := map[string]types.AssetSignal{
		"XLE": sig("XLE", 90, 80, 30, 1),
		"DBC": sig("DBC", 20, 18, 10, 1),
		"GLD": sig("GLD", 200, 190, 10, 1),
	}

	alloc := BuildAllocation(sel, books, signals, DefaultAllocationConfig())

	if math.Abs(alloc.Weights["XLE"]-(0.75+0.75)) > eps {
		t.Errorf("XLE = %v, want 1.5", alloc.Weights["XLE"])
	}
	if math.Abs(alloc.TotalWeight()-2.0) > eps {
		t.Errorf("total = %v, want 2.0", alloc.TotalWeight())
	}
}

func TestBuildAllocationTruncationPreservesAggregate(t *testing.T) {
	var q1, q2 []string
	signals := make(map[string]types.AssetSignal)
	for i := 0; i < 8; i++ {
		a := fmt.Sprintf("A%02d", i)
		b := fmt.Sprintf("B%02d", i)
		q1, q2 = append(q1, a), append(q2, b)
		signals[a] = sig(a, 50, 40, float64(10+i), 1)
		signals[b] = sig(b, 50, 40, float64(20+i), 1)
	}
	books := Books{types.Q1: {Assets: q1}, types.Q2: {Assets: q2}}
	sel := SelectRegimes(scenarioScores()[:2], SelectCount, DefaultMultipliers())

	alloc := BuildAllocation(sel, books, signals, DefaultAllocationConfig())

	if len(alloc.Weights) != 10 {
		t.Fatalf("kept %d tickers, want 10", len(alloc.Weights))
	}
	if len(alloc.Dropped) != 6 {
		t.Errorf("dropped %d, want 6: %v", len(alloc.Dropped), alloc.Dropped)
	}
	if math.Abs(alloc.TotalWeight()-2.5) > eps {
		t.Errorf("total after truncation = %v, want 2.5", alloc.TotalWeight())
	}
	for _, d := range alloc.Dropped {
		if alloc.Has(d) {
			t.Errorf("dropped ticker %s still weighted", d)
		}
		if d[0] != 'B' {
			t.Errorf("dropped %s, want only the smallest B weights", d)
		}
	}
	if len(alloc.StopRefs) != 10 || len(alloc.Signals) != 10 {
		t.Errorf("stop refs/signals must cover survivors only")
	}
}

func TestBuildAllocationStopReference(t *testing.T) {
	books := Books{types.Q1: {Assets: []string{"QQQ"}}, types.Q2: {Assets: nil}}
	sel := SelectRegimes(scenarioScores()[:2], SelectCount, DefaultMultipliers())
	signals := map[string]types.AssetSignal{"QQQ": sig("QQQ", 50, 45, 20, 2.5)}

	alloc := BuildAllocation(sel, books, signals, DefaultAllocationConfig())

	if got := alloc.StopRefs["QQQ"]; !got.Equal(decimal.NewFromInt(45)) {
		t.Errorf("stop ref = %s, want 45", got)
	}
}

func TestBuildAllocationMissingSignals(t *testing.T) {
	sel := SelectRegimes(scenarioScores(), SelectCount, DefaultMultipliers())
	signals := map[string]types.AssetSignal{
		"AAA": sig("AAA", 110, 100, 40, 2),
		"XLE": sig("XLE", 90, 80, 25, 1.5),
	}

	alloc := BuildAllocation(sel, scenarioBooks(), signals, DefaultAllocationConfig())

	if fmt.Sprint(alloc.Missing) != "[BBB CCC]" {
		t.Errorf("missing = %v, want [BBB CCC]", alloc.Missing)
	}
	if math.Abs(alloc.Weights["AAA"]-1.5) > eps {
		t.Errorf("AAA = %v, want full Q1 multiplier when it is the only usable member", alloc.Weights["AAA"])
	}
}

func TestRegimeScorerUsesFeed(t *testing.T) {
	feed := feeds.NewStatic().
		SetMomentum("QQQ", 15.4).
		SetMomentum("XLE", 8.2).
		SetMomentum("GLD", -2.3).
		SetMomentum("TLT", -5.7)
	books := Books{
		types.Q1: {Indicators: []string{"QQQ"}},
		types.Q2: {Indicators: []string{"XLE"}},
		types.Q3: {Indicators: []string{"GLD"}},
		types.Q4: {Indicators: []string{"TLT"}},
	}

	sel, err := NewRegimeScorer(books, DefaultMultipliers()).Score(context.Background(), feed, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if sel.Selected[0] != types.Q1 || sel.Selected[1] != types.Q2 || math.Abs(sel.Leverage-2.5) > eps {
		t.Errorf("selection = %+v", sel)
	}

	_, err = NewRegimeScorer(books, DefaultMultipliers()).Score(context.Background(), feeds.NewStatic(), time.Now())
	if err == nil {
		t.Error("expected error when no regime has data")
	}
}
