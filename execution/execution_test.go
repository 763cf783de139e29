package execution

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/broker"
	"github.com/web3guy0/quadbot/ledger"
	"github.com/web3guy0/quadbot/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type recordingAlerter struct {
	tickers []string
}

func (a *recordingAlerter) AlertUnprotected(ticker string, _, _ decimal.Decimal, _ error) {
	a.tickers = append(a.tickers, ticker)
}

type fixture struct {
	paper     *broker.Paper
	positions *ledger.Positions
	alerts    *recordingAlerter
	exec      *Executor
	cfg       Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	positions, err := ledger.OpenPositions(filepath.Join(t.TempDir(), "positions.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.FillTimeout = 50 * time.Millisecond
	cfg.FillPoll = time.Millisecond
	f := &fixture{
		paper:     broker.NewPaper(dec("100000"), 0),
		positions: positions,
		alerts:    &recordingAlerter{},
		cfg:       cfg,
	}
	f.exec = NewExecutor(f.paper, positions, cfg, f.alerts)
	return f
}

func (f *fixture) input(t *testing.T, target types.TargetAllocation, conf ledger.Confirmation, signals map[string]types.AssetSignal) Input {
	t.Helper()
	held, err := f.paper.Positions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return Input{
		Target:       target,
		Confirmation: conf,
		Signals:      signals,
		Equity:       dec("100000"),
		Broker:       held,
		Positions:    f.positions.All(),
	}
}

func target(weights map[string]float64) types.TargetAllocation {
	return types.TargetAllocation{Weights: weights, Regimes: []types.RegimeID{types.Q1}, Leverage: 1.5}
}

func confirmed(entries ...types.PendingEntry) ledger.Confirmation {
	return ledger.Confirmation{Confirmed: entries}
}

func TestThresholdBoundary(t *testing.T) {
	// equity 100000, weight 0.10, price 100 → target 100 shares, band 500 USD
	cases := []struct {
		held   string
		trades bool
	}{
		{"95", false}, // 5 × 100 = 500, exactly at the band
		{"94", true},  // 600 > 500
		{"105", false},
		{"106", true},
	}
	for _, tc := range cases {
		t.Run(tc.held, func(t *testing.T) {
			in := Input{
				Target:  target(map[string]float64{"SPY": 0.10}),
				Signals: map[string]types.AssetSignal{"SPY": {Ticker: "SPY", Price: 100, EMA: 90}},
				Equity:  dec("100000"),
				Broker:  map[string]decimal.Decimal{"SPY": dec(tc.held)},
			}
			plan := DefaultConfig().Plan(in)
			if got := len(plan.Adjusts) == 1; got != tc.trades {
				t.Fatalf("held %s: adjust planned = %v, want %v (%+v)", tc.held, got, tc.trades, plan)
			}
			if tc.trades {
				a := plan.Adjusts[0]
				if !a.Target.Equal(dec("100")) || a.Holding != Untracked {
					t.Errorf("adjust = %+v", a)
				}
			}
		})
	}

	if !WithinThreshold(dec("5"), dec("100"), dec("10000"), 0.05) {
		t.Error("exactly at threshold must not trade")
	}
}

func TestEntriesThenIdempotentRerun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paper.SetPrice("AAA", dec("100"))
	f.paper.SetPrice("BBB", dec("50"))

	alloc := target(map[string]float64{"AAA": 0.3, "BBB": 0.2})
	signals := map[string]types.AssetSignal{
		"AAA": {Ticker: "AAA", Price: 100, EMA: 90, ATR: 4},
		"BBB": {Ticker: "BBB", Price: 50, EMA: 40, ATR: 2.5},
	}
	conf := confirmed(
		types.PendingEntry{Ticker: "AAA", Weight: 0.3, ATR: 4},
		types.PendingEntry{Ticker: "BBB", Weight: 0.2, ATR: 2.5},
	)

	plan := f.cfg.Plan(f.input(t, alloc, conf, signals))
	if len(plan.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(plan.Entries))
	}
	rep, err := f.exec.Execute(ctx, plan)
	if err != nil {
		t.Fatal(err)
	}
	if rep.OrdersPlaced != 4 {
		t.Errorf("orders placed = %d, want 4 (2 market + 2 stop)", rep.OrdersPlaced)
	}

	bbb, ok := f.positions.Get("BBB")
	if !ok {
		t.Fatal("BBB not recorded")
	}
	if !bbb.Quantity.Equal(dec("400")) || !bbb.StopPrice.Equal(dec("45")) || bbb.StopOrderID == "" {
		t.Errorf("BBB position = %+v", bbb)
	}

	// Second run with the same inputs places nothing
	f.paper.ResetHistory()
	plan = f.cfg.Plan(f.input(t, alloc, conf, signals))
	if !plan.Empty() {
		t.Fatalf("rerun plan not empty: %+v", plan.Actions())
	}
	rep, err = f.exec.Execute(ctx, plan)
	if err != nil || rep.OrdersPlaced != 0 || len(f.paper.History()) != 0 {
		t.Errorf("rerun placed %d orders, err %v", rep.OrdersPlaced, err)
	}
}

func TestUntrackedOutsideTargetIsClosed(t *testing.T) {
	f := newFixture(t)
	f.paper.SetPrice("ZZZ", dec("20"))
	f.paper.SetPosition("ZZZ", dec("10"))

	plan := f.cfg.Plan(f.input(t, target(nil), ledger.Confirmation{}, map[string]types.AssetSignal{
		"ZZZ": {Ticker: "ZZZ", Price: 20, EMA: 10},
	}))
	if len(plan.Closes) != 1 || plan.Closes[0].Reason != types.ReasonUntracked {
		t.Fatalf("closes = %+v", plan.Closes)
	}
	if _, err := f.exec.Execute(context.Background(), plan); err != nil {
		t.Fatal(err)
	}
	held, _ := f.paper.Positions(context.Background())
	if !held["ZZZ"].IsZero() {
		t.Errorf("ZZZ still held: %s", held["ZZZ"])
	}
	if f.positions.Has("ZZZ") {
		t.Error("untracked close must not create a ledger entry")
	}
}

func TestIgnoredTickerUntouched(t *testing.T) {
	f := newFixture(t)
	f.paper.SetPosition("PLTR", dec("7"))
	plan := f.cfg.Plan(f.input(t, target(nil), ledger.Confirmation{}, nil))
	if !plan.Empty() || len(plan.Skipped) != 1 || plan.Skipped[0].Reason != SkipIgnored {
		t.Errorf("plan = %+v", plan)
	}
}

func TestPlanOrdering(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	in := Input{
		Target: target(map[string]float64{"ADJ": 0.1, "NEW": 0.1}),
		Confirmation: confirmed(
			types.PendingEntry{Ticker: "NEW", Weight: 0.1, ATR: 1},
		),
		Signals: map[string]types.AssetSignal{
			"ADJ": {Ticker: "ADJ", Price: 100, EMA: 90},
			"NEW": {Ticker: "NEW", Price: 100, EMA: 90},
			"OUT": {Ticker: "OUT", Price: 100, EMA: 90},
		},
		Equity: dec("100000"),
		Broker: map[string]decimal.Decimal{"ADJ": dec("50"), "OUT": dec("10")},
		Positions: []types.Position{
			{Ticker: "GONE", Quantity: dec("5"), EntryPrice: dec("10"), StopPrice: dec("9"), EntryDate: now},
			{Ticker: "ADJ", Quantity: dec("50"), EntryPrice: dec("95"), StopPrice: dec("85"), EntryDate: now},
			{Ticker: "OUT", Quantity: dec("10"), EntryPrice: dec("95"), StopPrice: dec("85"), EntryDate: now},
		},
	}
	plan := DefaultConfig().Plan(in)

	var kinds []ActionKind
	for _, a := range plan.Actions() {
		kinds = append(kinds, a.Kind)
	}
	want := []ActionKind{KindCleanup, KindClose, KindAdjust, KindEnter}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	if plan.Closes[0].Reason != types.ReasonQuadChange {
		t.Errorf("OUT reason = %s, want QUAD_CHANGE", plan.Closes[0].Reason)
	}
}

func TestExitPriorityInPlan(t *testing.T) {
	pos := types.Position{Ticker: "QQQ", Quantity: dec("80"), EntryPrice: dec("50"), StopPrice: dec("45")}
	held := map[string]decimal.Decimal{"QQQ": dec("80")}

	cases := []struct {
		name   string
		alloc  types.TargetAllocation
		sig    map[string]types.AssetSignal
		reason string
	}{
		{"stop beats everything", types.TargetAllocation{Filtered: []string{"QQQ"}},
			map[string]types.AssetSignal{"QQQ": {Price: 44.5, EMA: 48}}, types.ReasonATRStop},
		{"ema cross", target(map[string]float64{"QQQ": 0.1}),
			map[string]types.AssetSignal{"QQQ": {Price: 47, EMA: 47}}, types.ReasonEMACross},
		{"top-n cut", types.TargetAllocation{Dropped: []string{"QQQ"}},
			map[string]types.AssetSignal{"QQQ": {Price: 52, EMA: 48}}, types.ReasonTopNDrop},
		{"missing data holds", types.TargetAllocation{Missing: []string{"QQQ"}}, nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := DefaultConfig().Plan(Input{
				Target: tc.alloc, Signals: tc.sig, Equity: dec("100000"),
				Broker: held, Positions: []types.Position{pos},
			})
			if tc.reason == "" {
				if len(plan.Closes) != 0 {
					t.Errorf("closes = %+v, want hold", plan.Closes)
				}
				return
			}
			if len(plan.Closes) != 1 || plan.Closes[0].Reason != tc.reason {
				t.Errorf("closes = %+v, want %s", plan.Closes, tc.reason)
			}
		})
	}
}

func TestStopRejectionLeavesPositionUnprotected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paper.SetPrice("XLE", dec("80"))
	f.paper.RejectStops(true)

	alloc := target(map[string]float64{"XLE": 0.1})
	signals := map[string]types.AssetSignal{"XLE": {Ticker: "XLE", Price: 80, EMA: 70, ATR: 2}}
	conf := confirmed(types.PendingEntry{Ticker: "XLE", Weight: 0.1, ATR: 2})

	rep, err := f.exec.Execute(ctx, f.cfg.Plan(f.input(t, alloc, conf, signals)))
	if err != nil {
		t.Fatalf("stop rejection must not abort: %v", err)
	}
	if len(rep.Unprotected) != 1 || rep.Unprotected[0] != "XLE" {
		t.Errorf("unprotected = %v", rep.Unprotected)
	}
	if len(f.alerts.tickers) != 1 {
		t.Errorf("alerts = %v", f.alerts.tickers)
	}
	pos, _ := f.positions.Get("XLE")
	if !pos.Unprotected || !pos.StopPrice.Equal(dec("76")) {
		t.Errorf("position = %+v", pos)
	}

	// Next cycle re-protects without trading
	f.paper.RejectStops(false)
	plan := f.cfg.Plan(f.input(t, alloc, ledger.Confirmation{}, signals))
	if len(plan.Adjusts) != 1 || plan.Adjusts[0].Kind != KindProtect {
		t.Fatalf("adjusts = %+v, want one PROTECT", plan.Adjusts)
	}
	if _, err := f.exec.Execute(ctx, plan); err != nil {
		t.Fatal(err)
	}
	pos, _ = f.positions.Get("XLE")
	if pos.Unprotected || pos.StopOrderID == "" {
		t.Errorf("after protect = %+v", pos)
	}
}

func TestConnectivityLossAbortsCycle(t *testing.T) {
	f := newFixture(t)
	f.paper.SetPrice("AAA", dec("100"))
	f.paper.SetPrice("BBB", dec("50"))
	f.paper.FailAfterWrites(1) // AAA market fills, its stop never arrives

	alloc := target(map[string]float64{"AAA": 0.1, "BBB": 0.1})
	signals := map[string]types.AssetSignal{
		"AAA": {Ticker: "AAA", Price: 100, EMA: 90, ATR: 1},
		"BBB": {Ticker: "BBB", Price: 50, EMA: 40, ATR: 1},
	}
	conf := confirmed(
		types.PendingEntry{Ticker: "AAA", Weight: 0.1, ATR: 1},
		types.PendingEntry{Ticker: "BBB", Weight: 0.1, ATR: 1},
	)

	rep, err := f.exec.Execute(context.Background(), f.cfg.Plan(f.input(t, alloc, conf, signals)))
	if !errors.Is(err, ErrCycleAborted) || !broker.IsConnectivity(err) {
		t.Fatalf("err = %v, want aborted connectivity", err)
	}
	if !rep.Aborted {
		t.Error("report not marked aborted")
	}
	aaa, ok := f.positions.Get("AAA")
	if !ok || !aaa.Unprotected {
		t.Errorf("filled AAA must be recorded unprotected, got %+v (%v)", aaa, ok)
	}
	if f.positions.Has("BBB") {
		t.Error("BBB must not start after abort")
	}
}

func TestStopFilledOvernightClosesAsATRStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	f.positions.SetClock(func() time.Time { return entry.AddDate(0, 0, 10) })

	f.paper.SetPrice("QQQ", dec("50"))
	f.paper.SetPosition("QQQ", dec("80"))
	stop, err := f.paper.PlaceOrder(ctx, broker.OrderRequest{Ticker: "QQQ", Quantity: dec("80"), Side: types.Sell, Type: types.Stop, StopPrice: dec("45")})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.positions.Record(types.Position{
		Ticker: "QQQ", Quantity: dec("80"), EntryPrice: dec("50"), StopPrice: dec("45"),
		StopOrderID: stop.ID, EntryDate: entry,
	}, types.ReasonNewSignal); err != nil {
		t.Fatal(err)
	}

	f.paper.SetPrice("QQQ", dec("44.50"))
	f.paper.TriggerStops()

	plan := f.cfg.Plan(f.input(t, target(map[string]float64{"QQQ": 0.1}), ledger.Confirmation{}, map[string]types.AssetSignal{
		"QQQ": {Ticker: "QQQ", Price: 44.5, EMA: 48},
	}))
	if len(plan.Cleanups) != 1 {
		t.Fatalf("cleanups = %+v", plan.Cleanups)
	}
	rep, err := f.exec.Execute(ctx, plan)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Trades) != 1 {
		t.Fatalf("trades = %+v", rep.Trades)
	}
	rec := rep.Trades[0]
	if rec.Reason != types.ReasonATRStop || !rec.PnL.Equal(dec("-440")) || !rec.PnLPct.Equal(dec("-11")) || rec.DaysHeld != 10 {
		t.Errorf("exit record = %+v", rec)
	}
	if f.positions.Has("QQQ") {
		t.Error("QQQ still tracked")
	}
}

func TestStopHitAtSignalClosesWithMarketOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paper.SetPrice("QQQ", dec("44.50"))
	f.paper.SetPosition("QQQ", dec("80"))
	if err := f.positions.Record(types.Position{
		Ticker: "QQQ", Quantity: dec("80"), EntryPrice: dec("50"), StopPrice: dec("45"), EntryDate: time.Now().UTC(),
	}, types.ReasonNewSignal); err != nil {
		t.Fatal(err)
	}

	plan := f.cfg.Plan(f.input(t, target(map[string]float64{"QQQ": 0.1}), ledger.Confirmation{}, map[string]types.AssetSignal{
		"QQQ": {Ticker: "QQQ", Price: 44.5, EMA: 48},
	}))
	rep, err := f.exec.Execute(ctx, plan)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Trades) != 1 || rep.Trades[0].Reason != types.ReasonATRStop || !rep.Trades[0].Price.Equal(dec("44.5")) {
		t.Errorf("trades = %+v", rep.Trades)
	}
	held, _ := f.paper.Positions(ctx)
	if !held["QQQ"].IsZero() {
		t.Errorf("broker still holds %s", held["QQQ"])
	}
}

func TestAdjustKeepsStopPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paper.SetPrice("GLD", dec("100"))
	f.paper.SetPosition("GLD", dec("50"))
	if err := f.positions.Record(types.Position{
		Ticker: "GLD", Quantity: dec("50"), EntryPrice: dec("95"), StopPrice: dec("88"), EntryDate: time.Now().UTC(),
	}, types.ReasonNewSignal); err != nil {
		t.Fatal(err)
	}

	plan := f.cfg.Plan(f.input(t, target(map[string]float64{"GLD": 0.1}), ledger.Confirmation{}, map[string]types.AssetSignal{
		"GLD": {Ticker: "GLD", Price: 100, EMA: 90},
	}))
	if len(plan.Adjusts) != 1 || plan.Adjusts[0].Side != types.Buy || !plan.Adjusts[0].Quantity.Equal(dec("50")) {
		t.Fatalf("adjusts = %+v", plan.Adjusts)
	}
	if _, err := f.exec.Execute(ctx, plan); err != nil {
		t.Fatal(err)
	}
	pos, _ := f.positions.Get("GLD")
	if !pos.Quantity.Equal(dec("100")) || !pos.StopPrice.Equal(dec("88")) || pos.StopOrderID == "" {
		t.Errorf("position = %+v", pos)
	}
	open, _ := f.paper.OpenOrders(ctx)
	stops := broker.StopOrders(open)["GLD"]
	if len(stops) != 1 || !stops[0].Quantity.Equal(dec("100")) || !stops[0].StopPrice.Equal(dec("88")) {
		t.Errorf("stops = %+v", stops)
	}
}
