package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/feeds"
	"github.com/web3guy0/quadbot/types"
)

var day = time.Date(2024, 3, 4, 16, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testAlloc() types.TargetAllocation {
	return types.TargetAllocation{
		Weights: map[string]float64{"XLY": 0.08, "QQQ": 0.5, "XLE": 0.3},
		Signals: map[string]types.AssetSignal{
			"XLY": {Ticker: "XLY", Price: 187, EMA: 186, Volatility: 20, ATR: 3},
			"QQQ": {Ticker: "QQQ", Price: 440, EMA: 420, Volatility: 25, ATR: 6},
			"XLE": {Ticker: "XLE", Price: 90, EMA: 85, Volatility: 30, ATR: 2},
		},
		Regimes:  []types.RegimeID{types.Q1, types.Q2},
		Leverage: 2.5,
		Filtered: []string{"ARKK"},
	}
}

func TestPendingStageSkipsOpenPositions(t *testing.T) {
	dir := t.TempDir()
	p := NewPending(filepath.Join(dir, "pending.json"), nil)

	file, err := p.Stage(testAlloc(), map[string]bool{"QQQ": true}, day)
	if err != nil {
		t.Fatal(err)
	}
	if len(file.Entries) != 2 || file.Entries["QQQ"].Weight != 0 {
		t.Fatalf("entries = %v, want XLE and XLY only", file.Tickers())
	}
	if file.Metadata.Targets["QQQ"] != 0.5 {
		t.Error("metadata must keep the full target including held tickers")
	}

	loaded, err := p.Load()
	if err != nil {
		t.Fatal(err)
	}
	xly := loaded.Entries["XLY"]
	if xly.Ticker != "XLY" || xly.EMAAtSignal != 186 || xly.ATR != 3 || !xly.SignalDate.Equal(day) {
		t.Errorf("reloaded XLY = %+v", xly)
	}
	if loaded.Metadata.TotalLeverage != 2.5 || len(loaded.Metadata.Regimes) != 2 || loaded.Metadata.Regimes[1] != types.Q2 {
		t.Errorf("metadata = %+v", loaded.Metadata)
	}
	if tgt := loaded.Target(); !tgt.Has("QQQ") || tgt.Filtered[0] != "ARKK" {
		t.Errorf("target = %+v", tgt)
	}
}

func TestEvaluateBelowEMARejected(t *testing.T) {
	file := PendingFile{Entries: map[string]types.PendingEntry{
		"XLY": {Ticker: "XLY", Weight: 0.08, EMAAtSignal: 186.00},
	}}
	signals := map[string]types.AssetSignal{
		"XLY": {Ticker: "XLY", Price: 185.20, EMA: 186.00},
	}

	c := Evaluate(file, signals, day)

	if len(c.Confirmed) != 0 || len(c.Rejected) != 1 {
		t.Fatalf("confirmed=%d rejected=%d", len(c.Confirmed), len(c.Rejected))
	}
	r := c.Rejected[0]
	if r.Reason != types.ReasonBelowEMA || r.RejectedPrice != 185.20 || r.RejectedEMA != 186.00 || r.Weight != 0.08 {
		t.Errorf("rejection = %+v", r)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	tests := []struct {
		name   string
		price  float64
		ema    float64
		hasSig bool
		want   string
	}{
		{"above", 100.01, 100, true, ""},
		{"equal", 100, 100, true, types.ReasonBelowEMA},
		{"below", 99, 100, true, types.ReasonBelowEMA},
		{"missing", 0, 0, false, types.ReasonNoData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := PendingFile{Entries: map[string]types.PendingEntry{"AAA": {Ticker: "AAA", Weight: 0.1}}}
			signals := map[string]types.AssetSignal{}
			if tt.hasSig {
				signals["AAA"] = types.AssetSignal{Ticker: "AAA", Price: tt.price, EMA: tt.ema}
			}
			c := Evaluate(file, signals, day)
			if tt.want == "" {
				if len(c.Confirmed) != 1 || !c.IsConfirmed("AAA") {
					t.Errorf("want confirmed, got %+v", c)
				}
				return
			}
			if len(c.Rejected) != 1 || c.Rejected[0].Reason != tt.want {
				t.Errorf("want %s rejection, got %+v", tt.want, c)
			}
		})
	}
}

func TestPendingConfirmConsumeThenNoop(t *testing.T) {
	dir := t.TempDir()
	journal := NewJournal(filepath.Join(dir, "trades.csv"), filepath.Join(dir, "rejections.csv"), nil)
	p := NewPending(filepath.Join(dir, "pending.json"), journal)

	if _, err := p.Stage(testAlloc(), nil, day); err != nil {
		t.Fatal(err)
	}

	feed := feeds.NewStatic().
		Set(types.AssetSignal{Ticker: "XLY", Price: 185.20, EMA: 186}).
		Set(types.AssetSignal{Ticker: "QQQ", Price: 445, EMA: 421})

	c, err := p.Confirm(context.Background(), feed, day.Add(17*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Confirmed) != 1 || c.Confirmed[0].Ticker != "QQQ" || c.Confirmed[0].ATR != 6 {
		t.Errorf("confirmed = %+v, want QQQ with signal-time ATR", c.Confirmed)
	}
	if len(c.Rejected) != 2 {
		t.Errorf("rejected = %+v, want XLE (NO_DATA) and XLY (BELOW_EMA)", c.Rejected)
	}

	if err := p.Consume(c); err != nil {
		t.Fatal(err)
	}
	if p.Has() {
		t.Error("pending file should be removed after consume")
	}
	if _, err := p.Confirm(context.Background(), feed, day); !errors.Is(err, ErrNoPending) {
		t.Errorf("second morning err = %v, want ErrNoPending", err)
	}

	rej, err := journal.Rejections()
	if err != nil {
		t.Fatal(err)
	}
	if len(rej) != 2 || rej[0].Ticker != "XLE" || rej[0].Reason != types.ReasonNoData || rej[1].Reason != types.ReasonBelowEMA {
		t.Errorf("journaled rejections = %+v", rej)
	}
}

func openTestPositions(t *testing.T) (*Positions, *Journal, string) {
	t.Helper()
	dir := t.TempDir()
	journal := NewJournal(filepath.Join(dir, "trades.csv"), filepath.Join(dir, "rejections.csv"), nil)
	path := filepath.Join(dir, "positions.json")
	p, err := OpenPositions(path, journal)
	if err != nil {
		t.Fatal(err)
	}
	p.SetClock(func() time.Time { return day.AddDate(0, 0, 10) })
	return p, journal, path
}

func testPosition() types.Position {
	return types.Position{
		Ticker:       "QQQ",
		Quantity:     dec("100"),
		EntryPrice:   dec("50.00"),
		StopPrice:    dec("45.00"),
		ATRAtEntry:   dec("2.5"),
		EntryOrderID: "E1",
		StopOrderID:  "S1",
		EntryDate:    day,
	}
}

func TestPositionsPersistAndReload(t *testing.T) {
	p, _, path := openTestPositions(t)
	if err := p.Record(testPosition(), types.ReasonNewSignal); err != nil {
		t.Fatal(err)
	}
	if err := p.Record(testPosition(), types.ReasonNewSignal); !errors.Is(err, ErrPositionExists) {
		t.Errorf("duplicate record err = %v", err)
	}

	reloaded, err := OpenPositions(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	pos, ok := reloaded.Get("QQQ")
	if !ok || !pos.StopPrice.Equal(dec("45")) || pos.StopOrderID != "S1" || !pos.EntryDate.Equal(day) {
		t.Errorf("reloaded = %+v", pos)
	}

	entries, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".*.tmp"))
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestPositionsStopPriceImmutable(t *testing.T) {
	p, journal, _ := openTestPositions(t)
	if err := p.Record(testPosition(), types.ReasonNewSignal); err != nil {
		t.Fatal(err)
	}
	if err := p.Adjust("QQQ", dec("140"), "S2", false); err != nil {
		t.Fatal(err)
	}
	if err := p.Adjust("QQQ", dec("80"), "S3", false); err != nil {
		t.Fatal(err)
	}

	pos, _ := p.Get("QQQ")
	if !pos.Quantity.Equal(dec("80")) || pos.StopOrderID != "S3" {
		t.Errorf("adjusted = %+v", pos)
	}

	rec, err := p.Close("QQQ", dec("44.50"), types.ReasonATRStop)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.StopPrice.Equal(dec("45")) {
		t.Errorf("stop at exit = %s, want 45 (same as entry)", rec.StopPrice)
	}
	if !rec.PnL.Equal(dec("-440")) || !rec.PnLPct.Equal(dec("-11")) || rec.DaysHeld != 10 {
		t.Errorf("exit record = %+v", rec)
	}
	if p.Has("QQQ") {
		t.Error("position should be removed")
	}

	trades, err := journal.Trades()
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 2 || trades[0].Action != types.ActionEntry || trades[1].Reason != types.ReasonATRStop {
		t.Errorf("trades = %+v", trades)
	}
}

func TestPositionsAdjustRejectsZeroAndUnknown(t *testing.T) {
	p, _, _ := openTestPositions(t)
	if err := p.Adjust("QQQ", dec("1"), "", false); !errors.Is(err, ErrPositionUnknown) {
		t.Errorf("unknown adjust err = %v", err)
	}
	_ = p.Record(testPosition(), types.ReasonNewSignal)
	if err := p.Adjust("QQQ", decimal.Zero, "", false); err == nil {
		t.Error("zero quantity adjust should fail")
	}
}

func TestCheckStops(t *testing.T) {
	p, _, _ := openTestPositions(t)
	_ = p.Record(testPosition(), types.ReasonNewSignal)

	if hit := p.CheckStops(map[string]decimal.Decimal{"QQQ": dec("45.01")}); len(hit) != 0 {
		t.Errorf("hit above stop: %v", hit)
	}
	if hit := p.CheckStops(map[string]decimal.Decimal{"QQQ": dec("44.50")}); len(hit) != 1 {
		t.Errorf("44.50 should breach the 45.00 stop, got %v", hit)
	}
}

func TestSyncReport(t *testing.T) {
	p, _, _ := openTestPositions(t)
	_ = p.Record(testPosition(), types.ReasonNewSignal)
	gld := testPosition()
	gld.Ticker = "GLD"
	_ = p.Record(gld, types.ReasonNewSignal)

	r := p.Sync(map[string]decimal.Decimal{
		"QQQ":  dec("90"),
		"XLE":  dec("10"),
		"PLTR": dec("5"),
	}, map[string]bool{"PLTR": true})

	if len(r.Stale) != 1 || r.Stale[0] != "GLD" {
		t.Errorf("stale = %v", r.Stale)
	}
	if len(r.Untracked) != 1 || r.Untracked[0] != "XLE" {
		t.Errorf("untracked = %v", r.Untracked)
	}
	if len(r.Drift) != 1 || r.Drift[0] != "QQQ" {
		t.Errorf("drift = %v", r.Drift)
	}
}

func TestShadowNeverWrites(t *testing.T) {
	p, _, path := openTestPositions(t)
	shadow := p.Shadow()
	if err := shadow.Record(testPosition(), types.ReasonNewSignal); err != nil {
		t.Fatal(err)
	}
	if p.Has("QQQ") {
		t.Error("shadow leaked into the real ledger")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("shadow wrote %s", path)
	}
}
