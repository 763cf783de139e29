package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/types"
)

func openTemp(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "data", "quadbot.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTradeMirrorAndStats(t *testing.T) {
	db := openTemp(t)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	trades := []types.TradeRecord{
		{Date: day, Ticker: "QQQ", Action: types.ActionEntry, Quantity: decimal.NewFromInt(80), Price: decimal.NewFromInt(50), StopPrice: decimal.NewFromInt(45), Reason: types.ReasonNewSignal},
		{Date: day.AddDate(0, 0, 10), Ticker: "QQQ", Action: types.ActionExit, Quantity: decimal.NewFromInt(80), Price: decimal.RequireFromString("44.5"), PnL: decimal.NewFromInt(-440), PnLPct: decimal.NewFromInt(-11), Reason: types.ReasonATRStop, DaysHeld: 10},
		{Date: day.AddDate(0, 0, 11), Ticker: "XLE", Action: types.ActionExit, Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(90), PnL: decimal.RequireFromString("100.25"), Reason: types.ReasonEMACross},
	}
	for _, tr := range trades {
		if err := db.SaveTrade(tr); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := db.GetTradeStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 || stats.Exits != 2 || stats.Wins != 1 || stats.Losses != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if !stats.TotalPnL.Equal(decimal.RequireFromString("-339.75")) {
		t.Errorf("total pnl = %s", stats.TotalPnL)
	}
	if stats.ByReason[types.ReasonATRStop] != 1 || stats.WinRate() != 0.5 {
		t.Errorf("by reason = %v, win rate %v", stats.ByReason, stats.WinRate())
	}

	qqq, err := db.GetTradesByTicker("QQQ")
	if err != nil || len(qqq) != 2 || qqq[0].Action != types.ActionEntry {
		t.Fatalf("QQQ trades = %+v, %v", qqq, err)
	}
	if !qqq[1].PnL.Equal(decimal.NewFromInt(-440)) {
		t.Errorf("exit pnl = %s", qqq[1].PnL)
	}

	recent, _ := db.GetRecentTrades(1)
	if len(recent) != 1 || recent[0].Ticker != "XLE" {
		t.Errorf("recent = %+v", recent)
	}
}

func TestRejectionsAndCycles(t *testing.T) {
	db := openTemp(t)
	day := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

	if err := db.SaveRejections(nil); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveRejections([]types.Rejection{
		{Date: day, Ticker: "XLY", Weight: 0.12, Reason: types.ReasonBelowEMA, RejectedPrice: 98, RejectedEMA: 100},
		{Date: day, Ticker: "IWM", Weight: 0.08, Reason: types.ReasonNoData},
	}); err != nil {
		t.Fatal(err)
	}
	rows, err := db.GetRecentRejections(10)
	if err != nil || len(rows) != 2 {
		t.Fatalf("rejections = %+v, %v", rows, err)
	}

	if last, err := db.GetLastCycle("night"); err != nil || last != nil {
		t.Errorf("empty last cycle = %+v, %v", last, err)
	}
	start := day.Add(22 * time.Hour)
	for i, step := range []string{"night", "morning", "night"} {
		run := &CycleRun{Step: step, Result: "ok", StartedAt: start.Add(time.Duration(i) * time.Hour), FinishedAt: start.Add(time.Duration(i)*time.Hour + time.Minute)}
		if err := db.SaveCycle(run); err != nil {
			t.Fatal(err)
		}
	}
	last, err := db.GetLastCycle("night")
	if err != nil || last == nil || !last.StartedAt.Equal(start.Add(2*time.Hour)) || last.Duration() != time.Minute {
		t.Errorf("last night = %+v, %v", last, err)
	}
	runs, _ := db.GetRecentCycles(2)
	if len(runs) != 2 || runs[0].Step != "night" || runs[1].Step != "morning" {
		t.Errorf("recent = %+v", runs)
	}
}
