package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/types"
)

func TestStopPrice(t *testing.T) {
	tests := []struct {
		entry string
		atr   float64
		k     float64
		want  string
	}{
		{"100", 2, 2, "96"},
		{"80", 3, 2, "74"},
		{"10.555", 0.333, 2, "9.89"},
		{"1", 5, 2, "0.01"}, // floored
	}
	for _, tt := range tests {
		got := StopPrice(decimal.RequireFromString(tt.entry), tt.atr, tt.k)
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("StopPrice(%s, %v, %v) = %s, want %s", tt.entry, tt.atr, tt.k, got, tt.want)
		}
	}
}

func TestStopHit(t *testing.T) {
	stop := decimal.NewFromInt(96)
	if !StopHit(decimal.NewFromInt(96), stop) {
		t.Error("price at the stop is a hit")
	}
	if StopHit(decimal.RequireFromString("96.01"), stop) {
		t.Error("price above the stop is not a hit")
	}
	if StopHit(decimal.NewFromInt(1), decimal.Zero) {
		t.Error("no stop, no hit")
	}
}

func TestStatus(t *testing.T) {
	alloc := types.TargetAllocation{
		Weights:  map[string]float64{"QQQ": 0.5},
		Filtered: []string{"XLY"},
		Dropped:  []string{"IWM"},
		Missing:  []string{"ARKK"},
	}
	cases := map[string]TargetStatus{
		"QQQ":  InTarget,
		"XLY":  TrendFiltered,
		"IWM":  TopNDropped,
		"ARKK": SignalMissing,
		"GLD":  RegimeDropped,
	}
	for ticker, want := range cases {
		if got := Status(alloc, ticker); got != want {
			t.Errorf("Status(%s) = %s, want %s", ticker, got, want)
		}
	}
}

func TestEvaluateExitPriority(t *testing.T) {
	pos := types.Position{Ticker: "QQQ", StopPrice: decimal.NewFromInt(96)}

	tests := []struct {
		name   string
		sig    *types.AssetSignal
		status TargetStatus
		exit   bool
		reason string
	}{
		{"hold", &types.AssetSignal{Price: 100, EMA: 90}, InTarget, false, ""},
		{"stop beats everything", &types.AssetSignal{Price: 95, EMA: 99}, RegimeDropped, true, types.ReasonATRStop},
		{"ema break beats regime", &types.AssetSignal{Price: 97, EMA: 98}, RegimeDropped, true, types.ReasonEMACross},
		{"price equal to ema exits", &types.AssetSignal{Price: 98, EMA: 98}, InTarget, true, types.ReasonEMACross},
		{"filtered in target build", &types.AssetSignal{Price: 100, EMA: 90}, TrendFiltered, true, types.ReasonEMACross},
		{"regime dropout", &types.AssetSignal{Price: 100, EMA: 90}, RegimeDropped, true, types.ReasonQuadChange},
		{"concentration dropout", &types.AssetSignal{Price: 100, EMA: 90}, TopNDropped, true, types.ReasonTopNDrop},
		{"missing data holds", nil, SignalMissing, false, ""},
		{"missing data still honors regime", nil, RegimeDropped, true, types.ReasonQuadChange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := EvaluateExit(pos, tt.sig, tt.status)
			if d.Exit != tt.exit || d.Reason != tt.reason {
				t.Errorf("got exit=%v reason=%q, want exit=%v reason=%q", d.Exit, d.Reason, tt.exit, tt.reason)
			}
		})
	}
}
