package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/types"
)

// TargetLine is one ranked target in the night summary
type TargetLine struct {
	Ticker   string
	Weight   float64
	Notional decimal.Decimal // Weight × equity
	Staged   bool            // False when already held
}

// NightSummary is the night plan
type NightSummary struct {
	Date     time.Time
	DryRun   bool
	Scores   []types.RegimeScore
	Selected []types.RegimeID
	Leverage float64
	Equity   decimal.Decimal
	Targets  []TargetLine
	Filtered []string
	Dropped  []string
	Missing  []string
	Staged   int
}

// ActionLine is one executed morning action
type ActionLine struct {
	Kind    string
	Ticker  string
	Reason  string
	Side    string
	Qty     decimal.Decimal
	Price   decimal.Decimal
	Outcome string
}

// MorningSummary is the morning execution report
type MorningSummary struct {
	Date          time.Time
	DryRun        bool
	NoOp          bool // Nothing staged
	Confirmed     int
	Rejected      int
	RejectionRate float64
	Actions       []ActionLine
	Added         []string
	Removed       []string
	Adjusted      []string
	Unprotected   []string
	Orders        int
	Aborted       bool
}

const rule = "━━━━━━━━━━━━━━━━━━━━"

// FormatNight renders the night plan
func FormatNight(s NightSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🌙 *NIGHT PLAN* %s%s\n%s\n\n", s.Date.Format("2006-01-02"), dryTag(s.DryRun), rule)

	selected := make(map[types.RegimeID]bool, len(s.Selected))
	for _, r := range s.Selected {
		selected[r] = true
	}
	for _, sc := range s.Scores {
		mark := "▫️"
		if selected[sc.Regime] {
			mark = "✅"
		}
		fmt.Fprintf(&b, "%s %s: %+.2f%%\n", mark, sc.Regime, sc.Momentum)
	}
	fmt.Fprintf(&b, "\n⚖️ Leverage: *%.2fx*\n", s.Leverage)
	if s.Equity.IsPositive() {
		fmt.Fprintf(&b, "💰 Equity: *$%s*\n", s.Equity.StringFixed(2))
	}

	if len(s.Targets) > 0 {
		fmt.Fprintf(&b, "\n🎯 *TARGETS*\n")
		for i, t := range s.Targets {
			held := ""
			if !t.Staged {
				held = " (held)"
			}
			fmt.Fprintf(&b, "%d. *%s* %.1f%%", i+1, t.Ticker, t.Weight*100)
			if t.Notional.IsPositive() {
				fmt.Fprintf(&b, " ≈ $%s", t.Notional.StringFixed(0))
			}
			b.WriteString(held + "\n")
		}
	}

	writeList(&b, "📉 Below EMA", s.Filtered)
	writeList(&b, "✂️ Cut", s.Dropped)
	writeList(&b, "❔ No data", s.Missing)

	fmt.Fprintf(&b, "\n%s\n🌅 Staged for morning: *%d*", rule, s.Staged)
	return b.String()
}

// FormatMorning renders the morning report
func FormatMorning(s MorningSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🌅 *MORNING* %s%s\n%s\n\n", s.Date.Format("2006-01-02"), dryTag(s.DryRun), rule)

	if s.NoOp {
		b.WriteString("📭 Nothing staged, no action taken")
		return b.String()
	}

	fmt.Fprintf(&b, "✅ Confirmed: *%d*\n❌ Rejected: *%d* (%.0f%%)\n", s.Confirmed, s.Rejected, s.RejectionRate*100)

	if len(s.Actions) > 0 {
		b.WriteString("\n📋 *ACTIONS*\n")
		for _, a := range s.Actions {
			fmt.Fprintf(&b, "%s %s *%s* %s %s", actionEmoji(a.Kind, a.Outcome), a.Kind, a.Ticker, a.Side, a.Qty.String())
			if a.Price.IsPositive() {
				fmt.Fprintf(&b, " @ $%s", a.Price.StringFixed(2))
			}
			if a.Reason != "" {
				fmt.Fprintf(&b, " _%s_", a.Reason)
			}
			b.WriteString("\n")
		}
	}

	writeList(&b, "➕ Added", s.Added)
	writeList(&b, "➖ Removed", s.Removed)
	writeList(&b, "🔧 Adjusted", s.Adjusted)
	writeList(&b, "🚨 UNPROTECTED", s.Unprotected)

	fmt.Fprintf(&b, "\n%s\n📦 Orders: *%d*", rule, s.Orders)
	if s.Aborted {
		b.WriteString("\n🛑 *Cycle aborted* (broker connectivity)")
	}
	return b.String()
}

// FormatPositions renders tracked positions
func FormatPositions(positions []types.Position, now time.Time) string {
	if len(positions) == 0 {
		return "📭 No open positions"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "💼 *OPEN POSITIONS* (%d)\n%s\n\n", len(positions), rule)
	for _, p := range positions {
		shield := "🛡️"
		if p.Unprotected {
			shield = "🚨"
		}
		days := int(now.Sub(p.EntryDate).Hours() / 24)
		fmt.Fprintf(&b, "%s *%s* × %s\n💵 Entry: $%s | 🛑 Stop: $%s | %dd\n\n",
			shield, p.Ticker, p.Quantity.String(),
			p.EntryPrice.StringFixed(2), p.StopPrice.StringFixed(2), days)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s: %s", label, strings.Join(items, ", "))
}

func dryTag(dry bool) string {
	if dry {
		return " 🧪 DRY RUN"
	}
	return ""
}

func actionEmoji(kind, outcome string) string {
	switch outcome {
	case "REJECTED", "FAILED":
		return "⚠️"
	case "SKIPPED":
		return "⏭️"
	}
	switch kind {
	case "ENTER":
		return "✅"
	case "CLOSE", "CLEANUP":
		return "📤"
	case "ADJUST":
		return "🔧"
	case "PROTECT":
		return "🛡️"
	}
	return "📌"
}
