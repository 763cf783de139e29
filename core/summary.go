package core

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/bot"
	"github.com/web3guy0/quadbot/execution"
	"github.com/web3guy0/quadbot/ledger"
	"github.com/web3guy0/quadbot/strategy"
	"github.com/web3guy0/quadbot/types"
)

// NightSummary builds the night notification. Targets are ranked by weight.
func NightSummary(date time.Time, dryRun bool, sel strategy.Selection, alloc types.TargetAllocation,
	open map[string]bool, equity decimal.Decimal, staged int) bot.NightSummary {

	s := bot.NightSummary{
		Date:     date,
		DryRun:   dryRun,
		Scores:   sel.Scores,
		Selected: sel.Selected,
		Leverage: alloc.Leverage,
		Equity:   equity,
		Filtered: alloc.Filtered,
		Dropped:  alloc.Dropped,
		Missing:  alloc.Missing,
		Staged:   staged,
	}
	for _, tw := range strategy.RankWeights(alloc.Weights) {
		line := bot.TargetLine{Ticker: tw.Ticker, Weight: tw.Weight, Staged: !open[tw.Ticker]}
		if equity.IsPositive() {
			line.Notional = equity.Mul(decimal.NewFromFloat(tw.Weight))
		}
		s.Targets = append(s.Targets, line)
	}
	return s
}

// MorningSummary builds the morning notification with the positions diff
func MorningSummary(date time.Time, dryRun bool, conf ledger.Confirmation, report execution.Report,
	before, after []types.Position) bot.MorningSummary {

	s := bot.MorningSummary{
		Date:          date,
		DryRun:        dryRun,
		Confirmed:     len(conf.Confirmed),
		Rejected:      len(conf.Rejected),
		RejectionRate: conf.RejectionRate(),
		Unprotected:   report.Unprotected,
		Orders:        report.OrdersPlaced,
		Aborted:       report.Aborted,
	}
	for _, r := range report.Results {
		line := bot.ActionLine{
			Kind:    string(r.Action.Kind),
			Ticker:  r.Action.Ticker,
			Reason:  r.Reason,
			Side:    string(r.Action.Side),
			Qty:     r.Action.Quantity,
			Price:   r.Price,
			Outcome: string(r.Outcome),
		}
		if r.Quantity.IsPositive() {
			line.Qty = r.Quantity
		}
		s.Actions = append(s.Actions, line)
	}
	s.Added, s.Removed, s.Adjusted = diffPositions(before, after)
	return s
}

// diffPositions compares two ledger snapshots
func diffPositions(before, after []types.Position) (added, removed, adjusted []string) {
	prev := make(map[string]decimal.Decimal, len(before))
	for _, p := range before {
		prev[p.Ticker] = p.Quantity
	}
	next := make(map[string]bool, len(after))
	for _, p := range after {
		next[p.Ticker] = true
		q, ok := prev[p.Ticker]
		switch {
		case !ok:
			added = append(added, p.Ticker)
		case !q.Equal(p.Quantity):
			adjusted = append(adjusted, p.Ticker)
		}
	}
	for t := range prev {
		if !next[t] {
			removed = append(removed, t)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(adjusted)
	return added, removed, adjusted
}

func joinRegimes(rs []types.RegimeID) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}
