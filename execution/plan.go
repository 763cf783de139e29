package execution

import (
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/ledger"
	"github.com/web3guy0/quadbot/risk"
	"github.com/web3guy0/quadbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION PLAN - Target vs ledger vs broker → ordered actions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every ticker is classified by holding and target status; each cell of the
// table maps to exactly one outcome:
//
//   Holding    │ In target                     │ Not in target
//   ───────────┼───────────────────────────────┼────────────────────────────
//   Tracked    │ exit if stop/EMA, else ADJUST │ exit by priority (or hold on
//              │ (re-protect if unprotected)   │ missing data)
//   Untracked  │ direct ADJUST                 │ direct CLOSE (UNTRACKED_CLOSE)
//   Stale      │ CLEANUP (ATR_STOP if the stop filled, else EXTERNAL_CLOSE)
//   Flat       │ ENTER if confirmed            │ nothing
//
//   Tracked   = ledger and broker
//   Untracked = broker only
//   Stale     = ledger only
//
// Execution order: cleanups → closes → adjusts → entries.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrCycleAborted wraps the connectivity failure that stopped a cycle
var ErrCycleAborted = errors.New("cycle aborted")

// Holding is where a ticker is held
type Holding int

const (
	Flat Holding = iota
	Tracked
	Untracked
	Stale
)

func (h Holding) String() string {
	switch h {
	case Flat:
		return "FLAT"
	case Tracked:
		return "TRACKED"
	case Untracked:
		return "UNTRACKED"
	case Stale:
		return "STALE"
	}
	return "UNKNOWN"
}

// Classify places a ticker in the holding table
func Classify(tracked bool, brokerQty decimal.Decimal) Holding {
	held := !brokerQty.IsZero()
	switch {
	case tracked && held:
		return Tracked
	case tracked:
		return Stale
	case held:
		return Untracked
	}
	return Flat
}

// ActionKind is what the executor will do
type ActionKind string

const (
	KindCleanup ActionKind = "CLEANUP"
	KindClose   ActionKind = "CLOSE"
	KindAdjust  ActionKind = "ADJUST"
	KindProtect ActionKind = "PROTECT"
	KindEnter   ActionKind = "ENTER"
)

// Action is one planned per-ticker step
type Action struct {
	Kind      ActionKind
	Ticker    string
	Holding   Holding
	Reason    string
	Side      types.Side
	Quantity  decimal.Decimal // Order size (always positive)
	Current   decimal.Decimal // Broker quantity at plan time
	Target    decimal.Decimal // Target quantity (adjust/enter)
	Weight    float64
	RefPrice  decimal.Decimal // Fresh signal price
	ATR       float64         // Signal-time ATR (enter)
	StopPrice decimal.Decimal // Existing stop (adjust/protect)
}

// Skip records a ticker that needed no order
type Skip struct {
	Ticker string
	Reason string
}

// Skip reasons
const (
	SkipIgnored       = "IGNORED"
	SkipThreshold     = "WITHIN_THRESHOLD"
	SkipNoPrice       = "NO_PRICE"
	SkipNoData        = "HOLD_NO_DATA"
	SkipNotConfirmed  = "NOT_CONFIRMED"
	SkipZeroQuantity  = "ZERO_QUANTITY"
	SkipAlreadyClosed = "ALREADY_CLOSED"
	SkipAlreadyDone   = "ALREADY_AT_TARGET"
)

// Plan is the ordered set of actions for one cycle
type Plan struct {
	Cleanups []Action
	Closes   []Action
	Adjusts  []Action
	Entries  []Action
	Skipped  []Skip
}

// Actions returns every action in execution order
func (p Plan) Actions() []Action {
	out := make([]Action, 0, len(p.Cleanups)+len(p.Closes)+len(p.Adjusts)+len(p.Entries))
	out = append(out, p.Cleanups...)
	out = append(out, p.Closes...)
	out = append(out, p.Adjusts...)
	out = append(out, p.Entries...)
	return out
}

// Empty reports whether the plan issues no orders
func (p Plan) Empty() bool {
	return len(p.Cleanups)+len(p.Closes)+len(p.Adjusts)+len(p.Entries) == 0
}

// Input is everything Plan needs; it performs no I/O
type Input struct {
	Target       types.TargetAllocation
	Confirmation ledger.Confirmation
	Signals      map[string]types.AssetSignal // Fresh
	Equity       decimal.Decimal
	Broker       map[string]decimal.Decimal
	Positions    []types.Position
}

// Config for planning and execution
type Config struct {
	RebalanceThreshold float64 // Skip iff |Δ notional| <= threshold × target notional
	ATRStopMult        float64
	QtyPrecision       int32 // Decimal places of tradable quantity
	Ignore             map[string]bool
	FillTimeout        time.Duration // Max wait for a market fill
	FillPoll           time.Duration
}

// DefaultConfig returns production settings
func DefaultConfig() Config {
	return Config{
		RebalanceThreshold: 0.05,
		ATRStopMult:        2.0,
		QtyPrecision:       4,
		Ignore:             map[string]bool{"PLTR": true},
		FillTimeout:        30 * time.Second,
		FillPoll:           time.Second,
	}
}

// TargetQuantity is equity × weight / price, rounded down to precision
func TargetQuantity(equity decimal.Decimal, weight float64, price decimal.Decimal, precision int32) decimal.Decimal {
	if !price.IsPositive() || weight <= 0 {
		return decimal.Zero
	}
	return equity.Mul(decimal.NewFromFloat(weight)).Div(price).Truncate(precision)
}

// WithinThreshold reports whether a delta is too small to trade: the traded
// notional is at most threshold × target notional.
func WithinThreshold(delta, price, targetNotional decimal.Decimal, threshold float64) bool {
	return delta.Abs().Mul(price).LessThanOrEqual(targetNotional.Mul(decimal.NewFromFloat(threshold)))
}

// Plan classifies every ticker and emits the minimal action set
func (c Config) Plan(in Input) Plan {
	var plan Plan

	ledgerPos := make(map[string]types.Position, len(in.Positions))
	for _, p := range in.Positions {
		ledgerPos[p.Ticker] = p
	}

	universe := make(map[string]bool)
	for t := range ledgerPos {
		universe[t] = true
	}
	for t, q := range in.Broker {
		if !q.IsZero() {
			universe[t] = true
		}
	}
	for t := range in.Target.Weights {
		universe[t] = true
	}
	for _, e := range in.Confirmation.Confirmed {
		universe[e.Ticker] = true
	}

	tickers := make([]string, 0, len(universe))
	for t := range universe {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	confirmed := make(map[string]types.PendingEntry, len(in.Confirmation.Confirmed))
	for _, e := range in.Confirmation.Confirmed {
		confirmed[e.Ticker] = e
	}

	for _, t := range tickers {
		if c.Ignore[t] {
			plan.Skipped = append(plan.Skipped, Skip{Ticker: t, Reason: SkipIgnored})
			continue
		}

		pos, tracked := ledgerPos[t]
		current := in.Broker[t]
		holding := Classify(tracked, current)
		status := risk.Status(in.Target, t)
		weight := in.Target.Weights[t]

		var sigPtr *types.AssetSignal
		price := decimal.Zero
		if sig, ok := in.Signals[t]; ok && sig.Price > 0 {
			sigPtr = &sig
			price = decimal.NewFromFloat(sig.Price)
		}

		base := Action{
			Ticker:    t,
			Holding:   holding,
			Current:   current,
			Weight:    weight,
			RefPrice:  price,
			StopPrice: pos.StopPrice,
		}

		switch holding {
		case Stale:
			a := base
			a.Kind = KindCleanup
			a.Reason = types.ReasonExternalClose
			plan.Cleanups = append(plan.Cleanups, a)

		case Tracked:
			d := risk.EvaluateExit(pos, sigPtr, status)
			if d.Exit {
				plan.Closes = append(plan.Closes, closeAction(base, d.Reason))
				continue
			}
			if status != risk.InTarget {
				plan.Skipped = append(plan.Skipped, Skip{Ticker: t, Reason: SkipNoData})
				continue
			}
			if a, skip := c.adjust(base, in.Equity); skip != "" {
				if pos.Unprotected {
					p := base
					p.Kind = KindProtect
					p.Reason = "REPROTECT"
					plan.Adjusts = append(plan.Adjusts, p)
					continue
				}
				plan.Skipped = append(plan.Skipped, Skip{Ticker: t, Reason: skip})
			} else {
				plan.Adjusts = append(plan.Adjusts, a)
			}

		case Untracked:
			if status != risk.InTarget {
				plan.Closes = append(plan.Closes, closeAction(base, types.ReasonUntracked))
				continue
			}
			if a, skip := c.adjust(base, in.Equity); skip != "" {
				plan.Skipped = append(plan.Skipped, Skip{Ticker: t, Reason: skip})
			} else {
				plan.Adjusts = append(plan.Adjusts, a)
			}

		case Flat:
			entry, ok := confirmed[t]
			if status != risk.InTarget || !ok {
				if status == risk.InTarget {
					plan.Skipped = append(plan.Skipped, Skip{Ticker: t, Reason: SkipNotConfirmed})
				}
				continue
			}
			if !price.IsPositive() {
				plan.Skipped = append(plan.Skipped, Skip{Ticker: t, Reason: SkipNoPrice})
				continue
			}
			qty := TargetQuantity(in.Equity, weight, price, c.QtyPrecision)
			if !qty.IsPositive() {
				plan.Skipped = append(plan.Skipped, Skip{Ticker: t, Reason: SkipZeroQuantity})
				continue
			}
			a := base
			a.Kind = KindEnter
			a.Reason = types.ReasonNewSignal
			a.Side = types.Buy
			a.Quantity = qty
			a.Target = qty
			a.ATR = entry.ATR
			plan.Entries = append(plan.Entries, a)
		}
	}

	logPlan(plan)
	return plan
}

// adjust sizes a delta trade or returns the skip reason
func (c Config) adjust(base Action, equity decimal.Decimal) (Action, string) {
	if !base.RefPrice.IsPositive() {
		return Action{}, SkipNoPrice
	}
	target := TargetQuantity(equity, base.Weight, base.RefPrice, c.QtyPrecision)
	delta := target.Sub(base.Current)
	targetNotional := equity.Mul(decimal.NewFromFloat(base.Weight))
	if delta.IsZero() || WithinThreshold(delta, base.RefPrice, targetNotional, c.RebalanceThreshold) {
		return Action{}, SkipThreshold
	}

	a := base
	a.Kind = KindAdjust
	a.Reason = "REBALANCE"
	a.Target = target
	a.Quantity = delta.Abs()
	a.Side = types.Buy
	if delta.IsNegative() {
		a.Side = types.Sell
	}
	return a, ""
}

func closeAction(base Action, reason string) Action {
	a := base
	a.Kind = KindClose
	a.Reason = reason
	a.Quantity = base.Current.Abs()
	a.Side = types.Sell
	if base.Current.IsNegative() {
		a.Side = types.Buy
	}
	return a
}

func logPlan(p Plan) {
	for _, a := range p.Actions() {
		log.Info().
			Str("kind", string(a.Kind)).
			Str("ticker", a.Ticker).
			Str("holding", a.Holding.String()).
			Str("reason", a.Reason).
			Str("side", string(a.Side)).
			Str("qty", a.Quantity.String()).
			Str("current", a.Current.String()).
			Str("target", a.Target.String()).
			Msg("🗺️ Planned")
	}
	if len(p.Skipped) > 0 {
		byReason := make(map[string][]string)
		for _, s := range p.Skipped {
			byReason[s.Reason] = append(byReason[s.Reason], s.Ticker)
		}
		for reason, tickers := range byReason {
			log.Debug().Str("reason", reason).Strs("tickers", tickers).Msg("skipped")
		}
	}
}
