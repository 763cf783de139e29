package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// RegimeID identifies one of the four macro quadrants
type RegimeID int

const (
	Q1 RegimeID = iota + 1 // Growth up, inflation down
	Q2                     // Growth up, inflation up
	Q3                     // Growth down, inflation up
	Q4                     // Growth down, inflation down
)

// AllRegimes in stable id order (used for tie-breaking)
var AllRegimes = []RegimeID{Q1, Q2, Q3, Q4}

func (r RegimeID) String() string {
	if r < Q1 || r > Q4 {
		return fmt.Sprintf("Q?(%d)", int(r))
	}
	return fmt.Sprintf("Q%d", int(r))
}

// Valid reports whether r is one of Q1..Q4
func (r RegimeID) Valid() bool {
	return r >= Q1 && r <= Q4
}

// ParseRegime accepts "Q1".."Q4" or "1".."4"
func ParseRegime(s string) (RegimeID, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "Q")
	for _, r := range AllRegimes {
		if s == fmt.Sprintf("%d", int(r)) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown regime %q", s)
}

func (r RegimeID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RegimeID) UnmarshalText(b []byte) error {
	parsed, err := ParseRegime(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RegimeScore is a regime's trailing momentum for one cycle
type RegimeScore struct {
	Regime   RegimeID `json:"regime"`
	Momentum float64  `json:"momentum"`
}

// AssetSignal is the typed per-ticker payload at the feed boundary
type AssetSignal struct {
	Ticker     string  `json:"ticker"`
	Price      float64 `json:"price"`
	EMA        float64 `json:"ema"`
	Volatility float64 `json:"volatility"` // Annualized, percent
	ATR        float64 `json:"atr"`
}

// AboveEMA is the trend filter: strictly above
func (s AssetSignal) AboveEMA() bool {
	return s.Price > s.EMA
}

// TargetAllocation is the concentrated, leveraged target portfolio
type TargetAllocation struct {
	Weights  map[string]float64         `json:"weights"`
	Signals  map[string]AssetSignal     `json:"signals"`   // Snapshot at signal time
	StopRefs map[string]decimal.Decimal `json:"stop_refs"` // price - k*ATR
	Regimes  []RegimeID                 `json:"regimes"`
	Leverage float64                    `json:"total_leverage"` // Σ selected multipliers

	Filtered []string `json:"filtered,omitempty"` // Failed the trend filter
	Dropped  []string `json:"dropped,omitempty"`  // Cut by the concentration cap
	Missing  []string `json:"missing,omitempty"`  // No signal this cycle
}

// TotalWeight sums the target weights
func (a TargetAllocation) TotalWeight() float64 {
	total := 0.0
	for _, w := range a.Weights {
		total += w
	}
	return total
}

// Has reports whether ticker has a target weight
func (a TargetAllocation) Has(ticker string) bool {
	_, ok := a.Weights[ticker]
	return ok
}

// PendingEntry is a night candidate waiting for morning confirmation
type PendingEntry struct {
	Ticker        string    `json:"-"`
	Weight        float64   `json:"weight"`
	EMAAtSignal   float64   `json:"ema_at_signal"`
	ATR           float64   `json:"atr"`
	PriceAtSignal float64   `json:"price_at_signal"`
	SignalDate    time.Time `json:"signal_date"`
}

// Position is a tracked open position. StopPrice never changes once set.
type Position struct {
	Ticker       string          `json:"-"`
	Quantity     decimal.Decimal `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	ATRAtEntry   decimal.Decimal `json:"atr_at_entry"`
	EntryOrderID string          `json:"entry_order_id"`
	StopOrderID  string          `json:"stop_order_id"`
	EntryDate    time.Time       `json:"entry_date"`
	Unprotected  bool            `json:"unprotected,omitempty"` // Stop placement failed
}

// Notional at the given price
func (p Position) Notional(price decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(price)
}

// Trade actions
const (
	ActionEntry = "ENTRY"
	ActionExit  = "EXIT"
)

// Exit and rejection reasons
const (
	ReasonATRStop       = "ATR_STOP"
	ReasonEMACross      = "EMA_CROSS"
	ReasonQuadChange    = "QUAD_CHANGE"
	ReasonTopNDrop      = "TOP10_DROP"
	ReasonExternalClose = "EXTERNAL_CLOSE"
	ReasonUntracked     = "UNTRACKED_CLOSE"
	ReasonNewSignal     = "NEW_SIGNAL"
	ReasonAdopted       = "ADOPTED"

	ReasonBelowEMA = "BELOW_EMA"
	ReasonNoData   = "NO_DATA"
)

// TradeRecord is an immutable trade log entry
type TradeRecord struct {
	Date      time.Time
	Ticker    string
	Action    string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	StopPrice decimal.Decimal
	PnL       decimal.Decimal
	PnLPct    decimal.Decimal
	Reason    string
	DaysHeld  int
}

// Rejection is a pending entry that failed confirmation
type Rejection struct {
	Date          time.Time
	Ticker        string
	Weight        float64
	Reason        string
	RejectedPrice float64
	RejectedEMA   float64
}

// Side of an order
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite side
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType of an order
type OrderType string

const (
	Market OrderType = "MKT"
	Stop   OrderType = "STP"
)
