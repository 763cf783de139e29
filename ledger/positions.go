package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/risk"
	"github.com/web3guy0/quadbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION LEDGER - Single writer for open positions and their stops
// ═══════════════════════════════════════════════════════════════════════════════
//
// Lifecycle per ticker:  Flat → Entering → Open → Exiting → Flat
//
// Every mutation goes through mutate(): copy, apply, persist atomically, swap.
// A failed write leaves both the file and the in-memory state untouched.
// StopPrice is set by Record and never changed afterwards.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrPositionExists  = errors.New("position already tracked")
	ErrPositionUnknown = errors.New("position not tracked")
)

// TradeSink receives trade records
type TradeSink interface {
	AppendTrade(rec types.TradeRecord) error
}

type positionsFile struct {
	Positions map[string]types.Position `json:"positions"`
	Metadata  struct {
		LastUpdated time.Time `json:"last_updated"`
	} `json:"metadata"`
}

// Positions is the durable record of open positions
type Positions struct {
	mu        sync.RWMutex
	path      string // empty = memory only
	journal   TradeSink
	positions map[string]types.Position
	now       func() time.Time
}

// OpenPositions loads (or creates) the ledger at path. journal may be nil.
func OpenPositions(path string, journal TradeSink) (*Positions, error) {
	p := &Positions{
		path:      path,
		journal:   journal,
		positions: make(map[string]types.Position),
		now:       time.Now,
	}

	var file positionsFile
	found, err := readJSON(path, &file)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	if found {
		for t, pos := range file.Positions {
			pos.Ticker = t
			p.positions[t] = pos
		}
		log.Info().Int("count", len(p.positions)).Str("path", path).Msg("📦 Position ledger loaded")
	}
	return p, nil
}

// NewMemoryPositions creates a ledger that never touches disk
func NewMemoryPositions(seed []types.Position) *Positions {
	p := &Positions{positions: make(map[string]types.Position), now: time.Now}
	for _, pos := range seed {
		p.positions[pos.Ticker] = pos
	}
	return p
}

// Shadow returns a memory-only copy with no journal (dry-run)
func (p *Positions) Shadow() *Positions {
	return NewMemoryPositions(p.All())
}

// SetClock overrides time.Now
func (p *Positions) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Get returns a tracked position
func (p *Positions) Get(ticker string) (types.Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[ticker]
	return pos, ok
}

// Has reports whether ticker is tracked
func (p *Positions) Has(ticker string) bool {
	_, ok := p.Get(ticker)
	return ok
}

// All returns every position sorted by ticker
func (p *Positions) All() []types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// Tickers returns the tracked set
func (p *Positions) Tickers() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(p.positions))
	for t := range p.positions {
		out[t] = true
	}
	return out
}

// Unprotected returns positions without a working stop
func (p *Positions) Unprotected() []types.Position {
	var out []types.Position
	for _, pos := range p.All() {
		if pos.Unprotected {
			out = append(out, pos)
		}
	}
	return out
}

// Record tracks a newly filled entry and journals an ENTRY trade
func (p *Positions) Record(pos types.Position, reason string) error {
	if pos.Ticker == "" {
		return errors.New("record position: empty ticker")
	}
	if !pos.Quantity.IsPositive() {
		return fmt.Errorf("record %s: non-positive quantity %s", pos.Ticker, pos.Quantity)
	}

	err := p.mutate(func(m map[string]types.Position) error {
		if _, ok := m[pos.Ticker]; ok {
			return fmt.Errorf("record %s: %w", pos.Ticker, ErrPositionExists)
		}
		m[pos.Ticker] = pos
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("ticker", pos.Ticker).
		Str("qty", pos.Quantity.String()).
		Str("entry", pos.EntryPrice.StringFixed(2)).
		Str("stop", pos.StopPrice.StringFixed(2)).
		Str("stop_order_id", pos.StopOrderID).
		Bool("unprotected", pos.Unprotected).
		Msg("📥 Position recorded")

	p.journalTrade(types.TradeRecord{
		Date:      pos.EntryDate,
		Ticker:    pos.Ticker,
		Action:    types.ActionEntry,
		Quantity:  pos.Quantity,
		Price:     pos.EntryPrice,
		StopPrice: pos.StopPrice,
		Reason:    reason,
	})
	return nil
}

// Adjust changes quantity and the replacement stop order id in one write.
// The stop price is preserved.
func (p *Positions) Adjust(ticker string, qty decimal.Decimal, stopOrderID string, unprotected bool) error {
	if !qty.IsPositive() {
		return fmt.Errorf("adjust %s: non-positive quantity %s, close instead", ticker, qty)
	}
	var before types.Position
	err := p.mutate(func(m map[string]types.Position) error {
		pos, ok := m[ticker]
		if !ok {
			return fmt.Errorf("adjust %s: %w", ticker, ErrPositionUnknown)
		}
		before = pos
		pos.Quantity = qty
		pos.StopOrderID = stopOrderID
		pos.Unprotected = unprotected
		m[ticker] = pos
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("ticker", ticker).
		Str("from", before.Quantity.String()).
		Str("to", qty.String()).
		Str("stop", before.StopPrice.StringFixed(2)).
		Str("stop_order_id", stopOrderID).
		Bool("unprotected", unprotected).
		Msg("🔧 Position adjusted")
	return nil
}

// MarkProtected records a working stop for a previously unprotected position
func (p *Positions) MarkProtected(ticker, stopOrderID string) error {
	return p.mutate(func(m map[string]types.Position) error {
		pos, ok := m[ticker]
		if !ok {
			return fmt.Errorf("protect %s: %w", ticker, ErrPositionUnknown)
		}
		pos.StopOrderID = stopOrderID
		pos.Unprotected = false
		m[ticker] = pos
		return nil
	})
}

// Close removes a position and journals an EXIT with realized P&L. A zero
// exitPrice (external close, price unknown) records zero P&L.
func (p *Positions) Close(ticker string, exitPrice decimal.Decimal, reason string) (types.TradeRecord, error) {
	var closed types.Position
	err := p.mutate(func(m map[string]types.Position) error {
		pos, ok := m[ticker]
		if !ok {
			return fmt.Errorf("close %s: %w", ticker, ErrPositionUnknown)
		}
		closed = pos
		delete(m, ticker)
		return nil
	})
	if err != nil {
		return types.TradeRecord{}, err
	}

	rec := ExitRecord(closed, exitPrice, reason, p.clock())

	log.Info().
		Str("ticker", ticker).
		Str("qty", rec.Quantity.String()).
		Str("exit", exitPrice.StringFixed(2)).
		Str("stop", closed.StopPrice.StringFixed(2)).
		Str("pnl", rec.PnL.StringFixed(2)).
		Str("reason", reason).
		Int("days_held", rec.DaysHeld).
		Msg("📤 Position closed")

	p.journalTrade(rec)
	return rec, nil
}

// RecordUntrackedExit journals a close of a broker position the ledger never owned
func (p *Positions) RecordUntrackedExit(ticker string, qty, price decimal.Decimal) {
	p.journalTrade(types.TradeRecord{
		Date:     p.clock(),
		Ticker:   ticker,
		Action:   types.ActionExit,
		Quantity: qty,
		Price:    price,
		Reason:   types.ReasonUntracked,
	})
}

// ExitRecord builds the EXIT trade record for pos
func ExitRecord(pos types.Position, exitPrice decimal.Decimal, reason string, at time.Time) types.TradeRecord {
	rec := types.TradeRecord{
		Date:      at,
		Ticker:    pos.Ticker,
		Action:    types.ActionExit,
		Quantity:  pos.Quantity,
		Price:     exitPrice,
		StopPrice: pos.StopPrice,
		Reason:    reason,
		DaysHeld:  daysBetween(pos.EntryDate, at),
	}
	if exitPrice.IsPositive() && pos.EntryPrice.IsPositive() {
		rec.PnL = exitPrice.Sub(pos.EntryPrice).Mul(pos.Quantity).Round(2)
		rec.PnLPct = exitPrice.Div(pos.EntryPrice).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return rec
}

// CheckStops returns tickers whose latest price is at or below the stop
func (p *Positions) CheckStops(prices map[string]decimal.Decimal) []string {
	var hit []string
	for _, pos := range p.All() {
		price, ok := prices[pos.Ticker]
		if !ok {
			continue
		}
		if risk.StopHit(price, pos.StopPrice) {
			log.Warn().
				Str("ticker", pos.Ticker).
				Str("price", price.StringFixed(2)).
				Str("stop", pos.StopPrice.StringFixed(2)).
				Msg("🛑 Stop level breached")
			hit = append(hit, pos.Ticker)
		}
	}
	return hit
}

// SyncReport is the ledger vs broker diff
type SyncReport struct {
	Stale     []string // Tracked, no longer held at the broker
	Untracked []string // Held at the broker, not tracked
	Drift     []string // Held at both with different quantities
}

// InSync reports whether ledger and broker agree
func (r SyncReport) InSync() bool {
	return len(r.Stale) == 0 && len(r.Untracked) == 0 && len(r.Drift) == 0
}

// Sync compares the ledger with broker-reported quantities. ignore lists
// discretionary tickers that are neither tracked nor reported.
func (p *Positions) Sync(broker map[string]decimal.Decimal, ignore map[string]bool) SyncReport {
	var r SyncReport
	tracked := p.Tickers()

	for _, pos := range p.All() {
		qty, ok := broker[pos.Ticker]
		switch {
		case !ok || qty.IsZero():
			r.Stale = append(r.Stale, pos.Ticker)
		case !qty.Equal(pos.Quantity):
			r.Drift = append(r.Drift, pos.Ticker)
		}
	}
	for t, qty := range broker {
		if qty.IsZero() || tracked[t] || ignore[t] {
			continue
		}
		r.Untracked = append(r.Untracked, t)
	}
	sort.Strings(r.Untracked)

	if !r.InSync() {
		log.Warn().
			Strs("stale", r.Stale).
			Strs("untracked", r.Untracked).
			Strs("drift", r.Drift).
			Msg("⚠️ Ledger desync: broker state is ground truth")
	}
	return r
}

// mutate is the only write path
func (p *Positions) mutate(fn func(map[string]types.Position) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]types.Position, len(p.positions)+1)
	for t, pos := range p.positions {
		next[t] = pos
	}
	if err := fn(next); err != nil {
		return err
	}

	if p.path != "" {
		file := positionsFile{Positions: next}
		file.Metadata.LastUpdated = p.now()
		if err := writeJSON(p.path, file); err != nil {
			return fmt.Errorf("persist positions: %w", err)
		}
	}
	p.positions = next
	return nil
}

func (p *Positions) journalTrade(rec types.TradeRecord) {
	if p.journal == nil {
		return
	}
	if err := p.journal.AppendTrade(rec); err != nil {
		log.Error().Err(err).Str("ticker", rec.Ticker).Str("action", rec.Action).Msg("❌ Failed to journal trade")
	}
}

func (p *Positions) clock() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.now()
}

func daysBetween(from, to time.Time) int {
	if from.IsZero() || to.Before(from) {
		return 0
	}
	fy, fm, fd := from.Date()
	ty, tm, td := to.Date()
	a := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
