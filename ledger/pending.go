package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/quadbot/feeds"
	"github.com/web3guy0/quadbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PENDING LEDGER - Two-phase entry confirmation
// ═══════════════════════════════════════════════════════════════════════════════
//
//   Night:   Stage()    target → PendingEntry for tickers not already held
//   Morning: Evaluate() price > EMA → Confirmed, else Rejected (BELOW_EMA/NO_DATA)
//            Consume()  journal rejections, delete the file
//
// No staged file means the morning step has nothing to do: running it twice
// without a night in between is a no-op.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrNoPending means no night run has staged entries
var ErrNoPending = errors.New("no pending entries staged")

// PendingMetadata describes the night cycle that produced the entries
type PendingMetadata struct {
	SignalDate    time.Time          `json:"signal_date"`
	Regimes       []types.RegimeID   `json:"regimes"`
	TotalLeverage float64            `json:"total_leverage"`
	Targets       map[string]float64 `json:"targets"`
	Filtered      []string           `json:"filtered,omitempty"`
	Dropped       []string           `json:"dropped,omitempty"`
	Missing       []string           `json:"missing,omitempty"`
	LastUpdated   time.Time          `json:"last_updated"`
}

// PendingFile is the persisted night → morning handoff
type PendingFile struct {
	Entries  map[string]types.PendingEntry `json:"entries"`
	Metadata PendingMetadata               `json:"metadata"`
}

// Target rebuilds the night's target allocation (weights and exclusion lists)
func (f PendingFile) Target() types.TargetAllocation {
	weights := make(map[string]float64, len(f.Metadata.Targets))
	for t, w := range f.Metadata.Targets {
		weights[t] = w
	}
	return types.TargetAllocation{
		Weights:  weights,
		Regimes:  f.Metadata.Regimes,
		Leverage: f.Metadata.TotalLeverage,
		Filtered: f.Metadata.Filtered,
		Dropped:  f.Metadata.Dropped,
		Missing:  f.Metadata.Missing,
	}
}

// Tickers returns the staged tickers, sorted
func (f PendingFile) Tickers() []string {
	out := make([]string, 0, len(f.Entries))
	for t := range f.Entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Confirmation is the morning outcome
type Confirmation struct {
	File      PendingFile
	Confirmed []types.PendingEntry
	Rejected  []types.Rejection
}

// RejectionRate is rejected / staged
func (c Confirmation) RejectionRate() float64 {
	total := len(c.Confirmed) + len(c.Rejected)
	if total == 0 {
		return 0
	}
	return float64(len(c.Rejected)) / float64(total)
}

// IsConfirmed reports whether ticker was confirmed
func (c Confirmation) IsConfirmed(ticker string) bool {
	for _, e := range c.Confirmed {
		if e.Ticker == ticker {
			return true
		}
	}
	return false
}

// RejectionSink receives rejected entries
type RejectionSink interface {
	AppendRejections(recs []types.Rejection) error
}

// Pending owns the pending-entry file
type Pending struct {
	mu      sync.Mutex
	path    string
	journal RejectionSink
	now     func() time.Time
}

// NewPending creates a pending ledger at path. journal may be nil.
func NewPending(path string, journal RejectionSink) *Pending {
	return &Pending{path: path, journal: journal, now: time.Now}
}

// Path of the backing file
func (p *Pending) Path() string {
	return p.path
}

// Stage writes a PendingEntry for every target ticker that is not already an
// open position. The file is written even with zero entries so the morning
// step can still reconcile against the night's target.
func (p *Pending) Stage(alloc types.TargetAllocation, open map[string]bool, signalDate time.Time) (PendingFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var prior PendingFile
	if found, err := readJSON(p.path, &prior); err == nil && found && len(prior.Entries) > 0 {
		log.Warn().
			Int("entries", len(prior.Entries)).
			Time("signal_date", prior.Metadata.SignalDate).
			Msg("⚠️ Replacing unconsumed pending entries")
	}

	file := PendingFile{
		Entries: make(map[string]types.PendingEntry),
		Metadata: PendingMetadata{
			SignalDate:    signalDate,
			Regimes:       alloc.Regimes,
			TotalLeverage: alloc.Leverage,
			Targets:       make(map[string]float64, len(alloc.Weights)),
			Filtered:      alloc.Filtered,
			Dropped:       alloc.Dropped,
			Missing:       alloc.Missing,
			LastUpdated:   p.now(),
		},
	}

	for t, w := range alloc.Weights {
		file.Metadata.Targets[t] = w
		if open[t] {
			continue
		}
		sig := alloc.Signals[t]
		file.Entries[t] = types.PendingEntry{
			Ticker:        t,
			Weight:        w,
			EMAAtSignal:   sig.EMA,
			ATR:           sig.ATR,
			PriceAtSignal: sig.Price,
			SignalDate:    signalDate,
		}
	}

	if err := writeJSON(p.path, file); err != nil {
		return PendingFile{}, fmt.Errorf("stage pending: %w", err)
	}

	for _, t := range file.Tickers() {
		e := file.Entries[t]
		log.Info().
			Str("ticker", t).
			Float64("weight", e.Weight).
			Float64("ema", e.EMAAtSignal).
			Float64("atr", e.ATR).
			Msg("📝 Pending entry created")
	}
	return file, nil
}

// Has reports whether a night run has staged a file
func (p *Pending) Has() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := os.Stat(p.path)
	return err == nil
}

// Load returns the staged file or ErrNoPending
func (p *Pending) Load() (PendingFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load()
}

func (p *Pending) load() (PendingFile, error) {
	var file PendingFile
	found, err := readJSON(p.path, &file)
	if err != nil {
		return PendingFile{}, err
	}
	if !found {
		return PendingFile{}, ErrNoPending
	}
	if file.Entries == nil {
		file.Entries = make(map[string]types.PendingEntry)
	}
	for t, e := range file.Entries {
		e.Ticker = t
		file.Entries[t] = e
	}
	return file, nil
}

// Evaluate confirms an entry iff its current price is strictly above its
// current EMA. Entries without a fresh signal are rejected with NO_DATA.
func Evaluate(file PendingFile, signals map[string]types.AssetSignal, at time.Time) Confirmation {
	c := Confirmation{File: file}
	for _, t := range file.Tickers() {
		entry := file.Entries[t]
		sig, ok := signals[t]
		switch {
		case !ok:
			c.Rejected = append(c.Rejected, types.Rejection{
				Date:   at,
				Ticker: t,
				Weight: entry.Weight,
				Reason: types.ReasonNoData,
			})
		case sig.AboveEMA():
			c.Confirmed = append(c.Confirmed, entry)
		default:
			c.Rejected = append(c.Rejected, types.Rejection{
				Date:          at,
				Ticker:        t,
				Weight:        entry.Weight,
				Reason:        types.ReasonBelowEMA,
				RejectedPrice: sig.Price,
				RejectedEMA:   sig.EMA,
			})
		}
	}
	return c
}

// Confirm loads the staged file and evaluates it against fresh signals
func (p *Pending) Confirm(ctx context.Context, feed feeds.SignalFeed, asOf time.Time) (Confirmation, error) {
	file, err := p.Load()
	if err != nil {
		return Confirmation{}, err
	}
	signals, err := feed.Signals(ctx, file.Tickers(), asOf)
	if err != nil {
		return Confirmation{}, fmt.Errorf("confirm pending: %w", err)
	}
	c := Evaluate(file, signals, p.now())
	LogConfirmation(c)
	return c, nil
}

// LogConfirmation emits one event per confirmed/rejected entry
func LogConfirmation(c Confirmation) {
	for _, e := range c.Confirmed {
		log.Info().Str("ticker", e.Ticker).Float64("weight", e.Weight).Msg("✅ Pending entry confirmed")
	}
	for _, r := range c.Rejected {
		ev := log.Info().Str("ticker", r.Ticker).Str("reason", r.Reason).Float64("weight", r.Weight)
		if r.Reason == types.ReasonBelowEMA {
			ev = ev.Float64("price", r.RejectedPrice).Float64("ema", r.RejectedEMA)
		}
		ev.Msg("❌ Pending entry rejected")
	}
}

// Consume journals the rejections and removes the staged file
func (p *Pending) Consume(c Confirmation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.journal != nil && len(c.Rejected) > 0 {
		if err := p.journal.AppendRejections(c.Rejected); err != nil {
			return fmt.Errorf("journal rejections: %w", err)
		}
	}
	return p.clear()
}

// Clear removes the staged file
func (p *Pending) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clear()
}

func (p *Pending) clear() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
