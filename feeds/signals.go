package feeds

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/quadbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL FEED - Typed per-asset signals from daily history
// ═══════════════════════════════════════════════════════════════════════════════
//
// A feed may return partial results: tickers without enough data are left out
// of the map (and logged). An error is returned only when the feed itself is
// unreachable, which aborts the cycle.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrNoData means a single ticker has no usable history
var ErrNoData = errors.New("no data")

// SignalFeed supplies per-asset price, EMA, volatility and ATR
type SignalFeed interface {
	Signals(ctx context.Context, universe []string, asOf time.Time) (map[string]types.AssetSignal, error)
	Momentum(ctx context.Context, tickers []string, asOf time.Time) (map[string]float64, error)
}

// Bar is one daily OHLC bar
type Bar struct {
	Date  time.Time
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// History returns chronological daily bars up to and including asOf.
// Implementations return ErrNoData (possibly wrapped) for unknown tickers.
type History interface {
	Bars(ctx context.Context, ticker string, asOf time.Time) ([]Bar, error)
}

// Params for indicator windows
type Params struct {
	MomentumDays int           // Lookback for regime momentum (default: 50)
	EMAPeriod    int           // Trend filter span (default: 50)
	VolLookback  int           // Realized vol window (default: 30)
	ATRPeriod    int           // Stop distance window (default: 14)
	MaxStaleness time.Duration // Last bar older than this is NO_DATA (0 = off)
	Workers      int           // Parallel ticker computations (default: 8)
}

// DefaultParams returns the production windows
func DefaultParams() Params {
	return Params{
		MomentumDays: 50,
		EMAPeriod:    50,
		VolLookback:  30,
		ATRPeriod:    14,
		MaxStaleness: 5 * 24 * time.Hour,
		Workers:      8,
	}
}

// HistoryFeed derives signals from a History source
type HistoryFeed struct {
	source History
	params Params
}

// NewHistoryFeed creates a feed over source
func NewHistoryFeed(source History, params Params) *HistoryFeed {
	if params.Workers <= 0 {
		params.Workers = 8
	}
	return &HistoryFeed{source: source, params: params}
}

// Signals computes AssetSignal for every ticker with enough data
func (f *HistoryFeed) Signals(ctx context.Context, universe []string, asOf time.Time) (map[string]types.AssetSignal, error) {
	out := make(map[string]types.AssetSignal)
	err := f.each(ctx, universe, asOf, func(ticker string, bars []Bar) error {
		sig, err := f.signal(ticker, bars)
		if err != nil {
			return err
		}
		out[ticker] = sig
		return nil
	})
	return out, err
}

// Momentum computes the lookback percent change for every ticker with enough data
func (f *HistoryFeed) Momentum(ctx context.Context, tickers []string, asOf time.Time) (map[string]float64, error) {
	out := make(map[string]float64)
	err := f.each(ctx, tickers, asOf, func(ticker string, bars []Bar) error {
		m, ok := Momentum(closes(bars), f.params.MomentumDays)
		if !ok {
			return fmt.Errorf("%s: %d bars for %d-day momentum: %w", ticker, len(bars), f.params.MomentumDays, ErrNoData)
		}
		out[ticker] = m
		return nil
	})
	return out, err
}

// each loads history for every unique ticker in parallel and hands it to fn
// under a lock. Per-ticker ErrNoData is logged and skipped.
func (f *HistoryFeed) each(ctx context.Context, tickers []string, asOf time.Time, fn func(string, []Bar) error) error {
	unique := dedupe(tickers)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		fatalErr error
		missing  []string
	)
	sem := make(chan struct{}, f.params.Workers)

	for _, ticker := range unique {
		wg.Add(1)
		go func(ticker string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				if fatalErr == nil {
					fatalErr = ctx.Err()
				}
				mu.Unlock()
				return
			}

			bars, err := f.source.Bars(ctx, ticker, asOf)
			if err == nil {
				err = f.checkFresh(ticker, bars, asOf)
			}

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				err = fn(ticker, bars)
			}
			if err != nil {
				if errors.Is(err, ErrNoData) {
					missing = append(missing, ticker)
					log.Debug().Err(err).Str("ticker", ticker).Msg("signal unavailable")
					return
				}
				if fatalErr == nil {
					fatalErr = fmt.Errorf("feed %s: %w", ticker, err)
				}
			}
		}(ticker)
	}
	wg.Wait()

	if len(missing) > 0 {
		sort.Strings(missing)
		log.Warn().Strs("tickers", missing).Msg("⚠️ Missing signal data, excluded this cycle")
	}
	return fatalErr
}

func (f *HistoryFeed) checkFresh(ticker string, bars []Bar, asOf time.Time) error {
	if len(bars) == 0 {
		return fmt.Errorf("%s: empty history: %w", ticker, ErrNoData)
	}
	if f.params.MaxStaleness > 0 {
		last := bars[len(bars)-1].Date
		if asOf.Sub(last) > f.params.MaxStaleness {
			return fmt.Errorf("%s: last bar %s is stale: %w", ticker, last.Format("2006-01-02"), ErrNoData)
		}
	}
	return nil
}

func (f *HistoryFeed) signal(ticker string, bars []Bar) (types.AssetSignal, error) {
	c := closes(bars)
	h := make([]float64, len(bars))
	l := make([]float64, len(bars))
	for i, b := range bars {
		h[i], l[i] = b.High, b.Low
	}

	ema, ok := EMA(c, f.params.EMAPeriod)
	if !ok {
		return types.AssetSignal{}, fmt.Errorf("%s: %d bars for %d EMA: %w", ticker, len(bars), f.params.EMAPeriod, ErrNoData)
	}
	vol, ok := Volatility(c, f.params.VolLookback)
	if !ok {
		return types.AssetSignal{}, fmt.Errorf("%s: %d bars for %d-day volatility: %w", ticker, len(bars), f.params.VolLookback, ErrNoData)
	}
	atr, ok := ATR(h, l, c, f.params.ATRPeriod)
	if !ok {
		return types.AssetSignal{}, fmt.Errorf("%s: %d bars for %d ATR: %w", ticker, len(bars), f.params.ATRPeriod, ErrNoData)
	}

	return types.AssetSignal{
		Ticker:     ticker,
		Price:      c[len(c)-1],
		EMA:        ema,
		Volatility: vol,
		ATR:        atr,
	}, nil
}

func closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func dedupe(tickers []string) []string {
	seen := make(map[string]bool, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
