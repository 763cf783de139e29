package feeds

import (
	"context"
	"sync"
	"time"

	"github.com/web3guy0/quadbot/types"
)

// Static is an in-memory SignalFeed with fixed values
type Static struct {
	mu       sync.RWMutex
	signals  map[string]types.AssetSignal
	momentum map[string]float64
	err      error
}

// NewStatic creates an empty static feed
func NewStatic() *Static {
	return &Static{
		signals:  make(map[string]types.AssetSignal),
		momentum: make(map[string]float64),
	}
}

// Set stores a signal
func (s *Static) Set(sig types.AssetSignal) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[sig.Ticker] = sig
	return s
}

// Delete removes a ticker's signal
func (s *Static) Delete(ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.signals, ticker)
}

// SetMomentum stores an indicator ticker's momentum
func (s *Static) SetMomentum(ticker string, m float64) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.momentum[ticker] = m
	return s
}

// Fail makes every call return err (nil clears it)
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Static) Signals(_ context.Context, universe []string, _ time.Time) (map[string]types.AssetSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]types.AssetSignal)
	for _, t := range universe {
		if sig, ok := s.signals[t]; ok {
			out[t] = sig
		}
	}
	return out, nil
}

func (s *Static) Momentum(_ context.Context, tickers []string, _ time.Time) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]float64)
	for _, t := range tickers {
		if m, ok := s.momentum[t]; ok {
			out[t] = m
		}
	}
	return out, nil
}
