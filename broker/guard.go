package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Protection against a flapping broker connection
// ═══════════════════════════════════════════════════════════════════════════════
//
// Reads are retried with backoff. Writes are never retried: a write that hit a
// connectivity error has an unknown outcome and must be re-verified against
// broker state, not resubmitted.
//
// After maxFailures consecutive connectivity failures the breaker trips and
// every call fails fast with ErrCircuitOpen until the cooldown passes.
//
// ═══════════════════════════════════════════════════════════════════════════════

// CircuitBreaker counts consecutive connectivity failures
type CircuitBreaker struct {
	mu sync.RWMutex

	maxFailures int
	cooldown    time.Duration

	failures  int
	tripped   bool
	trippedAt time.Time
	lastErr   error
}

// NewCircuitBreaker creates a breaker
func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &CircuitBreaker{maxFailures: maxFailures, cooldown: cooldown}
}

// Allow returns ErrCircuitOpen while tripped
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.tripped {
		return nil
	}
	if time.Since(cb.trippedAt) > cb.cooldown {
		cb.tripped = false
		cb.failures = 0
		log.Info().Msg("✅ Broker circuit breaker reset after cooldown")
		return nil
	}
	return ErrCircuitOpen
}

// Record updates the breaker with a call outcome
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || !IsConnectivity(err) {
		cb.failures = 0
		return
	}
	cb.failures++
	cb.lastErr = err
	if cb.failures >= cb.maxFailures && !cb.tripped {
		cb.tripped = true
		cb.trippedAt = time.Now()
		log.Warn().
			Err(err).
			Int("consecutive_failures", cb.failures).
			Dur("cooldown", cb.cooldown).
			Msg("🚨 BROKER CIRCUIT BREAKER TRIPPED")
	}
}

// IsTripped returns current trip state
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripped
}

// Guarded wraps a gateway with read retries and the breaker
type Guarded struct {
	inner   Gateway
	breaker *CircuitBreaker
	retries int
	backoff time.Duration
}

// NewGuarded wraps inner. retries applies to reads only.
func NewGuarded(inner Gateway, breaker *CircuitBreaker, retries int, backoff time.Duration) *Guarded {
	return &Guarded{inner: inner, breaker: breaker, retries: retries, backoff: backoff}
}

func (g *Guarded) Name() string { return g.inner.Name() }

// Breaker exposes the breaker for status reporting
func (g *Guarded) Breaker() *CircuitBreaker { return g.breaker }

func (g *Guarded) Positions(ctx context.Context) (map[string]decimal.Decimal, error) {
	var out map[string]decimal.Decimal
	err := g.read(ctx, "positions", func() (err error) {
		out, err = g.inner.Positions(ctx)
		return err
	})
	return out, err
}

func (g *Guarded) Equity(ctx context.Context) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := g.read(ctx, "equity", func() (err error) {
		out, err = g.inner.Equity(ctx)
		return err
	})
	return out, err
}

func (g *Guarded) OpenOrders(ctx context.Context) ([]Order, error) {
	var out []Order
	err := g.read(ctx, "open_orders", func() (err error) {
		out, err = g.inner.OpenOrders(ctx)
		return err
	})
	return out, err
}

func (g *Guarded) Order(ctx context.Context, orderID string) (Order, error) {
	var out Order
	err := g.read(ctx, "order", func() (err error) {
		out, err = g.inner.Order(ctx, orderID)
		return err
	})
	return out, err
}

func (g *Guarded) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := g.breaker.Allow(); err != nil {
		return Order{}, &ConnectivityError{Op: "place", Err: err}
	}
	o, err := g.inner.PlaceOrder(ctx, req)
	g.breaker.Record(err)
	return o, err
}

func (g *Guarded) CancelOrder(ctx context.Context, orderID string) error {
	if err := g.breaker.Allow(); err != nil {
		return &ConnectivityError{Op: "cancel", Err: err}
	}
	err := g.inner.CancelOrder(ctx, orderID)
	g.breaker.Record(err)
	return err
}

func (g *Guarded) read(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= g.retries; attempt++ {
		if allowErr := g.breaker.Allow(); allowErr != nil {
			return &ConnectivityError{Op: op, Err: allowErr}
		}
		err = fn()
		g.breaker.Record(err)
		if err == nil || !IsConnectivity(err) {
			return err
		}
		if attempt == g.retries {
			break
		}
		log.Debug().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("broker read failed, retrying")
		select {
		case <-ctx.Done():
			return &ConnectivityError{Op: op, Err: ctx.Err()}
		case <-time.After(g.backoff * time.Duration(attempt+1)):
		}
	}
	return err
}
