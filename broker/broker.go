package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BROKER GATEWAY - Minimal surface the reconciler needs
// ═══════════════════════════════════════════════════════════════════════════════
//
// Implementations:
//   paper.go   in-memory simulated broker (tests, local runs)
//   http.go    HTTP bridge to the brokerage sidecar
//   dryrun.go  live reads, logged (never submitted) writes
//   guard.go   retries + connectivity circuit breaker around any gateway
//
// Every error is either a *ConnectivityError (abort the cycle) or a
// *RejectionError (per-ticker, non-fatal).
//
// ═══════════════════════════════════════════════════════════════════════════════

// Gateway executes orders and reports broker state
type Gateway interface {
	Name() string
	Positions(ctx context.Context) (map[string]decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	OpenOrders(ctx context.Context) ([]Order, error)
	Order(ctx context.Context, orderID string) (Order, error)
	Equity(ctx context.Context) (decimal.Decimal, error)
}

// OrderRequest is a new order. Quantity is always positive; Side gives direction.
type OrderRequest struct {
	Ticker    string          `json:"ticker"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      types.Side      `json:"side"`
	Type      types.OrderType `json:"type"`
	StopPrice decimal.Decimal `json:"stop_price,omitempty"` // STP only
	RefPrice  decimal.Decimal `json:"ref_price,omitempty"`  // Last signal price (sim/dry-run fills)
	ClientID  string          `json:"client_order_id"`
}

// Validate checks the request shape before it leaves the process
func (r OrderRequest) Validate() error {
	if r.Ticker == "" {
		return &RejectionError{Op: "place", Reason: "empty ticker"}
	}
	if !r.Quantity.IsPositive() {
		return &RejectionError{Op: "place", Ticker: r.Ticker, Reason: fmt.Sprintf("non-positive quantity %s", r.Quantity)}
	}
	if r.Side != types.Buy && r.Side != types.Sell {
		return &RejectionError{Op: "place", Ticker: r.Ticker, Reason: fmt.Sprintf("bad side %q", r.Side)}
	}
	if r.Type == types.Stop && !r.StopPrice.IsPositive() {
		return &RejectionError{Op: "place", Ticker: r.Ticker, Reason: "stop order without stop price"}
	}
	return nil
}

// OrderStatus is the broker-side lifecycle state
type OrderStatus string

const (
	StatusSubmitted OrderStatus = "SUBMITTED" // Working (resting stop, unfilled market)
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// Open reports whether the order can still fill
func (s OrderStatus) Open() bool {
	return s == StatusSubmitted || s == StatusPartial
}

// Order is a normalized broker order
type Order struct {
	ID        string          `json:"order_id"`
	ClientID  string          `json:"client_order_id,omitempty"`
	Ticker    string          `json:"ticker"`
	Side      types.Side      `json:"side"`
	Type      types.OrderType `json:"type"`
	Quantity  decimal.Decimal `json:"quantity"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	StopPrice decimal.Decimal `json:"stop_price"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// ERROR TAXONOMY
// ═══════════════════════════════════════════════════════════════════════════════

// ErrCircuitOpen is returned while the connectivity breaker is open
var ErrCircuitOpen = errors.New("broker circuit open")

// ConnectivityError means the broker could not be reached or answered with a
// server-side failure. The outcome of a write is unknown.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("broker %s: connectivity: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// RejectionError means the broker refused the request
type RejectionError struct {
	Op     string
	Ticker string
	Reason string
}

func (e *RejectionError) Error() string {
	if e.Ticker != "" {
		return fmt.Sprintf("broker %s %s: rejected: %s", e.Op, e.Ticker, e.Reason)
	}
	return fmt.Sprintf("broker %s: rejected: %s", e.Op, e.Reason)
}

// IsConnectivity reports whether err is (or wraps) a ConnectivityError
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsRejection reports whether err is (or wraps) a RejectionError
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// WaitFill polls Order until it is no longer open or ctx/timeout expires.
// Returns the last observed state.
func WaitFill(ctx context.Context, gw Gateway, orderID string, timeout, every time.Duration) (Order, error) {
	deadline := time.Now().Add(timeout)
	for {
		o, err := gw.Order(ctx, orderID)
		if err != nil {
			return o, err
		}
		if !o.Status.Open() || time.Now().After(deadline) {
			return o, nil
		}
		select {
		case <-ctx.Done():
			return o, &ConnectivityError{Op: "order", Err: ctx.Err()}
		case <-time.After(every):
		}
	}
}

// StopOrders indexes open STP orders by ticker
func StopOrders(orders []Order) map[string][]Order {
	out := make(map[string][]Order)
	for _, o := range orders {
		if o.Type == types.Stop && o.Status.Open() {
			out[o.Ticker] = append(out[o.Ticker], o)
		}
	}
	return out
}
