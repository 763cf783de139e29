package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/types"
)

// Paper is an in-memory broker. Market orders fill immediately at the known
// price (or the request's RefPrice) plus slippage; stop orders rest until
// TriggerStops sees the price at or below the stop.
type Paper struct {
	mu          sync.Mutex
	cash        decimal.Decimal
	positions   map[string]decimal.Decimal
	prices      map[string]decimal.Decimal
	orders      map[string]*Order
	history     []Order
	slippageBps int64

	// Failure injection
	offline     bool
	rejectStops bool
	rejectAll   map[string]bool
	failAfter   int // connectivity error after this many more writes (-1 = off)
}

// NewPaper creates a paper broker with starting cash
func NewPaper(cash decimal.Decimal, slippageBps int64) *Paper {
	return &Paper{
		cash:        cash,
		positions:   make(map[string]decimal.Decimal),
		prices:      make(map[string]decimal.Decimal),
		orders:      make(map[string]*Order),
		rejectAll:   make(map[string]bool),
		slippageBps: slippageBps,
		failAfter:   -1,
	}
}

func (p *Paper) Name() string { return "paper" }

// SetPrice sets a ticker's mark price
func (p *Paper) SetPrice(ticker string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[ticker] = price
}

// SetPosition seeds a holding (cash unchanged)
func (p *Paper) SetPosition(ticker string, qty decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qty.IsZero() {
		delete(p.positions, ticker)
		return
	}
	p.positions[ticker] = qty
}

// SetOffline makes every call fail with a ConnectivityError
func (p *Paper) SetOffline(offline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = offline
}

// RejectStops makes stop orders fail with a RejectionError
func (p *Paper) RejectStops(reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectStops = reject
}

// RejectTicker makes every order for ticker fail with a RejectionError
func (p *Paper) RejectTicker(ticker string, reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectAll[ticker] = reject
}

// FailAfterWrites lets n more writes succeed, then goes offline
func (p *Paper) FailAfterWrites(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAfter = n
}

// History returns every accepted order in submission order
func (p *Paper) History() []Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Order, len(p.history))
	copy(out, p.history)
	return out
}

// ResetHistory clears the order history (not positions)
func (p *Paper) ResetHistory() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = nil
}

func (p *Paper) Positions(_ context.Context) (map[string]decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline {
		return nil, &ConnectivityError{Op: "positions", Err: errors.New("paper broker offline")}
	}
	out := make(map[string]decimal.Decimal, len(p.positions))
	for t, q := range p.positions {
		out[t] = q
	}
	return out, nil
}

func (p *Paper) Equity(_ context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline {
		return decimal.Zero, &ConnectivityError{Op: "equity", Err: errors.New("paper broker offline")}
	}
	equity := p.cash
	for t, q := range p.positions {
		equity = equity.Add(q.Mul(p.prices[t]))
	}
	return equity, nil
}

func (p *Paper) PlaceOrder(_ context.Context, req OrderRequest) (Order, error) {
	if err := req.Validate(); err != nil {
		return Order{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.write("place"); err != nil {
		return Order{}, err
	}
	if p.rejectAll[req.Ticker] {
		return Order{}, &RejectionError{Op: "place", Ticker: req.Ticker, Reason: "ticker not tradable"}
	}

	o := Order{
		ID:        uuid.New().String(),
		ClientID:  req.ClientID,
		Ticker:    req.Ticker,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		StopPrice: req.StopPrice,
		Status:    StatusSubmitted,
		CreatedAt: time.Now().UTC(),
	}

	switch req.Type {
	case types.Stop:
		if p.rejectStops {
			return Order{}, &RejectionError{Op: "place", Ticker: req.Ticker, Reason: "stop orders not accepted"}
		}
	case types.Market:
		price := p.prices[req.Ticker]
		if price.IsZero() {
			price = req.RefPrice
		}
		if !price.IsPositive() {
			return Order{}, &RejectionError{Op: "place", Ticker: req.Ticker, Reason: "no market price"}
		}
		held := p.positions[req.Ticker]
		if req.Side == types.Sell && req.Quantity.GreaterThan(held) {
			return Order{}, &RejectionError{Op: "place", Ticker: req.Ticker, Reason: fmt.Sprintf("sell %s exceeds position %s", req.Quantity, held)}
		}
		p.fill(&o, p.slipped(price, req.Side))
	default:
		return Order{}, &RejectionError{Op: "place", Ticker: req.Ticker, Reason: fmt.Sprintf("unsupported order type %q", req.Type)}
	}

	p.orders[o.ID] = &o
	p.history = append(p.history, o)
	return o, nil
}

func (p *Paper) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.write("cancel"); err != nil {
		return err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return &RejectionError{Op: "cancel", Reason: fmt.Sprintf("unknown order %s", orderID)}
	}
	if !o.Status.Open() {
		return &RejectionError{Op: "cancel", Ticker: o.Ticker, Reason: fmt.Sprintf("order %s is %s", orderID, o.Status)}
	}
	o.Status = StatusCancelled
	return nil
}

func (p *Paper) OpenOrders(_ context.Context) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline {
		return nil, &ConnectivityError{Op: "open_orders", Err: errors.New("paper broker offline")}
	}
	var out []Order
	for _, o := range p.orders {
		if o.Status.Open() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (p *Paper) Order(_ context.Context, orderID string) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline {
		return Order{}, &ConnectivityError{Op: "order", Err: errors.New("paper broker offline")}
	}
	o, ok := p.orders[orderID]
	if !ok {
		return Order{}, &RejectionError{Op: "order", Reason: fmt.Sprintf("unknown order %s", orderID)}
	}
	return *o, nil
}

// TriggerStops fills every resting sell stop whose ticker trades at or below
// its stop price. Returns the filled orders.
func (p *Paper) TriggerStops() []Order {
	p.mu.Lock()
	defer p.mu.Unlock()

	var filled []Order
	for _, o := range p.orders {
		if o.Type != types.Stop || !o.Status.Open() {
			continue
		}
		price, ok := p.prices[o.Ticker]
		if !ok || price.GreaterThan(o.StopPrice) {
			continue
		}
		held := p.positions[o.Ticker]
		if o.Quantity.GreaterThan(held) {
			o.Quantity = held
		}
		p.fill(o, price)
		filled = append(filled, *o)
		log.Debug().Str("ticker", o.Ticker).Str("price", price.String()).Msg("paper stop filled")
	}
	return filled
}

func (p *Paper) fill(o *Order, price decimal.Decimal) {
	notional := o.Quantity.Mul(price)
	held := p.positions[o.Ticker]
	if o.Side == types.Buy {
		held = held.Add(o.Quantity)
		p.cash = p.cash.Sub(notional)
	} else {
		held = held.Sub(o.Quantity)
		p.cash = p.cash.Add(notional)
	}
	if held.IsZero() {
		delete(p.positions, o.Ticker)
	} else {
		p.positions[o.Ticker] = held
	}
	o.FilledQty = o.Quantity
	o.AvgPrice = price
	o.Status = StatusFilled
}

func (p *Paper) slipped(price decimal.Decimal, side types.Side) decimal.Decimal {
	if p.slippageBps == 0 {
		return price
	}
	adj := price.Mul(decimal.New(p.slippageBps, -4))
	if side == types.Buy {
		return price.Add(adj).Round(4)
	}
	return price.Sub(adj).Round(4)
}

// write applies offline / fail-after injection to mutating calls
func (p *Paper) write(op string) error {
	if p.offline {
		return &ConnectivityError{Op: op, Err: errors.New("paper broker offline")}
	}
	if p.failAfter == 0 {
		p.offline = true
		return &ConnectivityError{Op: op, Err: errors.New("paper broker connection lost")}
	}
	if p.failAfter > 0 {
		p.failAfter--
	}
	return nil
}
