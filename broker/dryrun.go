package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/types"
)

// DryRun passes reads to the wrapped gateway and logs writes instead of
// submitting them. Market orders report an immediate fill at RefPrice so the
// caller's decision path is the same as live.
type DryRun struct {
	inner Gateway

	mu     sync.Mutex
	orders map[string]Order
	log    []Order
}

const dryRunPrefix = "DRY-"

// NewDryRun wraps inner
func NewDryRun(inner Gateway) *DryRun {
	return &DryRun{inner: inner, orders: make(map[string]Order)}
}

func (d *DryRun) Name() string { return "dry-run(" + d.inner.Name() + ")" }

func (d *DryRun) Positions(ctx context.Context) (map[string]decimal.Decimal, error) {
	return d.inner.Positions(ctx)
}

func (d *DryRun) Equity(ctx context.Context) (decimal.Decimal, error) {
	return d.inner.Equity(ctx)
}

func (d *DryRun) OpenOrders(ctx context.Context) ([]Order, error) {
	return d.inner.OpenOrders(ctx)
}

func (d *DryRun) Order(ctx context.Context, orderID string) (Order, error) {
	if strings.HasPrefix(orderID, dryRunPrefix) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if o, ok := d.orders[orderID]; ok {
			return o, nil
		}
	}
	return d.inner.Order(ctx, orderID)
}

func (d *DryRun) PlaceOrder(_ context.Context, req OrderRequest) (Order, error) {
	if err := req.Validate(); err != nil {
		return Order{}, err
	}

	o := Order{
		ID:        dryRunPrefix + uuid.New().String(),
		ClientID:  req.ClientID,
		Ticker:    req.Ticker,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		StopPrice: req.StopPrice,
		Status:    StatusSubmitted,
		CreatedAt: time.Now().UTC(),
	}
	if req.Type == types.Market {
		o.Status = StatusFilled
		o.FilledQty = req.Quantity
		o.AvgPrice = req.RefPrice
	}

	d.mu.Lock()
	d.orders[o.ID] = o
	d.log = append(d.log, o)
	d.mu.Unlock()

	ev := log.Info().
		Bool("dry_run", true).
		Str("ticker", req.Ticker).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Str("qty", req.Quantity.String())
	if req.Type == types.Stop {
		ev = ev.Str("stop", req.StopPrice.StringFixed(2))
	} else {
		ev = ev.Str("ref_price", req.RefPrice.StringFixed(2))
	}
	ev.Msg("🧪 Would place order")
	return o, nil
}

func (d *DryRun) CancelOrder(_ context.Context, orderID string) error {
	d.mu.Lock()
	if o, ok := d.orders[orderID]; ok {
		o.Status = StatusCancelled
		d.orders[orderID] = o
	}
	d.mu.Unlock()

	log.Info().Bool("dry_run", true).Str("order_id", orderID).Msg("🧪 Would cancel order")
	return nil
}

// Orders returns every would-be order in submission order
func (d *DryRun) Orders() []Order {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Order, len(d.log))
	copy(out, d.log)
	return out
}
