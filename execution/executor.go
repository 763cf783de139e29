package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/broker"
	"github.com/web3guy0/quadbot/ledger"
	"github.com/web3guy0/quadbot/metrics"
	"github.com/web3guy0/quadbot/risk"
	"github.com/web3guy0/quadbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTOR - Plan → broker orders → ledger writes
// ═══════════════════════════════════════════════════════════════════════════════
//
// Order Flow:
//   refetch broker qty → cancel stop → market order → wait fill
//                                                        ↓
//                                       ledger write ← new stop
//
// Every action re-reads broker state first, so re-running a half-finished
// cycle converges instead of doubling orders.
//
// Failure handling:
//   RejectionError     → per-ticker result, cycle continues
//   ConnectivityError  → ErrCycleAborted, remaining actions never start
//   Ledger write error → ErrCycleAborted (broker and ledger may diverge)
//
// ═══════════════════════════════════════════════════════════════════════════════

// Outcome of one action
type Outcome string

const (
	OutcomeDone     Outcome = "DONE"
	OutcomeSkipped  Outcome = "SKIPPED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeFailed   Outcome = "FAILED"
)

// Result is what happened to one planned action
type Result struct {
	Action    Action
	Outcome   Outcome
	Reason    string // Final reason (an exit can turn into ATR_STOP at run time)
	OrderID   string
	Price     decimal.Decimal // Fill price
	Quantity  decimal.Decimal // Filled quantity
	StopPrice decimal.Decimal
	Err       error
}

// Report summarizes an Execute run
type Report struct {
	Results      []Result
	Trades       []types.TradeRecord
	Aborted      bool
	Unprotected  []string
	OrdersPlaced int
}

// Count returns the number of results with the given kind and outcome
func (r Report) Count(kind ActionKind, outcome Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Action.Kind == kind && res.Outcome == outcome {
			n++
		}
	}
	return n
}

// Alerter is notified when a filled position could not be protected
type Alerter interface {
	AlertUnprotected(ticker string, qty, stop decimal.Decimal, err error)
}

// Executor applies plans
type Executor struct {
	gw        broker.Gateway
	positions *ledger.Positions
	cfg       Config
	alert     Alerter
}

// NewExecutor creates an executor. alert may be nil.
func NewExecutor(gw broker.Gateway, positions *ledger.Positions, cfg Config, alert Alerter) *Executor {
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 30 * time.Second
	}
	if cfg.FillPoll <= 0 {
		cfg.FillPoll = time.Second
	}
	return &Executor{gw: gw, positions: positions, cfg: cfg, alert: alert}
}

// Execute runs the plan in order. A connectivity failure stops the cycle and
// returns an error wrapping ErrCycleAborted along with the partial report.
func (e *Executor) Execute(ctx context.Context, plan Plan) (Report, error) {
	r := &Report{}
	actions := plan.Actions()

	log.Info().
		Int("cleanups", len(plan.Cleanups)).
		Int("closes", len(plan.Closes)).
		Int("adjusts", len(plan.Adjusts)).
		Int("entries", len(plan.Entries)).
		Str("broker", e.gw.Name()).
		Msg("⚙️ Executing plan")

	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			return e.abort(r, a, &broker.ConnectivityError{Op: "context", Err: err})
		}

		res, err := e.apply(ctx, r, a)
		if res.Reason == "" {
			res.Reason = a.Reason
		}
		r.Results = append(r.Results, res)
		logResult(res)

		if err != nil {
			return e.abort(r, a, err)
		}
	}

	e.finish(r)
	log.Info().
		Int("orders", r.OrdersPlaced).
		Int("trades", len(r.Trades)).
		Int("unprotected", len(r.Unprotected)).
		Msg("✅ Plan executed")
	return *r, nil
}

func (e *Executor) abort(r *Report, a Action, err error) (Report, error) {
	r.Aborted = true
	e.finish(r)
	log.Error().
		Err(err).
		Str("kind", string(a.Kind)).
		Str("ticker", a.Ticker).
		Int("orders_placed", r.OrdersPlaced).
		Msg("🛑 Cycle aborted")
	return *r, fmt.Errorf("%w at %s %s: %w", ErrCycleAborted, a.Kind, a.Ticker, err)
}

func (e *Executor) finish(r *Report) {
	for _, p := range e.positions.Unprotected() {
		r.Unprotected = append(r.Unprotected, p.Ticker)
	}
	metrics.OpenPositions.Set(float64(len(e.positions.All())))
	metrics.UnprotectedPositions.Set(float64(len(r.Unprotected)))
}

func (e *Executor) apply(ctx context.Context, r *Report, a Action) (Result, error) {
	switch a.Kind {
	case KindCleanup:
		return e.cleanup(ctx, r, a)
	case KindClose:
		return e.close(ctx, r, a)
	case KindAdjust:
		return e.adjust(ctx, r, a)
	case KindProtect:
		return e.protect(ctx, r, a)
	case KindEnter:
		return e.enter(ctx, r, a)
	}
	return Result{Action: a, Outcome: OutcomeFailed, Err: fmt.Errorf("unknown action %q", a.Kind)}, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ACTIONS
// ═══════════════════════════════════════════════════════════════════════════════

// cleanup drops a ledger position the broker no longer holds
func (e *Executor) cleanup(ctx context.Context, r *Report, a Action) (Result, error) {
	res := Result{Action: a}
	qty, err := e.brokerQty(ctx, a.Ticker)
	if err != nil {
		return failed(res, err), err
	}
	if !qty.IsZero() {
		res.Outcome = OutcomeSkipped
		res.Reason = "BROKER_HOLDS"
		return res, nil
	}
	return e.closeStale(ctx, r, res)
}

// closeStale closes a tracked position whose broker quantity is already zero
func (e *Executor) closeStale(ctx context.Context, r *Report, res Result) (Result, error) {
	pos, ok := e.positions.Get(res.Action.Ticker)
	if !ok {
		res.Outcome = OutcomeSkipped
		res.Reason = SkipAlreadyClosed
		return res, nil
	}

	reason, price := types.ReasonExternalClose, decimal.Zero
	if filled, ok, err := e.filledStop(ctx, pos); err != nil {
		return failed(res, err), err
	} else if ok {
		reason, price = types.ReasonATRStop, filled
	}

	// A stop left working against a flat position would open a short
	if err := e.cancelStops(ctx, res.Action.Ticker); err != nil {
		return failed(res, err), err
	}

	rec, err := e.positions.Close(pos.Ticker, price, reason)
	if err != nil {
		return failed(res, err), err
	}
	e.recordExit(r, rec)

	res.Outcome = OutcomeDone
	res.Reason = reason
	res.Price = price
	res.Quantity = pos.Quantity
	return res, nil
}

// close exits a position (tracked or untracked) with a market order
func (e *Executor) close(ctx context.Context, r *Report, a Action) (Result, error) {
	res := Result{Action: a}
	pos, tracked := e.positions.Get(a.Ticker)

	qty, err := e.brokerQty(ctx, a.Ticker)
	if err != nil {
		return failed(res, err), err
	}
	if qty.IsZero() {
		if tracked {
			return e.closeStale(ctx, r, res)
		}
		res.Outcome = OutcomeSkipped
		res.Reason = SkipAlreadyClosed
		return res, nil
	}

	if tracked {
		if err := e.cancelStops(ctx, a.Ticker); err != nil {
			return failed(res, err), err
		}
		// The stop may have filled between plan and cancel
		if qty, err = e.brokerQty(ctx, a.Ticker); err != nil {
			return failed(res, err), err
		}
		if qty.IsZero() {
			return e.closeStale(ctx, r, res)
		}
	}

	side := types.Sell
	if qty.IsNegative() {
		side = types.Buy
	}
	o, err := e.market(ctx, r, a, side, qty.Abs())
	if err != nil {
		if tracked {
			if rerr := e.afterFailedTrade(ctx, r, pos, qty, err); rerr != nil {
				return failed(res, rerr), rerr
			}
		}
		return failed(res, err), fatal(err)
	}

	res.OrderID = o.ID
	res.Price = o.AvgPrice
	res.Quantity = o.FilledQty
	res.Outcome = OutcomeDone

	if !tracked {
		e.positions.RecordUntrackedExit(a.Ticker, o.FilledQty, o.AvgPrice)
		metrics.Exits.WithLabelValues(types.ReasonUntracked).Inc()
		return res, nil
	}

	rec, err := e.positions.Close(a.Ticker, o.AvgPrice, a.Reason)
	if err != nil {
		return failed(res, err), err
	}
	e.recordExit(r, rec)
	return res, nil
}

// adjust trades the delta to the target quantity
func (e *Executor) adjust(ctx context.Context, r *Report, a Action) (Result, error) {
	res := Result{Action: a}
	pos, tracked := e.positions.Get(a.Ticker)

	qty, err := e.brokerQty(ctx, a.Ticker)
	if err != nil {
		return failed(res, err), err
	}
	delta := a.Target.Sub(qty)
	if delta.IsZero() {
		res.Outcome = OutcomeSkipped
		res.Reason = SkipAlreadyDone
		return res, nil
	}
	side := types.Buy
	if delta.IsNegative() {
		side = types.Sell
	}

	if tracked {
		if err := e.cancelStops(ctx, a.Ticker); err != nil {
			return failed(res, err), err
		}
	}

	o, err := e.market(ctx, r, a, side, delta.Abs())
	if err != nil {
		if tracked {
			if rerr := e.afterFailedTrade(ctx, r, pos, qty, err); rerr != nil {
				return failed(res, rerr), rerr
			}
		}
		return failed(res, err), fatal(err)
	}

	newQty := qty.Add(o.FilledQty)
	if side == types.Sell {
		newQty = qty.Sub(o.FilledQty)
	}
	res.OrderID = o.ID
	res.Price = o.AvgPrice
	res.Quantity = o.FilledQty
	res.Outcome = OutcomeDone

	if !tracked {
		return res, nil
	}

	// Same stop price, new size
	stopID, stopErr := e.placeStop(ctx, r, a, newQty, pos.StopPrice)
	unprotected := stopErr != nil
	if err := e.positions.Adjust(a.Ticker, newQty, stopID, unprotected); err != nil {
		return failed(res, err), err
	}
	res.StopPrice = pos.StopPrice
	if unprotected {
		e.alertUnprotected(a.Ticker, newQty, pos.StopPrice, stopErr)
		return res, fatal(stopErr)
	}
	return res, nil
}

// protect places the missing stop for an unprotected position
func (e *Executor) protect(ctx context.Context, r *Report, a Action) (Result, error) {
	res := Result{Action: a}
	pos, ok := e.positions.Get(a.Ticker)
	if !ok {
		res.Outcome = OutcomeSkipped
		return res, nil
	}
	qty, err := e.brokerQty(ctx, a.Ticker)
	if err != nil {
		return failed(res, err), err
	}
	if qty.IsZero() {
		return e.closeStale(ctx, r, res)
	}

	stopID, err := e.placeStop(ctx, r, a, qty, pos.StopPrice)
	if err != nil {
		e.alertUnprotected(a.Ticker, qty, pos.StopPrice, err)
		return failed(res, err), fatal(err)
	}
	if err := e.positions.MarkProtected(a.Ticker, stopID); err != nil {
		return failed(res, err), err
	}
	res.Outcome = OutcomeDone
	res.OrderID = stopID
	res.StopPrice = pos.StopPrice
	return res, nil
}

// enter buys a confirmed entry and places its stop
func (e *Executor) enter(ctx context.Context, r *Report, a Action) (Result, error) {
	res := Result{Action: a}
	if e.positions.Has(a.Ticker) {
		res.Outcome = OutcomeSkipped
		res.Reason = SkipAlreadyDone
		return res, nil
	}

	qty, err := e.brokerQty(ctx, a.Ticker)
	if err != nil {
		return failed(res, err), err
	}

	var entryPrice, filled decimal.Decimal
	reason := types.ReasonNewSignal
	if qty.IsPositive() {
		// Filled on a previous run that died before the ledger write
		entryPrice, filled, reason = a.RefPrice, qty, types.ReasonAdopted
		log.Warn().Str("ticker", a.Ticker).Str("qty", qty.String()).Msg("♻️ Entry already filled at broker, recording")
	} else {
		o, err := e.market(ctx, r, a, types.Buy, a.Quantity)
		if err != nil {
			return failed(res, err), fatal(err)
		}
		entryPrice, filled = o.AvgPrice, o.FilledQty
		res.OrderID = o.ID
	}

	stop := risk.StopPrice(entryPrice, a.ATR, e.cfg.ATRStopMult)
	stopID, stopErr := e.placeStop(ctx, r, a, filled, stop)

	pos := types.Position{
		Ticker:       a.Ticker,
		Quantity:     filled,
		EntryPrice:   entryPrice,
		StopPrice:    stop,
		ATRAtEntry:   decimal.NewFromFloat(a.ATR),
		EntryOrderID: res.OrderID,
		StopOrderID:  stopID,
		EntryDate:    time.Now().UTC(),
		Unprotected:  stopErr != nil,
	}
	if err := e.positions.Record(pos, reason); err != nil {
		return failed(res, err), err
	}

	res.Outcome = OutcomeDone
	res.Reason = reason
	res.Price = entryPrice
	res.Quantity = filled
	res.StopPrice = stop
	if stopErr != nil {
		e.alertUnprotected(a.Ticker, filled, stop, stopErr)
		res.Err = stopErr
		return res, fatal(stopErr)
	}
	return res, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// market submits a market order and waits for its fill. An order that never
// fills is cancelled and reported as a rejection.
func (e *Executor) market(ctx context.Context, r *Report, a Action, side types.Side, qty decimal.Decimal) (broker.Order, error) {
	req := broker.OrderRequest{
		Ticker:   a.Ticker,
		Quantity: qty,
		Side:     side,
		Type:     types.Market,
		RefPrice: a.RefPrice,
	}
	o, err := e.place(ctx, r, a.Kind, req)
	if err != nil {
		return o, err
	}

	if o.Status.Open() {
		o, err = broker.WaitFill(ctx, e.gw, o.ID, e.cfg.FillTimeout, e.cfg.FillPoll)
		if err != nil {
			return o, err
		}
	}
	if o.Status.Open() {
		log.Warn().Str("ticker", a.Ticker).Str("order_id", o.ID).Dur("timeout", e.cfg.FillTimeout).Msg("⏱️ Fill timeout, cancelling")
		if err := e.gw.CancelOrder(ctx, o.ID); err != nil && broker.IsConnectivity(err) {
			return o, err
		}
	}
	if !o.FilledQty.IsPositive() {
		return o, &broker.RejectionError{Op: "fill", Ticker: a.Ticker, Reason: fmt.Sprintf("order %s %s without fill", o.ID, o.Status)}
	}
	if !o.AvgPrice.IsPositive() {
		o.AvgPrice = a.RefPrice
	}
	return o, nil
}

// placeStop places a protective stop for qty; returns the stop order id
func (e *Executor) placeStop(ctx context.Context, r *Report, a Action, qty, stop decimal.Decimal) (string, error) {
	side := types.Sell
	if qty.IsNegative() {
		side = types.Buy
	}
	o, err := e.place(ctx, r, a.Kind, broker.OrderRequest{
		Ticker:    a.Ticker,
		Quantity:  qty.Abs(),
		Side:      side,
		Type:      types.Stop,
		StopPrice: stop,
	})
	if err != nil {
		log.Error().Err(err).Str("ticker", a.Ticker).Str("stop", stop.StringFixed(2)).Msg("⚠️ Stop placement failed")
		return "", err
	}
	return o.ID, nil
}

// afterFailedTrade deals with a tracked position whose stop was cancelled
// but whose trade did not go through. A rejected trade gets its stop back; an
// unknown outcome is only marked unprotected so the next cycle re-checks it.
func (e *Executor) afterFailedTrade(ctx context.Context, r *Report, pos types.Position, qty decimal.Decimal, cause error) error {
	if broker.IsRejection(cause) {
		return e.reprotect(ctx, r, pos, qty)
	}
	return e.positions.Adjust(pos.Ticker, qty.Abs(), "", true)
}

// reprotect restores the stop after a cancelled-then-rejected trade
func (e *Executor) reprotect(ctx context.Context, r *Report, pos types.Position, qty decimal.Decimal) error {
	a := Action{Kind: KindProtect, Ticker: pos.Ticker}
	stopID, err := e.placeStop(ctx, r, a, qty, pos.StopPrice)
	if err != nil {
		if aerr := e.positions.Adjust(pos.Ticker, qty.Abs(), "", true); aerr != nil {
			return aerr
		}
		e.alertUnprotected(pos.Ticker, qty, pos.StopPrice, err)
		return fatal(err)
	}
	return e.positions.Adjust(pos.Ticker, qty.Abs(), stopID, false)
}

func (e *Executor) place(ctx context.Context, r *Report, kind ActionKind, req broker.OrderRequest) (broker.Order, error) {
	o, err := e.gw.PlaceOrder(ctx, req)
	result := "ok"
	switch {
	case broker.IsRejection(err):
		result = "rejected"
	case err != nil:
		result = "error"
	default:
		r.OrdersPlaced++
	}
	metrics.Orders.WithLabelValues(string(kind), string(req.Side), result).Inc()
	return o, err
}

// cancelStops cancels every working stop for ticker. Cancelling an order that
// already finished is a rejection and is ignored.
func (e *Executor) cancelStops(ctx context.Context, ticker string) error {
	orders, err := e.gw.OpenOrders(ctx)
	if err != nil {
		return err
	}
	for _, o := range broker.StopOrders(orders)[ticker] {
		if err := e.gw.CancelOrder(ctx, o.ID); err != nil {
			if broker.IsConnectivity(err) {
				return err
			}
			log.Debug().Err(err).Str("order_id", o.ID).Msg("stop cancel refused")
		}
	}
	return nil
}

// filledStop reports whether the position's stop order filled, and at what price
func (e *Executor) filledStop(ctx context.Context, pos types.Position) (decimal.Decimal, bool, error) {
	if pos.StopOrderID == "" {
		return decimal.Zero, false, nil
	}
	o, err := e.gw.Order(ctx, pos.StopOrderID)
	if err != nil {
		if broker.IsConnectivity(err) {
			return decimal.Zero, false, err
		}
		return decimal.Zero, false, nil
	}
	if o.Status != broker.StatusFilled {
		return decimal.Zero, false, nil
	}
	price := o.AvgPrice
	if !price.IsPositive() {
		price = pos.StopPrice
	}
	return price, true, nil
}

func (e *Executor) brokerQty(ctx context.Context, ticker string) (decimal.Decimal, error) {
	pos, err := e.gw.Positions(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return pos[ticker], nil
}

func (e *Executor) recordExit(r *Report, rec types.TradeRecord) {
	r.Trades = append(r.Trades, rec)
	metrics.Exits.WithLabelValues(rec.Reason).Inc()
}

func (e *Executor) alertUnprotected(ticker string, qty, stop decimal.Decimal, err error) {
	log.Error().
		Err(err).
		Str("ticker", ticker).
		Str("qty", qty.String()).
		Str("stop", stop.StringFixed(2)).
		Msg("🚨 POSITION UNPROTECTED")
	if e.alert != nil {
		e.alert.AlertUnprotected(ticker, qty, stop, err)
	}
}

// fatal keeps only errors that must stop the cycle
func fatal(err error) error {
	if err == nil || broker.IsRejection(err) {
		return nil
	}
	return err
}

func failed(res Result, err error) Result {
	res.Err = err
	res.Outcome = OutcomeFailed
	if broker.IsRejection(err) {
		res.Outcome = OutcomeRejected
	}
	return res
}

func logResult(res Result) {
	ev := log.Info()
	if res.Outcome == OutcomeFailed || res.Outcome == OutcomeRejected {
		ev = log.Warn().Err(res.Err)
	}
	ev.Str("kind", string(res.Action.Kind)).
		Str("ticker", res.Action.Ticker).
		Str("outcome", string(res.Outcome)).
		Str("reason", res.Reason).
		Str("order_id", res.OrderID).
		Str("qty", res.Quantity.String()).
		Str("price", res.Price.StringFixed(2)).
		Msg("📋 Action")
}

// IsAborted reports whether err came from an aborted cycle
func IsAborted(err error) bool {
	return errors.Is(err, ErrCycleAborted)
}
