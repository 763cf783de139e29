package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/quadbot/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestHTTPGatewayPositionsAndOrders(t *testing.T) {
	var placed OrderRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != userAgent {
			t.Errorf("user agent = %q", r.Header.Get("User-Agent"))
		}
		w.Write([]byte(`{"positions":[{"ticker":"QQQ","quantity":"12.5"},{"ticker":"XLE","quantity":"0"}]}`))
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"equity":"100000.50"}`))
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Write([]byte(`{"orders":[{"order_id":"S1","ticker":"QQQ","type":"STP","side":"SELL","quantity":"12.5","stop_price":"45","status":"SUBMITTED"}]}`))
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&placed); err != nil {
			t.Error(err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if placed.Ticker == "BAD" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"error":"contract not found"}`))
			return
		}
		json.NewEncoder(w).Encode(Order{
			ID: "O1", Ticker: placed.Ticker, Side: placed.Side, Type: placed.Type,
			Quantity: placed.Quantity, FilledQty: placed.Quantity, AvgPrice: dec("50"), Status: StatusFilled,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := NewHTTPGateway(srv.URL+"/", time.Second)
	ctx := context.Background()

	pos, err := g.Positions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pos) != 1 || !pos["QQQ"].Equal(dec("12.5")) {
		t.Errorf("positions = %v", pos)
	}

	eq, err := g.Equity(ctx)
	if err != nil || !eq.Equal(dec("100000.50")) {
		t.Errorf("equity = %s, %v", eq, err)
	}

	o, err := g.PlaceOrder(ctx, OrderRequest{Ticker: "QQQ", Quantity: dec("10"), Side: types.Buy, Type: types.Market})
	if err != nil {
		t.Fatal(err)
	}
	if o.ID != "O1" || o.Status != StatusFilled || placed.ClientID == "" {
		t.Errorf("order = %+v, client id %q", o, placed.ClientID)
	}

	_, err = g.PlaceOrder(ctx, OrderRequest{Ticker: "BAD", Quantity: dec("1"), Side: types.Buy, Type: types.Market})
	if !IsRejection(err) || IsConnectivity(err) {
		t.Errorf("4xx err = %v, want rejection", err)
	}

	open, err := g.OpenOrders(ctx)
	if err != nil || len(open) != 1 || open[0].Type != types.Stop {
		t.Errorf("open orders = %+v, %v", open, err)
	}
}

func TestHTTPGatewayConnectivityErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	g := NewHTTPGateway(srv.URL, time.Second)
	if _, err := g.Positions(context.Background()); !IsConnectivity(err) {
		t.Errorf("5xx err = %v, want connectivity", err)
	}
	srv.Close()

	if _, err := g.Positions(context.Background()); !IsConnectivity(err) {
		t.Errorf("closed server err = %v, want connectivity", err)
	}
}

func TestPaperFillsAndStops(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(dec("10000"), 0)
	p.SetPrice("QQQ", dec("50"))

	buy, err := p.PlaceOrder(ctx, OrderRequest{Ticker: "QQQ", Quantity: dec("100"), Side: types.Buy, Type: types.Market})
	if err != nil || buy.Status != StatusFilled || !buy.AvgPrice.Equal(dec("50")) {
		t.Fatalf("buy = %+v, %v", buy, err)
	}

	stop, err := p.PlaceOrder(ctx, OrderRequest{Ticker: "QQQ", Quantity: dec("100"), Side: types.Sell, Type: types.Stop, StopPrice: dec("45")})
	if err != nil || stop.Status != StatusSubmitted {
		t.Fatalf("stop = %+v, %v", stop, err)
	}

	p.SetPrice("QQQ", dec("44.5"))
	filled := p.TriggerStops()
	if len(filled) != 1 || filled[0].ID != stop.ID {
		t.Fatalf("triggered = %+v", filled)
	}
	pos, _ := p.Positions(ctx)
	if len(pos) != 0 {
		t.Errorf("positions after stop = %v", pos)
	}
	eq, _ := p.Equity(ctx)
	if !eq.Equal(dec("9450")) {
		t.Errorf("equity = %s, want 9450", eq)
	}

	if _, err := p.PlaceOrder(ctx, OrderRequest{Ticker: "QQQ", Quantity: dec("1"), Side: types.Sell, Type: types.Market}); !IsRejection(err) {
		t.Errorf("oversell err = %v, want rejection", err)
	}
	if err := p.CancelOrder(ctx, stop.ID); !IsRejection(err) {
		t.Errorf("cancel filled stop err = %v, want rejection", err)
	}
}

func TestPaperFailureInjection(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(dec("1000"), 0)
	p.SetPrice("XLE", dec("10"))
	p.RejectStops(true)

	_, err := p.PlaceOrder(ctx, OrderRequest{Ticker: "XLE", Quantity: dec("1"), Side: types.Sell, Type: types.Stop, StopPrice: dec("9")})
	if !IsRejection(err) {
		t.Errorf("stop err = %v, want rejection", err)
	}

	p.FailAfterWrites(1)
	if _, err := p.PlaceOrder(ctx, OrderRequest{Ticker: "XLE", Quantity: dec("1"), Side: types.Buy, Type: types.Market}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.PlaceOrder(ctx, OrderRequest{Ticker: "XLE", Quantity: dec("1"), Side: types.Buy, Type: types.Market}); !IsConnectivity(err) {
		t.Errorf("err = %v, want connectivity", err)
	}
	if _, err := p.Positions(ctx); !IsConnectivity(err) {
		t.Error("broker should stay offline after the injected failure")
	}
}

func TestDryRunNeverSubmits(t *testing.T) {
	ctx := context.Background()
	inner := NewPaper(dec("1000"), 0)
	inner.SetPosition("GLD", dec("3"))
	d := NewDryRun(inner)

	o, err := d.PlaceOrder(ctx, OrderRequest{Ticker: "GLD", Quantity: dec("3"), Side: types.Sell, Type: types.Market, RefPrice: dec("180")})
	if err != nil || o.Status != StatusFilled || !o.AvgPrice.Equal(dec("180")) {
		t.Fatalf("dry order = %+v, %v", o, err)
	}
	got, err := d.Order(ctx, o.ID)
	if err != nil || got.ID != o.ID {
		t.Errorf("lookup = %+v, %v", got, err)
	}
	if err := d.CancelOrder(ctx, "whatever"); err != nil {
		t.Error(err)
	}
	if len(inner.History()) != 0 {
		t.Error("dry run reached the inner gateway")
	}
	pos, _ := d.Positions(ctx)
	if !pos["GLD"].Equal(dec("3")) {
		t.Errorf("reads must pass through, got %v", pos)
	}
	if len(d.Orders()) != 1 {
		t.Errorf("would-be orders = %d", len(d.Orders()))
	}
}

type flaky struct {
	*Paper
	calls int
	fails int
}

func (f *flaky) Positions(ctx context.Context) (map[string]decimal.Decimal, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, &ConnectivityError{Op: "positions", Err: errors.New("timeout")}
	}
	return f.Paper.Positions(ctx)
}

func TestGuardedRetriesReadsAndTrips(t *testing.T) {
	ctx := context.Background()
	f := &flaky{Paper: NewPaper(dec("1"), 0), fails: 2}
	g := NewGuarded(f, NewCircuitBreaker(5, time.Minute), 2, time.Millisecond)

	if _, err := g.Positions(ctx); err != nil {
		t.Fatalf("retry should recover, got %v", err)
	}
	if f.calls != 3 {
		t.Errorf("calls = %d, want 3", f.calls)
	}

	f2 := &flaky{Paper: NewPaper(dec("1"), 0), fails: 100}
	g2 := NewGuarded(f2, NewCircuitBreaker(3, time.Minute), 5, time.Millisecond)
	_, err := g2.Positions(ctx)
	if !errors.Is(err, ErrCircuitOpen) || !IsConnectivity(err) {
		t.Errorf("err = %v, want open circuit", err)
	}
	if f2.calls != 3 {
		t.Errorf("calls = %d, want 3 before tripping", f2.calls)
	}
	if _, err := g2.PlaceOrder(ctx, OrderRequest{Ticker: "A", Quantity: dec("1"), Side: types.Buy, Type: types.Market}); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("write while open err = %v", err)
	}
}
