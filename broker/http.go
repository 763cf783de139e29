package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP BRIDGE - JSON gateway to the brokerage sidecar
// ═══════════════════════════════════════════════════════════════════════════════
//
//   GET    /positions            {"positions":[{"ticker","quantity"}]}
//   GET    /account              {"equity"}
//   POST   /orders               OrderRequest → Order
//   DELETE /orders/{id}
//   GET    /orders?status=open   {"orders":[Order]}
//   GET    /orders/{id}          Order
//
// Transport failures and 5xx → ConnectivityError. 4xx → RejectionError.
//
// ═══════════════════════════════════════════════════════════════════════════════

const userAgent = "quadbot/bridge"

// HTTPGateway talks to the brokerage bridge
type HTTPGateway struct {
	base string
	hc   *http.Client
}

// NewHTTPGateway creates a gateway; timeout bounds every request
func NewHTTPGateway(base string, timeout time.Duration) *HTTPGateway {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = "http://127.0.0.1:7497"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPGateway{
		base: base,
		hc:   &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Name() string { return "bridge(" + g.base + ")" }

func (g *HTTPGateway) Positions(ctx context.Context) (map[string]decimal.Decimal, error) {
	var out struct {
		Positions []struct {
			Ticker   string          `json:"ticker"`
			Quantity decimal.Decimal `json:"quantity"`
		} `json:"positions"`
	}
	if err := g.do(ctx, "positions", http.MethodGet, "/positions", nil, &out); err != nil {
		return nil, err
	}
	positions := make(map[string]decimal.Decimal, len(out.Positions))
	for _, p := range out.Positions {
		if p.Ticker == "" || p.Quantity.IsZero() {
			continue
		}
		positions[p.Ticker] = positions[p.Ticker].Add(p.Quantity)
	}
	return positions, nil
}

func (g *HTTPGateway) Equity(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		Equity decimal.Decimal `json:"equity"`
	}
	if err := g.do(ctx, "equity", http.MethodGet, "/account", nil, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Equity, nil
}

func (g *HTTPGateway) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := req.Validate(); err != nil {
		return Order{}, err
	}
	if req.ClientID == "" {
		req.ClientID = uuid.New().String() // dedupe key for bridge-side retries
	}

	var o Order
	if err := g.do(ctx, "place", http.MethodPost, "/orders", req, &o); err != nil {
		var re *RejectionError
		if errors.As(err, &re) {
			re.Ticker = req.Ticker
		}
		return Order{}, err
	}
	if o.ID == "" {
		return Order{}, &ConnectivityError{Op: "place", Err: fmt.Errorf("bridge returned no order id for %s", req.Ticker)}
	}
	if o.Status == StatusRejected {
		return o, &RejectionError{Op: "place", Ticker: req.Ticker, Reason: "rejected by broker"}
	}
	return o, nil
}

func (g *HTTPGateway) CancelOrder(ctx context.Context, orderID string) error {
	return g.do(ctx, "cancel", http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, nil)
}

func (g *HTTPGateway) OpenOrders(ctx context.Context) ([]Order, error) {
	var out struct {
		Orders []Order `json:"orders"`
	}
	if err := g.do(ctx, "open_orders", http.MethodGet, "/orders?status=open", nil, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

func (g *HTTPGateway) Order(ctx context.Context, orderID string) (Order, error) {
	var o Order
	err := g.do(ctx, "order", http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &o)
	return o, err
}

// do performs one request and classifies the failure
func (g *HTTPGateway) do(ctx context.Context, op, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", op, err)
		}
		rdr = bytes.NewReader(bs)
	}

	u := g.base + path
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("newrequest %s: %w (url=%s)", op, err, u)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := g.hc.Do(req)
	if err != nil {
		return &ConnectivityError{Op: op, Err: err}
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return &ConnectivityError{Op: op, Err: err}
	}

	switch {
	case res.StatusCode >= 500:
		return &ConnectivityError{Op: op, Err: fmt.Errorf("status %d: %s", res.StatusCode, snippet(b))}
	case res.StatusCode >= 400:
		return &RejectionError{Op: op, Reason: fmt.Sprintf("status %d: %s", res.StatusCode, reason(b))}
	}

	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		log.Debug().Str("op", op).Str("body", snippet(b)).Msg("bridge response not decodable")
		return &ConnectivityError{Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

// reason extracts {"error": "..."} or {"reason": "..."} when present
func reason(b []byte) string {
	var e struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if json.Unmarshal(b, &e) == nil {
		if e.Reason != "" {
			return e.Reason
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return snippet(b)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
