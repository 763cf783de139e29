package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/quadbot/core"
	"github.com/web3guy0/quadbot/ledger"
	"github.com/web3guy0/quadbot/storage"
	"github.com/web3guy0/quadbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATUS API - Read-only view of the ledger for scheduled mode
// ═══════════════════════════════════════════════════════════════════════════════
//
//   GET /healthz     liveness + unprotected count
//   GET /status      last night/morning runs
//   GET /positions   tracked positions
//   GET /pending     staged entries
//   GET /trades      recent trades (database only)
//   GET /stats       trade statistics (database only)
//   GET /metrics     Prometheus
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatusSource is what the API reads. core.Engine implements it.
type StatusSource interface {
	Positions() []types.Position
	Pending() ([]types.PendingEntry, error)
	LastRuns() map[string]core.Run
	DryRun() bool
}

// Server represents the HTTP status server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	addr       string
	source     StatusSource
	db         *storage.Database // optional
	now        func() time.Time
}

// NewServer creates the status server. db may be nil.
func NewServer(addr string, source StatusSource, db *storage.Database) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router: router,
		addr:   addr,
		source: source,
		db:     db,
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/positions", s.handlePositions)
	s.router.GET("/pending", s.handlePending)
	s.router.GET("/trades", s.handleTrades)
	s.router.GET("/stats", s.handleStats)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Handler exposes the router (tests)
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("🌐 Status API listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealth(c *gin.Context) {
	unprotected := 0
	for _, p := range s.source.Positions() {
		if p.Unprotected {
			unprotected++
		}
	}
	status := "healthy"
	if unprotected > 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"unprotected": unprotected,
		"time":        s.now().UTC(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	positions := s.source.Positions()
	var unprotected []string
	for _, p := range positions {
		if p.Unprotected {
			unprotected = append(unprotected, p.Ticker)
		}
	}
	_, pendingErr := s.source.Pending()

	c.JSON(http.StatusOK, gin.H{
		"dry_run":     s.source.DryRun(),
		"positions":   len(positions),
		"unprotected": unprotected,
		"staged":      pendingErr == nil,
		"last_runs":   s.source.LastRuns(),
	})
}

type positionView struct {
	Ticker      string    `json:"ticker"`
	Quantity    string    `json:"quantity"`
	EntryPrice  string    `json:"entry_price"`
	StopPrice   string    `json:"stop_price"`
	EntryDate   time.Time `json:"entry_date"`
	DaysHeld    int       `json:"days_held"`
	Unprotected bool      `json:"unprotected"`
}

func (s *Server) handlePositions(c *gin.Context) {
	now := s.now()
	positions := s.source.Positions()
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionView{
			Ticker:      p.Ticker,
			Quantity:    p.Quantity.String(),
			EntryPrice:  p.EntryPrice.StringFixed(2),
			StopPrice:   p.StopPrice.StringFixed(2),
			EntryDate:   p.EntryDate,
			DaysHeld:    int(now.Sub(p.EntryDate).Hours() / 24),
			Unprotected: p.Unprotected,
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

type pendingView struct {
	Ticker        string    `json:"ticker"`
	Weight        float64   `json:"weight"`
	EMAAtSignal   float64   `json:"ema_at_signal"`
	ATR           float64   `json:"atr"`
	PriceAtSignal float64   `json:"price_at_signal"`
	SignalDate    time.Time `json:"signal_date"`
}

func (s *Server) handlePending(c *gin.Context) {
	entries, err := s.source.Pending()
	if errors.Is(err, ledger.ErrNoPending) {
		c.JSON(http.StatusOK, gin.H{"entries": []pendingView{}})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]pendingView, 0, len(entries))
	for _, e := range entries {
		out = append(out, pendingView{
			Ticker:        e.Ticker,
			Weight:        e.Weight,
			EMAAtSignal:   e.EMAAtSignal,
			ATR:           e.ATR,
			PriceAtSignal: e.PriceAtSignal,
			SignalDate:    e.SignalDate,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

func (s *Server) handleTrades(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "database disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1..1000"})
		return
	}

	var rows []storage.TradeRow
	if ticker := c.Query("ticker"); ticker != "" {
		rows, err = s.db.GetTradesByTicker(ticker)
	} else {
		rows, err = s.db.GetRecentTrades(limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": rows})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "database disabled"})
		return
	}
	stats, err := s.db.GetTradeStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":   stats.Entries,
		"exits":     stats.Exits,
		"wins":      stats.Wins,
		"losses":    stats.Losses,
		"win_rate":  stats.WinRate(),
		"total_pnl": stats.TotalPnL.StringFixed(2),
		"by_reason": stats.ByReason,
	})
}
