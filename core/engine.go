package core

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

	"github.com/web3guy0/quadbot/bot"
	"github.com/web3guy0/quadbot/broker"
	"github.com/web3guy0/quadbot/execution"
	"github.com/web3guy0/quadbot/feeds"
	"github.com/web3guy0/quadbot/ledger"
	"github.com/web3guy0/quadbot/lock"
	"github.com/web3guy0/quadbot/metrics"
	"github.com/web3guy0/quadbot/storage"
	"github.com/web3guy0/quadbot/strategy"
	"github.com/web3guy0/quadbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Night / morning cycle orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Night (after close):
//   Regimes → Signals → Allocation → Stage pending entries → Night summary
//
// Morning (before open):
//   Confirm pending → Sync broker → Fresh signals → Plan → Execute → Consume
//
// Both steps hold the cycle lock. A morning that aborts on connectivity keeps
// the pending file, so re-running it converges on the same target.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Step names
const (
	StepNight   = "night"
	StepMorning = "morning"
)

// Cycle results
const (
	ResultOK      = "ok"
	ResultNoOp    = "noop"
	ResultLocked  = "locked"
	ResultAborted = "aborted"
	ResultError   = "error"
)

// Config for the cycle engine
type Config struct {
	Books       strategy.Books
	Multipliers strategy.Multipliers
	Allocation  strategy.AllocationConfig
	Execution   execution.Config
	DryRun      bool
}

// Deps are the engine's collaborators. DB and Notifier are optional.
type Deps struct {
	Feed      feeds.SignalFeed
	Gateway   broker.Gateway
	Pending   *ledger.Pending
	Positions *ledger.Positions
	Lock      lock.Locker
	Notifier  bot.Notifier
	DB        *storage.Database
}

// Run is the last outcome of a step
type Run struct {
	CycleID    string    `json:"cycle_id"`
	Step       string    `json:"step"`
	DryRun     bool      `json:"dry_run"`
	Result     string    `json:"result"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// NightResult is what the night step produced
type NightResult struct {
	CycleID    string
	Selection  strategy.Selection
	Allocation types.TargetAllocation
	Staged     ledger.PendingFile
}

// MorningResult is what the morning step did
type MorningResult struct {
	CycleID      string
	NoOp         bool
	Confirmation ledger.Confirmation
	Plan         execution.Plan
	Report       execution.Report
}

type Engine struct {
	mu sync.RWMutex

	cfg       Config
	feed      feeds.SignalFeed
	gw        broker.Gateway
	pending   *ledger.Pending
	positions *ledger.Positions
	locker    lock.Locker
	notifier  bot.Notifier
	db        *storage.Database

	now  func() time.Time
	last map[string]Run
}

// NewEngine creates the cycle engine
func NewEngine(cfg Config, deps Deps) *Engine {
	if deps.Notifier == nil {
		deps.Notifier = bot.Nop{}
	}
	return &Engine{
		cfg:       cfg,
		feed:      deps.Feed,
		gw:        deps.Gateway,
		pending:   deps.Pending,
		positions: deps.Positions,
		locker:    deps.Lock,
		notifier:  deps.Notifier,
		db:        deps.DB,
		now:       time.Now,
		last:      make(map[string]Run),
	}
}

// SetClock overrides time.Now
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// DryRun reports whether orders are simulated
func (e *Engine) DryRun() bool {
	return e.cfg.DryRun
}

// ═══════════════════════════════════════════════════════════════════════════════
// NIGHT
// ═══════════════════════════════════════════════════════════════════════════════

// Night scores the regimes, builds the target and stages entries for the morning
func (e *Engine) Night(ctx context.Context) (res NightResult, err error) {
	run := e.begin(StepNight)
	res.CycleID = run.cycleID
	defer func() { e.end(run, err) }()

	release, err := e.acquire(ctx)
	if err != nil {
		return res, err
	}
	defer e.release(release)

	asOf := e.clock()
	sel, err := strategy.NewRegimeScorer(e.cfg.Books, e.cfg.Multipliers).Score(ctx, e.feed, asOf)
	if err != nil {
		return res, fmt.Errorf("night: %w", err)
	}
	res.Selection = sel

	universe := e.cfg.Books.Universe(sel.Selected...)
	signals, err := e.feed.Signals(ctx, universe, asOf)
	if err != nil {
		return res, fmt.Errorf("night: signals: %w", err)
	}

	alloc := strategy.BuildAllocation(sel, e.cfg.Books, signals, e.cfg.Allocation)
	res.Allocation = alloc

	open := e.positions.Tickers()
	file, err := e.pending.Stage(alloc, open, asOf)
	if err != nil {
		return res, fmt.Errorf("night: stage: %w", err)
	}
	res.Staged = file

	// Equity only sizes the summary; the morning re-reads it
	equity, eqErr := e.gw.Equity(ctx)
	if eqErr != nil {
		log.Warn().Err(eqErr).Msg("⚠️ Equity unavailable for night summary")
		equity = decimal.Zero
	}

	metrics.TargetLeverage.Set(sel.Leverage)
	for _, sc := range sel.Scores {
		metrics.RegimeMomentum.WithLabelValues(sc.Regime.String()).Set(sc.Momentum)
	}

	run.rec.Regimes = joinRegimes(sel.Selected)
	run.rec.Leverage = sel.Leverage
	run.rec.Staged = len(file.Entries)

	log.Info().
		Str("cycle_id", run.cycleID).
		Int("targets", len(alloc.Weights)).
		Int("staged", len(file.Entries)).
		Float64("leverage", alloc.Leverage).
		Msg("🌙 Night plan ready")

	e.notifier.NotifyNight(NightSummary(asOf, e.cfg.DryRun, sel, alloc, open, equity, len(file.Entries)))
	return res, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// MORNING
// ═══════════════════════════════════════════════════════════════════════════════

// Morning confirms the staged entries and reconciles the account to the target
func (e *Engine) Morning(ctx context.Context) (res MorningResult, err error) {
	run := e.begin(StepMorning)
	res.CycleID = run.cycleID
	defer func() { e.end(run, err) }()

	release, err := e.acquire(ctx)
	if err != nil {
		return res, err
	}
	defer e.release(release)

	asOf := e.clock()
	conf, err := e.pending.Confirm(ctx, e.feed, asOf)
	if errors.Is(err, ledger.ErrNoPending) {
		log.Info().Str("cycle_id", run.cycleID).Msg("📭 No pending entries, nothing to do")
		run.rec.Result = ResultNoOp
		res.NoOp = true
		e.notifier.NotifyMorning(bot.MorningSummary{Date: asOf, DryRun: e.cfg.DryRun, NoOp: true})
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("morning: %w", err)
	}
	res.Confirmation = conf
	run.rec.Confirmed = len(conf.Confirmed)
	run.rec.Rejected = len(conf.Rejected)
	run.rec.Regimes = joinRegimes(conf.File.Metadata.Regimes)
	run.rec.Leverage = conf.File.Metadata.TotalLeverage

	gw, positions := e.gw, e.positions
	if e.cfg.DryRun {
		gw = broker.NewDryRun(gw)
		positions = positions.Shadow()
	}

	held, err := gw.Positions(ctx)
	if err != nil {
		return res, fmt.Errorf("morning: broker positions: %w", err)
	}
	positions.Sync(held, e.cfg.Execution.Ignore)

	target := conf.File.Target()
	signals, err := e.feed.Signals(ctx, morningUniverse(target, positions.Tickers(), held), asOf)
	if err != nil {
		return res, fmt.Errorf("morning: signals: %w", err)
	}

	equity, err := gw.Equity(ctx)
	if err != nil {
		return res, fmt.Errorf("morning: equity: %w", err)
	}
	metrics.Equity.Set(equity.InexactFloat64())

	before := positions.All()
	plan := e.cfg.Execution.Plan(execution.Input{
		Target:       target,
		Confirmation: conf,
		Signals:      signals,
		Equity:       equity,
		Broker:       held,
		Positions:    before,
	})
	res.Plan = plan

	report, execErr := execution.NewExecutor(gw, positions, e.cfg.Execution, e.notifier).Execute(ctx, plan)
	res.Report = report
	run.rec.Orders = report.OrdersPlaced
	run.rec.Exits = countExits(report.Trades)

	// An aborted cycle keeps the pending file for the re-run
	if execErr == nil {
		if !e.cfg.DryRun {
			if err := e.pending.Consume(conf); err != nil {
				return res, fmt.Errorf("morning: consume pending: %w", err)
			}
		}
		for _, r := range conf.Rejected {
			metrics.Rejections.WithLabelValues(r.Reason).Inc()
		}
	}

	e.notifier.NotifyMorning(MorningSummary(asOf, e.cfg.DryRun, conf, report, before, positions.All()))
	return res, execErr
}

// morningUniverse is every ticker the plan may touch
func morningUniverse(target types.TargetAllocation, tracked map[string]bool, held map[string]decimal.Decimal) []string {
	seen := make(map[string]bool)
	for t := range target.Weights {
		seen[t] = true
	}
	for t := range tracked {
		seen[t] = true
	}
	for t, q := range held {
		if !q.IsZero() {
			seen[t] = true
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATUS
// ═══════════════════════════════════════════════════════════════════════════════

// Positions returns the tracked positions
func (e *Engine) Positions() []types.Position {
	return e.positions.All()
}

// Pending returns the staged entries, sorted by ticker
func (e *Engine) Pending() ([]types.PendingEntry, error) {
	file, err := e.pending.Load()
	if err != nil {
		return nil, err
	}
	out := make([]types.PendingEntry, 0, len(file.Entries))
	for _, t := range file.Tickers() {
		entry := file.Entries[t]
		entry.Ticker = t
		out = append(out, entry)
	}
	return out, nil
}

// LastRuns returns the last outcome of each step
func (e *Engine) LastRuns() map[string]Run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Run, len(e.last))
	for k, v := range e.last {
		out[k] = v
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// CYCLE BOOKKEEPING
// ═══════════════════════════════════════════════════════════════════════════════

type cycleRun struct {
	cycleID string
	rec     *storage.CycleRun
}

func (e *Engine) begin(step string) *cycleRun {
	id := uuid.New().String()[:8]
	log.Info().
		Str("cycle_id", id).
		Str("step", step).
		Bool("dry_run", e.cfg.DryRun).
		Msg("▶️ Cycle started")
	return &cycleRun{
		cycleID: id,
		rec:     &storage.CycleRun{Step: step, DryRun: e.cfg.DryRun, StartedAt: e.clock()},
	}
}

func (e *Engine) end(run *cycleRun, err error) {
	rec := run.rec
	rec.FinishedAt = e.clock()

	switch {
	case errors.Is(err, lock.ErrHeld):
		rec.Result = ResultLocked
	case execution.IsAborted(err):
		rec.Result = ResultAborted
	case err != nil:
		rec.Result = ResultError
	case rec.Result == "":
		rec.Result = ResultOK
	}

	if err != nil {
		rec.Error = err.Error()
		if rec.Result == ResultLocked {
			log.Warn().Str("cycle_id", run.cycleID).Str("step", rec.Step).Msg("🔒 Another cycle holds the lock, skipping")
		} else {
			log.Error().Err(err).Str("cycle_id", run.cycleID).Str("step", rec.Step).Msg("❌ Cycle failed")
			e.notifier.NotifyError(rec.Step, err)
		}
	} else {
		metrics.LastCycle.WithLabelValues(rec.Step).Set(float64(rec.FinishedAt.Unix()))
		log.Info().
			Str("cycle_id", run.cycleID).
			Str("step", rec.Step).
			Str("result", rec.Result).
			Dur("took", rec.Duration()).
			Msg("✅ Cycle finished")
	}
	metrics.Cycles.WithLabelValues(rec.Step, rec.Result).Inc()

	if e.db != nil {
		if dbErr := e.db.SaveCycle(rec); dbErr != nil {
			log.Warn().Err(dbErr).Msg("⚠️ Failed to save cycle run")
		}
	}

	e.mu.Lock()
	e.last[rec.Step] = Run{
		CycleID:    run.cycleID,
		Step:       rec.Step,
		DryRun:     rec.DryRun,
		Result:     rec.Result,
		Error:      rec.Error,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}
	e.mu.Unlock()
}

func (e *Engine) acquire(ctx context.Context) (func() error, error) {
	if e.locker == nil {
		return func() error { return nil }, nil
	}
	release, err := e.locker.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("cycle lock %s: %w", e.locker.Name(), err)
	}
	return release, nil
}

func (e *Engine) release(release func() error) {
	if err := release(); err != nil {
		log.Warn().Err(err).Msg("⚠️ Failed to release cycle lock")
	}
}

func (e *Engine) clock() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.now()
}

func countExits(trades []types.TradeRecord) int {
	n := 0
	for _, t := range trades {
		if t.Action == types.ActionExit {
			n++
		}
	}
	return n
}
