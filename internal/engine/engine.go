// Package engine runs the daily decision cycle: valuation, guards,
// reconciliation, regime observation, scoring, allocation and order
// emission, finished by an atomic state snapshot. The engine owns every
// long-lived component and is the only writer of portfolio state.
package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sawpanic/rotarun/internal/alloc"
	"github.com/sawpanic/rotarun/internal/config"
	"github.com/sawpanic/rotarun/internal/journal"
	"github.com/sawpanic/rotarun/internal/market"
	"github.com/sawpanic/rotarun/internal/portfolio"
	"github.com/sawpanic/rotarun/internal/ports"
	"github.com/sawpanic/rotarun/internal/publish"
	"github.com/sawpanic/rotarun/internal/regime"
	"github.com/sawpanic/rotarun/internal/risk"
	"github.com/sawpanic/rotarun/internal/scoring"
	"github.com/sawpanic/rotarun/internal/state"
	"github.com/sawpanic/rotarun/internal/telemetry"
)

// TargetPublisher mirrors the cycle's target table to an external store.
type TargetPublisher interface {
	Publish(ctx context.Context, table publish.TargetTable) error
}

// Deps are the engine's external connections. Everything except History
// and Universe is optional; a nil field disables that integration.
type Deps struct {
	History   *market.History
	Universe  *market.Universe
	Account   ports.AccountProvider
	Sink      ports.ExecutionSink
	Notifier  ports.Notifier
	Journal   journal.Writer
	Publisher TargetPublisher
	Metrics   *telemetry.Metrics
}

// CycleResult summarizes one completed decision cycle.
type CycleResult struct {
	CycleID    string
	Time       time.Time
	CycleCount int

	Regime     *regime.Observation
	TrendScale float64
	Scale      alloc.ScaleComponents
	Ranking    *scoring.Result
	Selection  *alloc.Selection

	Targets     map[string]float64 // final scaled weights for the active tranche
	CashWeight  float64
	Orders      []ports.Order
	Guards      []portfolio.GuardTrigger
	Adjustments []portfolio.Adjustment
	Stale       []string // instruments valued at entry price this cycle
	Halted      bool
}

// Engine wires the decision pipeline together. Single-writer: RunCycle
// and OnTick must not run concurrently.
type Engine struct {
	cfg *config.Config
	log zerolog.Logger

	history    *market.History
	universe   *market.Universe
	scorer     *scoring.Scorer
	classifier *regime.Classifier
	allocator  *alloc.Engine
	manager    *portfolio.Manager
	risk       *risk.Controller
	store      *state.Store

	account   ports.AccountProvider
	sink      ports.ExecutionSink
	notifier  ports.Notifier
	journal   journal.Writer
	publisher TargetPublisher
	metrics   *telemetry.Metrics

	tickSaves *rate.Limiter
}

// New assembles the engine. An empty StatePath disables persistence,
// which the backtest harness relies on.
func New(cfg *config.Config, deps Deps, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:        cfg,
		log:        log.With().Str("component", "engine").Logger(),
		history:    deps.History,
		universe:   deps.Universe,
		scorer:     scoring.NewScorer(cfg.Scoring, log),
		classifier: regime.NewClassifier(cfg.Regime, log),
		allocator:  alloc.NewEngine(cfg.Alloc, log),
		manager:    portfolio.NewManager(cfg.Portfolio, log),
		risk:       risk.NewController(cfg.Risk, log),
		account:    deps.Account,
		sink:       deps.Sink,
		notifier:   deps.Notifier,
		journal:    deps.Journal,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		tickSaves:  rate.NewLimiter(rate.Every(cfg.Engine.TickSaveInterval.Std()), 1),
	}
	if deps.Notifier == nil {
		e.notifier = ports.NopNotifier{}
	}
	if cfg.Engine.StatePath != "" {
		e.store = state.NewStore(cfg.Engine.StatePath)
	}
	return e
}

// Manager exposes the portfolio manager for inspection tooling.
func (e *Engine) Manager() *portfolio.Manager { return e.manager }

// Classifier exposes the regime classifier for inspection tooling.
func (e *Engine) Classifier() *regime.Classifier { return e.classifier }

// InitializeCapital splits starting capital into tranches. Used when no
// broker account is wired (backtests, paper runs).
func (e *Engine) InitializeCapital(cash float64) error {
	return e.manager.Initialize(cash)
}

// Restore loads the persisted snapshot, if any. Call once before the
// first cycle.
func (e *Engine) Restore() error {
	if e.store == nil {
		return nil
	}
	snap, err := e.store.Load()
	if err != nil {
		return err
	}
	if snap == nil {
		e.log.Info().Msg("no snapshot found, cold start")
		return nil
	}
	if err := e.manager.Restore(snap.CycleCount, snap.Tranches); err != nil {
		return fmt.Errorf("restore portfolio: %w", err)
	}
	if err := e.classifier.Restore(snap.Regime); err != nil {
		return fmt.Errorf("restore regime: %w", err)
	}
	e.log.Info().Int("cycle_count", snap.CycleCount).Time("saved_at", snap.SavedAt).
		Msg("snapshot restored")
	return nil
}

// RunCycle executes one decision cycle as of the given time. Errors are
// fatal: a failed cycle must not leave half-applied state behind, so the
// caller should stop rather than retry blindly.
func (e *Engine) RunCycle(ctx context.Context, now time.Time) (*CycleResult, error) {
	res := &CycleResult{
		CycleID: uuid.NewString(),
		Time:    now,
	}
	snap := e.history.AsOf(now)
	prices := snap.LastPrices()

	if !e.manager.Initialized() {
		if err := e.initializeFromAccount(ctx); err != nil {
			return nil, err
		}
	}

	// Valuation first: every later step reads consistent tranche values.
	for _, t := range e.manager.Tranches() {
		res.Stale = append(res.Stale, t.UpdateValue(prices)...)
	}
	nav := e.manager.TotalValue()

	e.risk.OnDayStart(now, nav)
	armed := !e.risk.Halted()
	e.risk.CheckDailyLoss(nav)
	res.Halted = e.risk.Halted()
	if armed && res.Halted {
		if e.metrics != nil {
			e.metrics.RiskHalts.Inc()
		}
		e.notifier.Notify(ctx, "daily loss limit breached",
			fmt.Sprintf("trading halted at NAV %.2f", nav))
	}
	res.CycleCount = e.manager.BeginCycle()

	e.runGuards(snap, prices, now, res)

	if e.account != nil {
		e.reconcile(ctx, res)
	}

	res.Regime = e.classifier.Observe(snap, e.universe)
	res.TrendScale = e.classifier.TrendScale(snap, e.universe)
	res.Ranking = e.scorer.Rank(snap, e.universe, res.Regime.ZScores)

	active, err := e.manager.Active()
	if err != nil {
		return nil, err
	}
	res.Selection = e.allocator.Allocate(res.Ranking.Ranked, active.HeldSymbols(), res.Regime.State)
	res.Scale = e.allocator.Scale(res.TrendScale, res.Regime.RiskScaler, res.Selection,
		res.Ranking.Bull, snap.BenchmarkReturn(e.cfg.Scoring.BullWindow))

	e.rebalance(snap, active, prices, now, nav, res)

	res.Targets = make(map[string]float64, len(res.Selection.Weights))
	for sym, w := range res.Selection.Weights {
		res.Targets[sym] = w * res.Scale.Final
	}
	res.CashWeight = 1 - sum(res.Targets)

	for _, t := range e.manager.Tranches() {
		t.UpdateValue(prices)
		t.GuardTriggered = false
	}

	if err := e.persist(); err != nil {
		return nil, err
	}
	e.submit(ctx, res)
	e.record(ctx, res)
	e.observe(res)

	e.log.Info().Str("cycle_id", res.CycleID).Int("cycle", res.CycleCount).
		Stringer("regime", res.Regime.State).Float64("scale", res.Scale.Final).
		Int("orders", len(res.Orders)).Bool("halted", res.Halted).
		Float64("nav", e.manager.TotalValue()).Msg("cycle complete")
	return res, nil
}

// OnTick runs the intraday guard path and saves state at most once per
// configured interval, so tick storms cannot hammer the state file.
func (e *Engine) OnTick(symbol string, price, high float64, now time.Time) []portfolio.TickLiquidation {
	out := e.manager.OnTick(symbol, price, high, now)
	if len(out) == 0 {
		return out
	}
	if e.metrics != nil {
		for _, l := range out {
			e.metrics.GuardTrips.WithLabelValues(l.Trigger.Reason.String()).Inc()
		}
	}
	if e.store != nil && e.tickSaves.Allow() {
		if err := e.persist(); err != nil {
			e.log.Error().Err(err).Msg("tick-path snapshot save failed")
		}
	}
	return out
}

func (e *Engine) initializeFromAccount(ctx context.Context) error {
	if e.account == nil {
		return fmt.Errorf("portfolio not initialized and no account provider wired")
	}
	acct, err := e.account.Account(ctx)
	if err != nil {
		return fmt.Errorf("fetch account for initialization: %w", err)
	}
	return e.manager.Initialize(acct.Cash)
}

// runGuards evaluates stops across all tranches and liquidates triggered
// positions at the current price. A tranche that trips a guard is barred
// from buying for the rest of this cycle.
func (e *Engine) runGuards(snap *market.Snapshot, prices map[string]float64, now time.Time, res *CycleResult) {
	for _, t := range e.manager.Tranches() {
		for _, trig := range t.CheckGuards(prices, now, e.cfg.Portfolio) {
			qty := t.Holdings[trig.Symbol]
			t.Sell(trig.Symbol, trig.Price)
			t.GuardTriggered = true
			res.Guards = append(res.Guards, trig)
			res.Orders = append(res.Orders, ports.Order{
				Symbol:    trig.Symbol,
				Side:      ports.Sell,
				Quantity:  qty,
				Price:     trig.Price,
				TrancheID: t.ID,
				Reason:    trig.Reason.String(),
				CycleID:   res.CycleID,
				IssuedAt:  now,
			})
			e.log.Warn().Str("symbol", trig.Symbol).Stringer("reason", trig.Reason).
				Int("tranche", t.ID).Str("detail", trig.Detail).Msg("guard liquidation")
		}
	}
}

func (e *Engine) reconcile(ctx context.Context, res *CycleResult) {
	acct, err := e.account.Account(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("account fetch failed, skipping reconciliation")
		return
	}
	res.Adjustments = e.manager.Reconcile(acct.Holdings)
}

// rebalance moves the active tranche toward the scaled target weights.
// Sells run even while halted; new buys do not.
func (e *Engine) rebalance(snap *market.Snapshot, active *portfolio.Tranche, prices map[string]float64, now time.Time, nav float64, res *CycleResult) {
	pcfg := e.cfg.Portfolio
	investable := active.TotalValue * (1 - e.cfg.Alloc.CashReserve) * res.Scale.Final

	target := make(map[string]float64, len(res.Selection.Weights))
	for sym, w := range res.Selection.Weights {
		target[sym] = w * investable
	}

	// Sells: full exits for dropped holdings, lot-rounded trims for
	// overweight ones. Tiny trims are skipped to avoid churn.
	for _, sym := range active.HeldSymbols() {
		price, ok := prices[sym]
		if !ok || price <= 0 || math.IsNaN(price) {
			continue
		}
		qty := active.Holdings[sym]
		tgt, keep := target[sym]
		if !keep || tgt <= 0 {
			active.Sell(sym, price)
			res.Orders = append(res.Orders, ports.Order{
				Symbol: sym, Side: ports.Sell, Quantity: qty, Price: price,
				TrancheID: active.ID, Reason: "rotated_out", CycleID: res.CycleID, IssuedAt: now,
			})
			continue
		}

		excess := float64(qty)*price - tgt
		if excess < pcfg.RebalanceMinValue || excess < pcfg.RebalanceMinFrac*tgt {
			continue
		}
		lots := int64(excess/price/float64(pcfg.LotSize)) * pcfg.LotSize
		if lots <= 0 {
			continue
		}
		active.SellQty(sym, lots, price)
		res.Orders = append(res.Orders, ports.Order{
			Symbol: sym, Side: ports.Sell, Quantity: lots, Price: price,
			TrancheID: active.ID, Reason: "trim_overweight", CycleID: res.CycleID, IssuedAt: now,
		})
	}

	if res.Halted || active.GuardTriggered {
		return
	}

	// Buys in descending target order for deterministic cash consumption.
	buys := make([]string, 0, len(target))
	for sym := range target {
		if _, held := active.Holdings[sym]; !held {
			buys = append(buys, sym)
		}
	}
	sort.Slice(buys, func(i, j int) bool {
		if target[buys[i]] != target[buys[j]] {
			return target[buys[i]] > target[buys[j]]
		}
		return buys[i] < buys[j]
	})

	for _, sym := range buys {
		price, ok := prices[sym]
		if !ok || price <= 0 || math.IsNaN(price) {
			continue
		}
		spend := math.Min(target[sym], active.Cash)
		if spend <= 0 {
			continue
		}
		if err := e.risk.ValidateOrder(sym, spend, nav); err != nil {
			e.log.Warn().Err(err).Str("symbol", sym).Msg("order rejected by risk controller")
			continue
		}
		qty := active.Buy(sym, spend, price, now, e.volatility(snap, sym), pcfg)
		if qty == 0 {
			continue
		}
		res.Orders = append(res.Orders, ports.Order{
			Symbol: sym, Side: ports.Buy, Quantity: qty, Price: price,
			TrancheID: active.ID, Reason: "rotated_in", CycleID: res.CycleID, IssuedAt: now,
		})
	}
}

// volatility estimates daily realized volatility for dynamic stops.
func (e *Engine) volatility(snap *market.Snapshot, symbol string) float64 {
	rets := snap.DailyReturns(symbol, e.cfg.Portfolio.ATRLookback, 0)
	if len(rets) < 2 {
		return 0
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var ss float64
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss / float64(len(rets)-1))
}

// persist writes the engine snapshot. Failure here is fatal for the
// cycle path: continuing with unsaved state risks double-spending cash
// after a restart.
func (e *Engine) persist() error {
	if e.store == nil {
		return nil
	}
	cycle, tranches := e.manager.Snapshot()
	err := e.store.Save(&state.Snapshot{
		CycleCount: cycle,
		Tranches:   tranches,
		Regime:     e.classifier.Persist(),
	})
	if err != nil {
		return fmt.Errorf("persist engine state: %w", err)
	}
	return nil
}

func (e *Engine) submit(ctx context.Context, res *CycleResult) {
	if e.sink == nil || len(res.Orders) == 0 {
		return
	}
	if err := e.sink.Submit(ctx, res.Orders); err != nil {
		e.log.Error().Err(err).Int("orders", len(res.Orders)).Msg("order submission failed")
		e.notifier.Notify(ctx, "order submission failed", err.Error())
	}
}

// record writes the audit trail. Journal and publish failures are logged
// and dropped; they never fail the cycle.
func (e *Engine) record(ctx context.Context, res *CycleResult) {
	if e.journal != nil {
		err := e.journal.WriteDecision(ctx, journal.DecisionRecord{
			CycleID:     res.CycleID,
			Timestamp:   res.Time,
			CycleCount:  res.CycleCount,
			Regime:      res.Regime.State.String(),
			StressRatio: res.Regime.StressRatio,
			Scale:       res.Scale.Final,
			Targets:     res.Targets,
			OrderCount:  len(res.Orders),
			Halted:      res.Halted,
		})
		if err != nil {
			e.log.Error().Err(err).Msg("journal decision write failed")
		}
		err = e.journal.WriteRegime(ctx, journal.RegimeRecord{
			Timestamp:      res.Time,
			State:          res.Regime.State.String(),
			StressRatio:    res.Regime.StressRatio,
			SmoothedStress: res.Regime.SmoothedStress,
			MedianZ:        res.Regime.MedianZ,
			RiskScaler:     res.Regime.RiskScaler,
		})
		if err != nil {
			e.log.Error().Err(err).Msg("journal regime write failed")
		}
	}

	if e.publisher != nil {
		err := e.publisher.Publish(ctx, publish.TargetTable{
			CycleID:    res.CycleID,
			Timestamp:  res.Time,
			Regime:     res.Regime.State.String(),
			Scale:      res.Scale.Final,
			Weights:    res.Targets,
			CashWeight: res.CashWeight,
		})
		if err != nil {
			e.log.Error().Err(err).Msg("target table publish failed")
		}
	}
}

func (e *Engine) observe(res *CycleResult) {
	if e.metrics == nil {
		return
	}
	e.metrics.CyclesTotal.Inc()
	e.metrics.RegimeState.Set(float64(res.Regime.State))
	e.metrics.StressRatio.Set(res.Regime.SmoothedStress)
	e.metrics.PositionScale.Set(res.Scale.Final)
	e.metrics.PortfolioValue.Set(e.manager.TotalValue())
	e.metrics.RankedCount.Set(float64(len(res.Ranking.Ranked)))
	for _, g := range res.Guards {
		e.metrics.GuardTrips.WithLabelValues(g.Reason.String()).Inc()
	}
	for _, o := range res.Orders {
		e.metrics.OrdersTotal.WithLabelValues(string(o.Side)).Inc()
	}
}

func sum(m map[string]float64) float64 {
	var s float64
	for _, v := range m {
		s += v
	}
	return s
}
