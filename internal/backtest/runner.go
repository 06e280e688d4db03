package backtest

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/rotarun/internal/config"
	"github.com/sawpanic/rotarun/internal/engine"
	"github.com/sawpanic/rotarun/internal/market"
)

// Summary aggregates a completed replay.
type Summary struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Cycles  int       `json:"cycles"`
	Capital float64   `json:"capital"`

	FinalNAV    float64 `json:"final_nav"`
	TotalReturn float64 `json:"total_return"`
	MaxDrawdown float64 `json:"max_drawdown"`
	Sharpe      float64 `json:"sharpe"`

	Orders     int `json:"orders"`
	GuardTrips int `json:"guard_trips"`
	HaltedDays int `json:"halted_days"`

	NAVSeries []float64 `json:"-"`
}

// Runner replays one decision cycle per trading day against a paper
// ledger. Persistence and external integrations are disabled; the
// engine's virtual portfolio is the ledger.
type Runner struct {
	cfg     *config.Config
	log     zerolog.Logger
	history *market.History
	uni     *market.Universe
	capital float64
}

// NewRunner prepares a replay over the full history.
func NewRunner(cfg *config.Config, history *market.History, uni *market.Universe, capital float64, log zerolog.Logger) *Runner {
	run := *cfg
	run.Engine.StatePath = "" // paper ledger only, nothing persisted
	return &Runner{
		cfg:     &run,
		log:     log.With().Str("component", "backtest").Logger(),
		history: history,
		uni:     uni,
		capital: capital,
	}
}

// Run replays every trading day with at least the minimum history in
// view and computes the performance summary.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	if r.history.Days() == 0 {
		return nil, fmt.Errorf("backtest: empty history")
	}

	eng := engine.New(r.cfg, engine.Deps{History: r.history, Universe: r.uni}, r.log)
	if err := eng.InitializeCapital(r.capital); err != nil {
		return nil, err
	}

	start := r.cfg.Scoring.MinHistoryDays - 1
	if start < 0 {
		start = 0
	}
	if start >= r.history.Days() {
		return nil, fmt.Errorf("backtest: %d days of data, need at least %d",
			r.history.Days(), r.cfg.Scoring.MinHistoryDays)
	}

	sum := &Summary{
		Start:   r.history.DateAt(start),
		End:     r.history.DateAt(r.history.Days() - 1),
		Capital: r.capital,
	}

	for i := start; i < r.history.Days(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := eng.RunCycle(ctx, r.history.DateAt(i))
		if err != nil {
			return nil, fmt.Errorf("backtest cycle %s: %w", r.history.DateAt(i).Format("2006-01-02"), err)
		}
		sum.Cycles++
		sum.Orders += len(res.Orders)
		sum.GuardTrips += len(res.Guards)
		if res.Halted {
			sum.HaltedDays++
		}
		sum.NAVSeries = append(sum.NAVSeries, eng.Manager().TotalValue())
	}

	sum.FinalNAV = sum.NAVSeries[len(sum.NAVSeries)-1]
	sum.TotalReturn = sum.FinalNAV/r.capital - 1
	sum.MaxDrawdown = maxDrawdown(sum.NAVSeries)
	sum.Sharpe = sharpe(sum.NAVSeries)

	r.log.Info().Int("cycles", sum.Cycles).Float64("total_return", sum.TotalReturn).
		Float64("max_drawdown", sum.MaxDrawdown).Float64("sharpe", sum.Sharpe).
		Msg("backtest complete")
	return sum, nil
}

// maxDrawdown is the largest peak-to-trough NAV decline, as a positive
// fraction.
func maxDrawdown(nav []float64) float64 {
	var peak, worst float64
	for _, v := range nav {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := 1 - v/peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// sharpe is the annualized mean/std of daily NAV returns, zero risk-free
// rate. Zero when the series is too short or flat.
func sharpe(nav []float64) float64 {
	if len(nav) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(nav)-1)
	for i := 1; i < len(nav); i++ {
		if nav[i-1] > 0 {
			rets = append(rets, nav[i]/nav[i-1]-1)
		}
	}
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
	std := math.Sqrt(ss / float64(len(rets)-1))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(252)
}
