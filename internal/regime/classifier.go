package regime

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/sawpanic/rotarun/internal/config"
	"github.com/sawpanic/rotarun/internal/market"
)

// State is the discrete market risk state. Transitions only happen
// through the classifier's hysteretic update; the state is never
// recomputed from scratch.
type State int

const (
	Safe State = iota
	Caution
	Danger
)

func (s State) String() string {
	switch s {
	case Safe:
		return "SAFE"
	case Caution:
		return "CAUTION"
	case Danger:
		return "DANGER"
	default:
		return "unknown"
	}
}

// ParseState converts a persisted label back to a State.
func ParseState(label string) (State, error) {
	switch label {
	case "SAFE":
		return Safe, nil
	case "CAUTION":
		return Caution, nil
	case "DANGER":
		return Danger, nil
	default:
		return Safe, fmt.Errorf("unknown regime state %q", label)
	}
}

// Observation is the classifier output for one decision cycle.
type Observation struct {
	State          State
	StressRatio    float64 // fraction of universe below the crash z-threshold
	SmoothedStress float64 // stress ratio smoothed over the last few cycles
	MedianZ        float64
	RiskScaler     float64 // 0.0 / 0.7 / 1.0
	ZScores        map[string]float64
	Updated        bool // false when too few usable z-scores this cycle
}

// Classifier owns the long-lived risk state and its stress smoothing
// buffer. It is read-only with respect to market data.
type Classifier struct {
	cfg config.RegimeConfig
	log zerolog.Logger

	state      State
	stressHist []float64 // most recent last, capped at SmoothCycles
	riskScaler float64
}

// NewClassifier starts in SAFE with full risk scale.
func NewClassifier(cfg config.RegimeConfig, log zerolog.Logger) *Classifier {
	return &Classifier{
		cfg:        cfg,
		log:        log.With().Str("component", "regime").Logger(),
		state:      Safe,
		riskScaler: 1.0,
	}
}

// State returns the current discrete risk state.
func (c *Classifier) State() State { return c.state }

// RiskScaler returns the current position scaler derived from the state.
func (c *Classifier) RiskScaler() float64 { return c.riskScaler }

// Observe computes per-instrument stress z-scores as of the snapshot and
// advances the hysteretic state machine. The z-score denominator is a
// lagged, downside-only volatility estimate: daily moves strictly before
// the last VolLagDays days, negative moves only, so the estimator cannot
// react to the very decline it is meant to flag.
func (c *Classifier) Observe(snap *market.Snapshot, uni *market.Universe) *Observation {
	zscores := make(map[string]float64, uni.Len())
	for _, sym := range uni.Symbols() {
		z := c.stressZ(snap, sym)
		if !math.IsNaN(z) {
			zscores[sym] = z
		}
	}

	obs := &Observation{
		State:      c.state,
		RiskScaler: c.riskScaler,
		ZScores:    zscores,
	}

	if len(zscores) < c.cfg.MinUniverseZ {
		c.log.Debug().Int("usable", len(zscores)).Int("min", c.cfg.MinUniverseZ).
			Msg("too few z-scores, regime state frozen")
		return obs
	}

	var crashed int
	zs := make([]float64, 0, len(zscores))
	for _, z := range zscores {
		zs = append(zs, z)
		if z < -c.cfg.CrashZ {
			crashed++
		}
	}
	ratio := float64(crashed) / float64(len(zs))
	medianZ := median(zs)

	c.advance(ratio, medianZ, obs)
	return obs
}

// advance pushes one stress observation through the smoothing buffer and
// the transition table.
func (c *Classifier) advance(ratio, medianZ float64, obs *Observation) {
	c.stressHist = append(c.stressHist, ratio)
	if len(c.stressHist) > c.cfg.SmoothCycles {
		c.stressHist = c.stressHist[len(c.stressHist)-c.cfg.SmoothCycles:]
	}
	var sum float64
	for _, r := range c.stressHist {
		sum += r
	}
	smoothed := sum / float64(len(c.stressHist))

	// Depth of damage can escalate even with moderate breadth: a very
	// negative median z lowers the danger entry bar.
	dangerIn := c.cfg.DangerIn
	if medianZ < -c.cfg.MedianZPanic {
		dangerIn = c.cfg.DangerInPanic
	}

	prev := c.state
	switch c.state {
	case Safe:
		if smoothed > c.cfg.CautionIn {
			c.state = Caution
		}
	case Caution:
		if smoothed > dangerIn {
			c.state = Danger
		} else if smoothed < c.cfg.CautionOut {
			c.state = Safe
		}
	case Danger:
		if smoothed < c.cfg.DangerOut {
			c.state = Caution
		}
	}

	switch {
	case c.state == Danger:
		c.riskScaler = 0.0
	case smoothed >= c.cfg.PreDanger:
		c.riskScaler = c.cfg.CautionScaler
	default:
		c.riskScaler = 1.0
	}

	if c.state != prev {
		c.log.Warn().Stringer("from", prev).Stringer("to", c.state).
			Float64("smoothed_stress", smoothed).Float64("median_z", medianZ).
			Msg("regime transition")
	}

	obs.State = c.state
	obs.StressRatio = ratio
	obs.SmoothedStress = smoothed
	obs.MedianZ = medianZ
	obs.RiskScaler = c.riskScaler
	obs.Updated = true
}

// stressZ computes the short-window return z-score against the lagged
// downside volatility ruler. NaN when inputs are missing.
func (c *Classifier) stressZ(snap *market.Snapshot, symbol string) float64 {
	r := snap.Return(symbol, c.cfg.ZReturnWindow)
	if math.IsNaN(r) {
		return math.NaN()
	}

	rets := snap.DailyReturns(symbol, c.cfg.VolWindow, c.cfg.VolLagDays)
	if len(rets) == 0 {
		return math.NaN()
	}
	downside := make([]float64, 0, len(rets))
	for _, d := range rets {
		if d < 0 {
			downside = append(downside, d)
		}
	}

	sigma := sampleStd(downside)
	if sigma < c.cfg.VolFloor {
		sigma = c.cfg.VolFloor
	}
	return r / (sigma * math.Sqrt(float64(c.cfg.ZReturnWindow)))
}

// TrendScale blends the benchmark's position against its long moving
// average with universe breadth into a continuous position scale in
// [0,1]. Insufficient history defaults to full scale.
func (c *Classifier) TrendScale(snap *market.Snapshot, uni *market.Universe) float64 {
	if snap.Days() < c.cfg.BreadthWindow {
		return 1.0
	}

	macroMult := 1.0
	if snap.Days() > c.cfg.MacroMADays {
		last := snap.BenchmarkClose(0)
		ma := snap.BenchmarkMA(c.cfg.MacroMADays)
		if !math.IsNaN(last) && !math.IsNaN(ma) && last < ma {
			macroMult = 0.5
		}
	}

	shortFrac := c.breadth(snap, uni, c.cfg.ShortMADays)
	longFrac := c.breadth(snap, uni, c.cfg.BreadthWindow)
	strength := (shortFrac + longFrac) / 2

	base := 0.3
	switch {
	case strength > 0.6:
		base = 1.0
	case strength > 0.4:
		base = 0.9
	}

	if macroMult < 1.0 && strength <= 0.4 {
		return 0.0
	}
	return base * macroMult
}

// breadth returns the fraction of the universe trading above its own
// moving average. Instruments with missing data count as below.
func (c *Classifier) breadth(snap *market.Snapshot, uni *market.Universe, window int) float64 {
	if uni.Len() == 0 {
		return 0
	}
	var above int
	for _, sym := range uni.Symbols() {
		last := snap.Close(sym, 0)
		ma := snap.MA(sym, window)
		if !math.IsNaN(last) && !math.IsNaN(ma) && last > ma {
			above++
		}
	}
	return float64(above) / float64(uni.Len())
}

// PersistedState is the serializable slice of classifier state.
type PersistedState struct {
	State         string    `json:"state"`
	StressHistory []float64 `json:"stress_history"`
	RiskScaler    float64   `json:"risk_scaler"`
}

// Persist captures the long-lived state for the engine snapshot.
func (c *Classifier) Persist() PersistedState {
	hist := make([]float64, len(c.stressHist))
	copy(hist, c.stressHist)
	return PersistedState{
		State:         c.state.String(),
		StressHistory: hist,
		RiskScaler:    c.riskScaler,
	}
}

// Restore reinstates persisted state after a process restart.
func (c *Classifier) Restore(ps PersistedState) error {
	st, err := ParseState(ps.State)
	if err != nil {
		return err
	}
	c.state = st
	c.stressHist = make([]float64, len(ps.StressHistory))
	copy(c.stressHist, ps.StressHistory)
	if len(c.stressHist) > c.cfg.SmoothCycles {
		c.stressHist = c.stressHist[len(c.stressHist)-c.cfg.SmoothCycles:]
	}
	c.riskScaler = ps.RiskScaler
	return nil
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func sampleStd(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}
