package alloc

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/sawpanic/rotarun/internal/config"
	"github.com/sawpanic/rotarun/internal/regime"
	"github.com/sawpanic/rotarun/internal/scoring"
)

// Selection is the allocation output for the active tranche. An empty
// Weights map means full liquidation: prior holdings are never silently
// carried forward when the signal is unavailable.
type Selection struct {
	Weights map[string]float64 // normalized target weights, sum to 1
	Kept    []string           // held instruments retained by the buffer
	Buys    []string           // new entries in rank order

	TopN       int
	CleanCount int     // selected instruments that passed every veto
	TopScore   float64 // best score among the selection
	MeanScore  float64
}

// ScaleComponents breaks the final position scale into its parts.
type ScaleComponents struct {
	Trend      float64
	Risk       float64
	Conviction float64
	Final      float64 // Trend * Risk * Conviction, clipped to [0,1]
}

// Engine combines ranked candidates with the active tranche's current
// holdings into a target weight map, applying theme caps and
// turnover-buffered soft rotation.
type Engine struct {
	cfg config.AllocConfig
	log zerolog.Logger
}

// NewEngine creates an allocation engine.
func NewEngine(cfg config.AllocConfig, log zerolog.Logger) *Engine {
	return &Engine{cfg: cfg, log: log.With().Str("component", "alloc").Logger()}
}

// Allocate builds the target weight map. held must be the active
// tranche's current instruments in a deterministic order; a nil ranked
// slice yields the liquidation selection.
func (e *Engine) Allocate(ranked []scoring.Candidate, held []string, state regime.State) *Selection {
	sel := &Selection{Weights: map[string]float64{}}
	if len(ranked) == 0 {
		return sel
	}

	topN := e.cfg.TopN
	if e.cfg.DynamicTopN {
		if n, ok := e.cfg.TopNByState[state.String()]; ok {
			topN = n
		}
	}
	sel.TopN = topN

	// Theme-cap walk: skip an instrument once its theme is full.
	byTheme := make(map[string]int)
	candidates := make([]string, 0, len(ranked))
	scores := make(map[string]float64, len(ranked))
	clean := make(map[string]bool, len(ranked))
	for _, c := range ranked {
		if byTheme[c.Theme] >= e.cfg.MaxPerTheme {
			continue
		}
		byTheme[c.Theme]++
		candidates = append(candidates, c.Symbol)
		scores[c.Symbol] = c.Score
		clean[c.Symbol] = c.Clean
	}

	core := candidates[:min(topN, len(candidates))]
	buffer := candidates[:min(topN+e.cfg.TurnoverBuffer, len(candidates))]
	inBuffer := make(map[string]bool, len(buffer))
	for _, s := range buffer {
		inBuffer[s] = true
	}

	// Soft rotation: a holding still inside the buffer is retained, up
	// to topN slots, so small rank jitter cannot force turnover.
	slots := 0
	keptSet := make(map[string]bool)
	for _, s := range held {
		if inBuffer[s] && slots < topN {
			sel.Kept = append(sel.Kept, s)
			keptSet[s] = true
			slots++
		}
	}
	for _, s := range core {
		if slots >= topN {
			break
		}
		if !keptSet[s] {
			sel.Buys = append(sel.Buys, s)
			slots++
		}
	}

	final := append(append([]string{}, sel.Kept...), sel.Buys...)
	if len(final) == 0 {
		return sel
	}

	// Weight assignment: the champion scheme gives the top constrained
	// candidate extra shares; equal gives everyone one.
	shares := make(map[string]float64, len(final))
	inFinal := make(map[string]bool, len(final))
	for _, s := range final {
		inFinal[s] = true
	}
	var total float64
	for i, s := range candidates {
		if !inFinal[s] {
			continue
		}
		w := 1.0
		if e.cfg.WeightScheme == "champion" && i == 0 {
			w = float64(e.cfg.ChampionShares)
		}
		shares[s] = w
		total += w
	}
	// Kept holdings that fell out of the constrained candidate walk
	// (buffer zone) still get one share.
	for _, s := range final {
		if _, ok := shares[s]; !ok {
			shares[s] = 1
			total += 1
		}
	}
	for s, w := range shares {
		sel.Weights[s] = w / total
	}

	var scoreSum float64
	top := math.Inf(-1)
	for _, s := range final {
		sc := scores[s]
		scoreSum += sc
		if sc > top {
			top = sc
		}
		if clean[s] {
			sel.CleanCount++
		}
	}
	sel.TopScore = top
	sel.MeanScore = scoreSum / float64(len(final))
	return sel
}

// Scale computes the final position scale from the regime's continuous
// trend scale, the hysteretic risk scaler, and an optional conviction
// shrink derived from how structurally clean the selection is.
func (e *Engine) Scale(trendScale, riskScaler float64, sel *Selection, bull bool, benchRet float64) ScaleComponents {
	sc := ScaleComponents{Trend: 1, Risk: 1, Conviction: 1}
	if e.cfg.DynamicPosition {
		sc.Trend = trendScale
	}
	if e.cfg.EnableRiskGate {
		sc.Risk = riskScaler
	}

	if e.cfg.Conviction && sel != nil && sel.TopN > 0 {
		passed := float64(sel.CleanCount) / float64(sel.TopN)
		floor := 0.0
		if bull && benchRet > 0 {
			floor = math.Min(0.8, benchRet*10)
		}
		conv := math.Max(floor, passed)
		if sel.TopScore <= 0 && floor == 0 {
			conv = 0
		}
		sc.Conviction = clip01(conv)
	}

	sc.Final = clip01(sc.Trend * sc.Risk * sc.Conviction)
	return sc
}

func clip01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
