package alloc

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/rotarun/internal/config"
	"github.com/sawpanic/rotarun/internal/regime"
	"github.com/sawpanic/rotarun/internal/scoring"
)

func allocConfig(t *testing.T) config.AllocConfig {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	return cfg.Alloc
}

func cand(sym, theme string, score float64) scoring.Candidate {
	return scoring.Candidate{Symbol: sym, Theme: theme, Score: score, Clean: true}
}

func rankedFixture() []scoring.Candidate {
	return []scoring.Candidate{
		cand("A1", "tech", 150),
		cand("A2", "tech", 140),
		cand("A3", "tech", 130), // third tech: theme cap skips it
		cand("B1", "energy", 120),
		cand("B2", "energy", 110),
		cand("C1", "finance", 100),
		cand("C2", "finance", 90),
	}
}

func TestAllocate_ThemeCap(t *testing.T) {
	e := NewEngine(allocConfig(t), zerolog.Nop())
	sel := e.Allocate(rankedFixture(), nil, regime.Safe)

	// Cap=2 per theme: A3 must be skipped, selection = A1,A2,B1,B2 (topN=4)
	assert.NotContains(t, sel.Weights, "A3")
	assert.Len(t, sel.Weights, 4)

	perTheme := map[string]int{}
	themes := map[string]string{"A1": "tech", "A2": "tech", "B1": "energy", "B2": "energy", "C1": "finance", "C2": "finance"}
	for s := range sel.Weights {
		perTheme[themes[s]]++
	}
	for theme, n := range perTheme {
		assert.LessOrEqual(t, n, 2, "theme %s over cap", theme)
	}
}

func TestAllocate_SoftRotationRetainsBufferHoldings(t *testing.T) {
	e := NewEngine(allocConfig(t), zerolog.Nop())

	// C1 ranks 5th of the constrained walk (topN=4, buffer=2): outside
	// core but inside the buffer. Held C1 must be retained, not sold for
	// rank jitter.
	sel := e.Allocate(rankedFixture(), []string{"C1"}, regime.Safe)

	assert.Contains(t, sel.Kept, "C1")
	assert.Contains(t, sel.Weights, "C1")
	// Retention consumes a slot: only 3 fresh buys
	assert.Len(t, sel.Buys, 3)
	assert.Len(t, sel.Weights, 4)
}

func TestAllocate_HoldingOutsideBufferDropped(t *testing.T) {
	e := NewEngine(allocConfig(t), zerolog.Nop())

	// The constrained walk of the base fixture is A1,A2,B1,B2,C1,C2: six
	// names, all inside topN+buffer=6. D1 ranks seventh, genuinely outside
	// the buffer, so holding it must not save it.
	ranked := append(rankedFixture(), cand("D1", "health", 80))
	sel := e.Allocate(ranked, []string{"D1"}, regime.Safe)
	assert.NotContains(t, sel.Kept, "D1")
	assert.NotContains(t, sel.Weights, "D1")

	// C2 sits exactly on the buffer boundary and is retained when held
	sel = e.Allocate(ranked, []string{"C2"}, regime.Safe)
	assert.Contains(t, sel.Kept, "C2")
}

func TestAllocate_NilRankingLiquidates(t *testing.T) {
	e := NewEngine(allocConfig(t), zerolog.Nop())
	sel := e.Allocate(nil, []string{"A1", "B1"}, regime.Safe)
	assert.Empty(t, sel.Weights, "no signal means empty weight map")
	assert.Empty(t, sel.Kept)
}

func TestAllocate_ChampionWeights(t *testing.T) {
	cfg := allocConfig(t)
	cfg.WeightScheme = "champion"
	e := NewEngine(cfg, zerolog.Nop())

	sel := e.Allocate(rankedFixture(), nil, regime.Safe)
	require.Len(t, sel.Weights, 4)

	// 3:1:1:1 normalized
	assert.InDelta(t, 0.5, sel.Weights["A1"], 1e-12)
	assert.InDelta(t, 1.0/6, sel.Weights["A2"], 1e-12)

	var sum float64
	for _, w := range sel.Weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestAllocate_EqualWeights(t *testing.T) {
	cfg := allocConfig(t)
	cfg.WeightScheme = "equal"
	e := NewEngine(cfg, zerolog.Nop())

	sel := e.Allocate(rankedFixture(), nil, regime.Safe)
	for s, w := range sel.Weights {
		assert.InDelta(t, 0.25, w, 1e-12, "symbol %s", s)
	}
}

func TestAllocate_DynamicTopNByState(t *testing.T) {
	cfg := allocConfig(t)
	cfg.DynamicTopN = true
	e := NewEngine(cfg, zerolog.Nop())

	safe := e.Allocate(rankedFixture(), nil, regime.Safe)
	assert.Equal(t, 5, safe.TopN)
	assert.Len(t, safe.Weights, 5)

	danger := e.Allocate(rankedFixture(), nil, regime.Danger)
	assert.Equal(t, 2, danger.TopN)
	assert.Len(t, danger.Weights, 2)
}

func TestScale_Components(t *testing.T) {
	e := NewEngine(allocConfig(t), zerolog.Nop())

	sc := e.Scale(0.9, 0.7, nil, true, 0.05)
	assert.InDelta(t, 0.63, sc.Final, 1e-12)
	assert.Equal(t, 1.0, sc.Conviction, "conviction off by default")
}

func TestScale_RespectsToggles(t *testing.T) {
	cfg := allocConfig(t)
	cfg.DynamicPosition = false
	cfg.EnableRiskGate = false
	e := NewEngine(cfg, zerolog.Nop())

	sc := e.Scale(0.3, 0.0, nil, false, -0.1)
	assert.Equal(t, 1.0, sc.Final, "disabled toggles ignore both scalers")
}

func TestScale_ConvictionShrink(t *testing.T) {
	cfg := allocConfig(t)
	cfg.Conviction = true
	e := NewEngine(cfg, zerolog.Nop())

	// Half the selection failed vetoes, bear tape: conviction = 2/4
	sel := &Selection{TopN: 4, CleanCount: 2, TopScore: 50}
	sc := e.Scale(1, 1, sel, false, -0.02)
	assert.InDelta(t, 0.5, sc.Final, 1e-12)

	// Bull floor lifts conviction: min(0.8, 10 * 6%) = 0.6
	sel = &Selection{TopN: 4, CleanCount: 0, TopScore: 50}
	sc = e.Scale(1, 1, sel, true, 0.06)
	assert.InDelta(t, 0.6, sc.Final, 1e-12)

	// Nothing scores positive and no floor: force flat
	sel = &Selection{TopN: 4, CleanCount: 1, TopScore: -5}
	sc = e.Scale(1, 1, sel, false, -0.02)
	assert.Equal(t, 0.0, sc.Final)
}
