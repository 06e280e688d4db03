package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/rotarun/internal/config"
	"github.com/sawpanic/rotarun/internal/market"
)

func scoringConfig(t *testing.T) config.ScoringConfig {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	return cfg.Scoring
}

// seedHistory builds 251+ days of data where each symbol's price follows
// price(sym, day) and today's volume doubles so the volume veto stays
// quiet unless a test wants otherwise.
func seedHistory(t *testing.T, syms []string, days int, price func(sym string, i int) float64, benchmark func(i int) float64) (*market.History, time.Time) {
	t.Helper()
	h := market.NewHistory(syms)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var last time.Time
	for i := 0; i < days; i++ {
		closes := make(map[string]float64, len(syms))
		vols := make(map[string]float64, len(syms))
		for _, s := range syms {
			closes[s] = price(s, i)
			vols[s] = 1000
			if i == days-1 {
				vols[s] = 2000 // healthy rebound volume
			}
		}
		last = start.AddDate(0, 0, i)
		require.NoError(t, h.Append(last, closes, vols, benchmark(i)))
	}
	return h, last
}

// scenarioA: 5 instruments, 250+ days. Instrument AAA has the strongest
// 20-day return; the others drift slowly.
func scenarioA(t *testing.T) (*market.History, time.Time, *market.Universe) {
	syms := []string{"AAA", "BBB", "CCC", "DDD", "EEE"}
	drift := map[string]float64{"AAA": 0.30, "BBB": 0.08, "CCC": 0.05, "DDD": 0.03, "EEE": 0.01}
	h, last := seedHistory(t, syms, 260, func(sym string, i int) float64 {
		base := 100.0
		if i > 239 { // last 20 days: per-symbol drift, ~0.3%/day for AAA
			return base * (1 + drift[sym]/100*float64(i-239))
		}
		return base
	}, func(i int) float64 { return 100 + float64(i)*0.1 }) // mildly rising benchmark
	return h, last, market.NewUniverse(syms, nil)
}

func TestRank_ScenarioA_StrongestMomentumFirst(t *testing.T) {
	h, last, uni := scenarioA(t)
	s := NewScorer(scoringConfig(t), zerolog.Nop())

	res := s.Rank(h.AsOf(last), uni, nil)
	require.NotNil(t, res.Ranked, "ranking should produce candidates")
	assert.Equal(t, "AAA", res.Ranked[0].Symbol, "strongest 20d return must rank first")
	assert.True(t, res.Bull)
}

func TestRank_Idempotent(t *testing.T) {
	h, last, uni := scenarioA(t)
	s := NewScorer(scoringConfig(t), zerolog.Nop())

	a := s.Rank(h.AsOf(last), uni, nil)
	b := s.Rank(h.AsOf(last), uni, nil)
	require.Equal(t, len(a.Ranked), len(b.Ranked))
	for i := range a.Ranked {
		assert.Equal(t, a.Ranked[i].Symbol, b.Ranked[i].Symbol)
		assert.Equal(t, a.Ranked[i].Score, b.Ranked[i].Score)
	}
}

func TestRank_NeverLeavesUniverse(t *testing.T) {
	h, last, _ := scenarioA(t)
	// Universe restricted to three of the five tracked symbols
	uni := market.NewUniverse([]string{"AAA", "BBB", "CCC"}, nil)
	s := NewScorer(scoringConfig(t), zerolog.Nop())

	res := s.Rank(h.AsOf(last), uni, nil)
	for _, c := range res.Ranked {
		assert.True(t, uni.Contains(c.Symbol), "candidate %s outside universe", c.Symbol)
	}
}

func TestRank_InsufficientHistory(t *testing.T) {
	syms := []string{"AAA", "BBB"}
	h, last := seedHistory(t, syms, 100, func(string, int) float64 { return 100 },
		func(int) float64 { return 100 })
	s := NewScorer(scoringConfig(t), zerolog.Nop())

	res := s.Rank(h.AsOf(last), market.NewUniverse(syms, nil), nil)
	assert.True(t, res.InsufficientHistory)
	assert.Nil(t, res.Ranked)
}

func TestRank_MinScoreFloor(t *testing.T) {
	cfg := scoringConfig(t)
	cfg.MinScore = 1e9 // nothing can pass
	s := NewScorer(cfg, zerolog.Nop())

	h, last, uni := scenarioA(t)
	res := s.Rank(h.AsOf(last), uni, nil)
	assert.Nil(t, res.Ranked, "empty candidate set is a nil ranking")
	assert.NotNil(t, res.Raw, "raw scores still reported")
}

func TestRank_EntryZFilterZeroesDamagedNames(t *testing.T) {
	h, last, uni := scenarioA(t)
	s := NewScorer(scoringConfig(t), zerolog.Nop())

	// AAA breaches the entry z floor; everything else is fine
	z := map[string]float64{"AAA": -2.0, "BBB": 0.5, "CCC": 0.5, "DDD": 0.5, "EEE": 0.5}
	res := s.Rank(h.AsOf(last), uni, z)
	for _, c := range res.Ranked {
		assert.NotEqual(t, "AAA", c.Symbol, "z-filtered name must not appear")
	}
}

func TestRank_SoftVsHardGating(t *testing.T) {
	syms := []string{"AAA", "BBB", "CCC", "DDD", "EEE"}
	// AAA gaps up 10% on the final day: overextension veto fires.
	build := func(bullish bool) (*market.History, time.Time) {
		return seedHistory(t, syms, 260, func(sym string, i int) float64 {
			base := 100.0
			if i > 239 {
				base *= 1 + 0.002*float64(i-239) // common uptrend
			}
			if sym == "AAA" && i == 259 {
				base *= 1.10
			}
			return base
		}, func(i int) float64 {
			if bullish {
				return 100 + float64(i)*0.1
			}
			return 300 - float64(i)*0.1
		})
	}

	cfg := scoringConfig(t)
	s := NewScorer(cfg, zerolog.Nop())

	hBull, lastBull := build(true)
	uni := market.NewUniverse(syms, nil)
	bull := s.Rank(hBull.AsOf(lastBull), uni, nil)
	require.True(t, bull.Bull)

	hBear, lastBear := build(false)
	bear := s.Rank(hBear.AsOf(lastBear), uni, nil)
	require.False(t, bear.Bull)

	// Bear tape hard-excludes the vetoed name via the sentinel
	for _, c := range bear.Ranked {
		assert.NotEqual(t, "AAA", c.Symbol)
	}
	// Bull tape only discounts it: if present its score carries the
	// soft-gate haircut and the clean flag is off
	for _, c := range bull.Ranked {
		if c.Symbol == "AAA" {
			assert.False(t, c.Clean)
		}
	}
}

func TestRank_DeterministicTieBreaks(t *testing.T) {
	syms := []string{"BBB", "AAA"}
	// Identical price paths: identical scores, identical returns. The
	// symbol tie-break must order AAA before BBB.
	h, last := seedHistory(t, syms, 260, func(sym string, i int) float64 {
		return 100 + float64(i)*0.2
	}, func(i int) float64 { return 100 + float64(i)*0.1 })
	s := NewScorer(scoringConfig(t), zerolog.Nop())

	res := s.Rank(h.AsOf(last), market.NewUniverse(syms, nil), nil)
	require.Len(t, res.Ranked, 2)
	assert.Equal(t, "AAA", res.Ranked[0].Symbol)
	assert.Equal(t, "BBB", res.Ranked[1].Symbol)
}

func TestRankDescending_TiesShareRank(t *testing.T) {
	vals := map[string]float64{"a": 3, "b": 3, "c": 1, "d": math.NaN()}
	ranks := rankDescending(vals, []string{"a", "b", "c", "d"})

	assert.Equal(t, 1.5, ranks["a"])
	assert.Equal(t, 1.5, ranks["b"])
	assert.Equal(t, 3.0, ranks["c"])
	assert.Equal(t, 2.0, ranks["d"], "missing data takes the valid-set midpoint")
}

func TestPercentileRank(t *testing.T) {
	vals := map[string]float64{"a": 10, "b": 20, "c": 30, "d": 40}
	pct := percentileRank(vals)

	assert.InDelta(t, 0.25, pct["a"], 1e-12)
	assert.InDelta(t, 1.0, pct["d"], 1e-12)

	withNaN := percentileRank(map[string]float64{"a": 1, "b": math.NaN()})
	assert.True(t, math.IsNaN(withNaN["b"]))
}
