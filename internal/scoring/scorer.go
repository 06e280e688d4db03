package scoring

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/sawpanic/rotarun/internal/config"
	"github.com/sawpanic/rotarun/internal/market"
)

// Candidate is one ranked, filtered instrument. Ephemeral: consumed
// within the same decision cycle, never persisted.
type Candidate struct {
	Symbol  string
	Score   float64
	Theme   string
	Returns map[int]float64 // window -> simple return
	Clean   bool            // passed every structural veto
}

// Result is the scorer output for one cycle. A nil Ranked slice is the
// normal "no trade" outcome, not an error: either history was too short
// or nothing survived the filters.
type Result struct {
	Ranked              []Candidate
	Raw                 map[string]float64 // pre-gating ensemble score per universe symbol
	Bull                bool               // benchmark trailing return positive
	InsufficientHistory bool
}

// Scorer turns price history as of a decision date into a ranked,
// filtered candidate list. Pure with respect to portfolio state.
type Scorer struct {
	cfg config.ScoringConfig
	log zerolog.Logger
}

// NewScorer creates a scorer for the given configuration.
func NewScorer(cfg config.ScoringConfig, log zerolog.Logger) *Scorer {
	return &Scorer{cfg: cfg, log: log.With().Str("component", "scorer").Logger()}
}

// Rank scores and ranks the universe as of the snapshot. zscores are the
// regime classifier's stress z-scores for the same cycle; instruments
// whose z-score breaches the entry floor (or is missing from a non-nil
// map) are zeroed out as too damaged to enter.
func (s *Scorer) Rank(snap *market.Snapshot, uni *market.Universe, zscores map[string]float64) *Result {
	if snap.Days() < s.cfg.MinHistoryDays {
		s.log.Debug().Int("days", snap.Days()).Int("min", s.cfg.MinHistoryDays).
			Msg("insufficient history, skipping ranking")
		return &Result{InsufficientHistory: true}
	}

	res := &Result{
		Bull: snap.BenchmarkReturn(s.cfg.BullWindow) > 0,
	}

	windows := s.outputWindows()
	returns := make(map[int]map[string]float64, len(windows))
	for _, w := range windows {
		rets := make(map[string]float64, uni.Len())
		for _, sym := range uni.Symbols() {
			rets[sym] = snap.Return(sym, w)
		}
		returns[w] = rets
	}

	// Ensemble score: signed weight times top-K clipped rank per window.
	// Ties share rank; missing data ranks at the universe midpoint
	// instead of being excluded.
	raw := make(map[string]float64, uni.Len())
	for w, weight := range s.cfg.WindowWeights {
		ranks := rankDescending(returns[w], uni.Symbols())
		k := float64(s.cfg.RankClipK)
		for _, sym := range uni.Symbols() {
			contrib := (k - ranks[sym]) / k
			if contrib < 0 {
				contrib = 0
			}
			raw[sym] += contrib * weight
		}
	}
	res.Raw = raw

	themePct := s.themePercentiles(snap, uni)

	type scored struct {
		sym   string
		score float64
		clean bool
	}
	var survivors []scored
	for _, sym := range uni.Symbols() {
		score := raw[sym]

		checks := s.structuralChecks(snap, uni, sym, themePct)
		clean := checks.AllPassed()
		if !clean {
			// Bullish tape merely discounts structural failures; a bear
			// tape hard-excludes them.
			if res.Bull {
				score *= s.cfg.SoftGateFactor
			} else {
				score = s.cfg.SentinelScore
			}
		}

		if zscores != nil {
			z, ok := zscores[sym]
			if !ok || z <= -s.cfg.EntryZ {
				score = 0
			}
		}

		if score >= s.cfg.MinScore {
			survivors = append(survivors, scored{sym: sym, score: score, clean: clean})
		}
	}

	if len(survivors) == 0 {
		s.log.Debug().Bool("bull", res.Bull).Msg("empty candidate set")
		return res
	}

	ranked := make([]Candidate, 0, len(survivors))
	for _, sv := range survivors {
		rets := make(map[int]float64, len(windows))
		for _, w := range windows {
			rets[w] = returns[w][sv.sym]
		}
		ranked = append(ranked, Candidate{
			Symbol:  sv.sym,
			Score:   sv.score,
			Theme:   uni.Theme(sv.sym),
			Returns: rets,
			Clean:   sv.clean,
		})
	}

	// Descending by score, ties broken by shorter-window return, then a
	// longer window, then symbol for full determinism.
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if ra, rb := tieValue(a.Returns[1]), tieValue(b.Returns[1]); ra != rb {
			return ra > rb
		}
		if ra, rb := tieValue(a.Returns[20]), tieValue(b.Returns[20]); ra != rb {
			return ra > rb
		}
		return a.Symbol < b.Symbol
	})

	res.Ranked = ranked
	return res
}

// outputWindows is the union of the weighted windows and the windows
// reported on candidates for tie-breaks and diagnostics.
func (s *Scorer) outputWindows() []int {
	set := map[int]bool{1: true, 3: true, 5: true, 20: true}
	for w := range s.cfg.WindowWeights {
		set[w] = true
	}
	out := make([]int, 0, len(set))
	for w := range set {
		out = append(out, w)
	}
	sort.Ints(out)
	return out
}

// tieValue makes NaN returns sort last among equals.
func tieValue(v float64) float64 {
	if math.IsNaN(v) {
		return math.Inf(-1)
	}
	return v
}

// rankDescending assigns 1-based ranks by value descending. Tied values
// share the average of the ranks they span; symbols with NaN values get
// the midpoint rank of the valid set.
func rankDescending(values map[string]float64, symbols []string) map[string]float64 {
	type pair struct {
		sym string
		val float64
	}
	valid := make([]pair, 0, len(symbols))
	for _, sym := range symbols {
		if v, ok := values[sym]; ok && !math.IsNaN(v) {
			valid = append(valid, pair{sym, v})
		}
	}
	sort.Slice(valid, func(i, j int) bool {
		if valid[i].val != valid[j].val {
			return valid[i].val > valid[j].val
		}
		return valid[i].sym < valid[j].sym
	})

	ranks := make(map[string]float64, len(symbols))
	for i := 0; i < len(valid); {
		j := i
		for j < len(valid) && valid[j].val == valid[i].val {
			j++
		}
		// Ranks i+1..j share their average
		avg := float64(i+1+j) / 2
		for k := i; k < j; k++ {
			ranks[valid[k].sym] = avg
		}
		i = j
	}

	neutral := (float64(len(valid)) + 1) / 2
	for _, sym := range symbols {
		if _, ok := ranks[sym]; !ok {
			ranks[sym] = neutral
		}
	}
	return ranks
}

// percentileRank converts values to pandas-style percentile ranks in
// (0,1]: average rank divided by the valid count. NaN values get NaN.
func percentileRank(values map[string]float64) map[string]float64 {
	keys := make([]string, 0, len(values))
	asc := make(map[string]float64, len(values))
	for k, v := range values {
		keys = append(keys, k)
		if math.IsNaN(v) {
			continue
		}
		asc[k] = -v // rankDescending on negated values = ascending rank
	}

	ranks := rankDescending(asc, keys)
	n := float64(len(asc))

	out := make(map[string]float64, len(values))
	for k, v := range values {
		if math.IsNaN(v) || n == 0 {
			out[k] = math.NaN()
			continue
		}
		out[k] = ranks[k] / n
	}
	return out
}
