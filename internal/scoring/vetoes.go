package scoring

import (
	"fmt"
	"math"

	"github.com/sawpanic/rotarun/internal/market"
)

// VetoCheck is one structural disqualification test. Independent of raw
// score magnitude: any failed check disqualifies regardless of rank.
type VetoCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// VetoResult collects the structural checks for one instrument.
type VetoResult struct {
	Checks []VetoCheck `json:"checks"`
}

// AllPassed reports whether every structural check passed.
func (vr VetoResult) AllPassed() bool {
	for _, c := range vr.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// FailureReasons lists the names of failed checks.
func (vr VetoResult) FailureReasons() []string {
	var out []string
	for _, c := range vr.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

// structuralChecks runs the three independent vetoes: overextension,
// volume pattern and theme strength.
func (s *Scorer) structuralChecks(snap *market.Snapshot, uni *market.Universe, symbol string, themePct map[string]float64) VetoResult {
	return VetoResult{Checks: []VetoCheck{
		s.checkOverextension(snap, symbol),
		s.checkVolumePattern(snap, symbol),
		s.checkThemeStrength(uni, symbol, themePct),
	}}
}

// checkOverextension fails instruments that already ran today: chasing a
// move above the ceiling buys the top.
func (s *Scorer) checkOverextension(snap *market.Snapshot, symbol string) VetoCheck {
	r1 := snap.Return(symbol, 1)
	if !math.IsNaN(r1) && r1 > s.cfg.MaxDailyGain {
		return VetoCheck{
			Name:   "overextension",
			Detail: fmt.Sprintf("today %.2f%% > max %.2f%%", r1*100, s.cfg.MaxDailyGain*100),
		}
	}
	return VetoCheck{Name: "overextension", Passed: true}
}

// checkVolumePattern compares pullback-window volume against the earlier
// uptrend window. Heavier volume on the pullback flags distribution;
// today's volume failing to exceed the pullback mean flags a weak
// rebound. Unevaluable windows pass.
func (s *Scorer) checkVolumePattern(snap *market.Snapshot, symbol string) VetoCheck {
	pullback := snap.MeanVolume(symbol, s.cfg.PullbackFrom, s.cfg.PullbackTo)
	uptrend := snap.MeanVolume(symbol, s.cfg.UptrendFrom, s.cfg.UptrendTo)
	today := snap.Volume(symbol, 0)

	if pullback > uptrend { // NaN compares false
		return VetoCheck{
			Name:   "volume_pattern",
			Detail: fmt.Sprintf("pullback vol %.0f > uptrend vol %.0f", pullback, uptrend),
		}
	}
	if today < pullback*s.cfg.ReboundVolumeRatio {
		return VetoCheck{
			Name:   "volume_pattern",
			Detail: fmt.Sprintf("rebound vol %.0f < %.1fx pullback %.0f", today, s.cfg.ReboundVolumeRatio, pullback),
		}
	}
	return VetoCheck{Name: "volume_pattern", Passed: true}
}

// checkThemeStrength requires the instrument's theme group to rank in the
// top fraction of all theme groups by aggregate return.
func (s *Scorer) checkThemeStrength(uni *market.Universe, symbol string, themePct map[string]float64) VetoCheck {
	pct, ok := themePct[uni.Theme(symbol)]
	if !ok || math.IsNaN(pct) || pct <= s.cfg.ThemeRankFloor {
		return VetoCheck{
			Name:   "theme_strength",
			Detail: fmt.Sprintf("theme %q pct %.2f <= floor %.2f", uni.Theme(symbol), pct, s.cfg.ThemeRankFloor),
		}
	}
	return VetoCheck{Name: "theme_strength", Passed: true}
}

// themePercentiles computes each theme group's mean lookback return and
// converts the group values to percentile ranks.
func (s *Scorer) themePercentiles(snap *market.Snapshot, uni *market.Universe) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, sym := range uni.Symbols() {
		r := snap.Return(sym, s.cfg.ThemeRetWindow)
		if math.IsNaN(r) {
			continue
		}
		th := uni.Theme(sym)
		sums[th] += r
		counts[th]++
	}

	means := make(map[string]float64, len(sums))
	for th, sum := range sums {
		means[th] = sum / float64(counts[th])
	}
	return percentileRank(means)
}
