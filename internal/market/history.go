package market

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// History holds aligned daily close/volume matrices for the tradable
// universe plus a benchmark close series. Rows are appended in date order
// and never mutated; the engine only ever sees it through a Snapshot.
type History struct {
	symbols []string
	symIdx  map[string]int

	dates     []time.Time
	closes    [][]float64 // [day][symbol], NaN = missing
	volumes   [][]float64
	benchmark []float64
}

// NewHistory creates an empty history for a fixed symbol set.
func NewHistory(symbols []string) *History {
	idx := make(map[string]int, len(symbols))
	syms := make([]string, len(symbols))
	copy(syms, symbols)
	for i, s := range syms {
		idx[s] = i
	}
	return &History{symbols: syms, symIdx: idx}
}

// Append adds one trading day. Symbols absent from the maps are recorded
// as NaN. Dates must arrive strictly increasing.
func (h *History) Append(date time.Time, closes, volumes map[string]float64, benchmark float64) error {
	if n := len(h.dates); n > 0 && !date.After(h.dates[n-1]) {
		return fmt.Errorf("append %s: dates must be strictly increasing (last %s)",
			date.Format("2006-01-02"), h.dates[n-1].Format("2006-01-02"))
	}

	closeRow := make([]float64, len(h.symbols))
	volRow := make([]float64, len(h.symbols))
	for i, s := range h.symbols {
		closeRow[i] = math.NaN()
		volRow[i] = math.NaN()
		if c, ok := closes[s]; ok {
			closeRow[i] = c
		}
		if v, ok := volumes[s]; ok {
			volRow[i] = v
		}
	}

	h.dates = append(h.dates, date)
	h.closes = append(h.closes, closeRow)
	h.volumes = append(h.volumes, volRow)
	h.benchmark = append(h.benchmark, benchmark)
	return nil
}

// Symbols returns the instrument set in column order.
func (h *History) Symbols() []string { return h.symbols }

// Days returns the number of appended trading days.
func (h *History) Days() int { return len(h.dates) }

// DateAt returns the i-th trading date in append order.
func (h *History) DateAt(i int) time.Time { return h.dates[i] }

// AsOf returns a read-only view restricted to rows with date <= t. This
// is the only way the decision core observes prices, so look-ahead is
// structurally impossible.
func (h *History) AsOf(t time.Time) *Snapshot {
	n := sort.Search(len(h.dates), func(i int) bool { return h.dates[i].After(t) })
	return &Snapshot{h: h, n: n}
}

// Snapshot is a no-look-ahead view of the first n rows of a History.
type Snapshot struct {
	h *History
	n int
}

// Days returns the number of visible trading days.
func (s *Snapshot) Days() int { return s.n }

// Date returns the last visible trading date.
func (s *Snapshot) Date() time.Time {
	if s.n == 0 {
		return time.Time{}
	}
	return s.h.dates[s.n-1]
}

// Symbols returns the instrument set in column order.
func (s *Snapshot) Symbols() []string { return s.h.symbols }

// Close returns the close lag days back (lag 0 = most recent visible
// day). NaN when missing or out of range.
func (s *Snapshot) Close(symbol string, lag int) float64 {
	i, ok := s.h.symIdx[symbol]
	row := s.n - 1 - lag
	if !ok || row < 0 || row >= s.n {
		return math.NaN()
	}
	return s.h.closes[row][i]
}

// Volume returns the volume lag days back.
func (s *Snapshot) Volume(symbol string, lag int) float64 {
	i, ok := s.h.symIdx[symbol]
	row := s.n - 1 - lag
	if !ok || row < 0 || row >= s.n {
		return math.NaN()
	}
	return s.h.volumes[row][i]
}

// Return computes the simple return over the trailing window:
// close(0)/close(window) - 1. NaN when either endpoint is missing.
func (s *Snapshot) Return(symbol string, window int) float64 {
	now := s.Close(symbol, 0)
	then := s.Close(symbol, window)
	if math.IsNaN(now) || math.IsNaN(then) || then == 0 {
		return math.NaN()
	}
	return now/then - 1
}

// MeanVolume averages volume over lags l with toLag < l <= fromLag, i.e.
// the window (toLag, fromLag] trading days back. NaN cells are skipped;
// an empty window yields NaN.
func (s *Snapshot) MeanVolume(symbol string, fromLag, toLag int) float64 {
	var sum float64
	var cnt int
	for l := toLag + 1; l <= fromLag; l++ {
		v := s.Volume(symbol, l)
		if !math.IsNaN(v) {
			sum += v
			cnt++
		}
	}
	if cnt == 0 {
		return math.NaN()
	}
	return sum / float64(cnt)
}

// MA returns the simple moving average of the last window closes.
func (s *Snapshot) MA(symbol string, window int) float64 {
	var sum float64
	var cnt int
	for l := 0; l < window; l++ {
		c := s.Close(symbol, l)
		if !math.IsNaN(c) {
			sum += c
			cnt++
		}
	}
	if cnt == 0 {
		return math.NaN()
	}
	return sum / float64(cnt)
}

// DailyReturns returns up to n consecutive daily simple returns ending
// endLag days back, oldest first. Pairs with a missing endpoint are
// skipped.
func (s *Snapshot) DailyReturns(symbol string, n, endLag int) []float64 {
	rets := make([]float64, 0, n)
	for l := endLag + n - 1; l >= endLag; l-- {
		now := s.Close(symbol, l)
		prev := s.Close(symbol, l+1)
		if math.IsNaN(now) || math.IsNaN(prev) || prev == 0 {
			continue
		}
		rets = append(rets, now/prev-1)
	}
	return rets
}

// LastPrices returns the most recent visible close per symbol. Symbols
// with no valid close are omitted.
func (s *Snapshot) LastPrices() map[string]float64 {
	out := make(map[string]float64, len(s.h.symbols))
	for _, sym := range s.h.symbols {
		if c := s.Close(sym, 0); !math.IsNaN(c) {
			out[sym] = c
		}
	}
	return out
}

// BenchmarkClose returns the benchmark close lag days back.
func (s *Snapshot) BenchmarkClose(lag int) float64 {
	row := s.n - 1 - lag
	if row < 0 || row >= s.n {
		return math.NaN()
	}
	return s.h.benchmark[row]
}

// BenchmarkReturn computes the benchmark simple return over the window.
func (s *Snapshot) BenchmarkReturn(window int) float64 {
	now := s.BenchmarkClose(0)
	then := s.BenchmarkClose(window)
	if math.IsNaN(now) || math.IsNaN(then) || then == 0 {
		return math.NaN()
	}
	return now/then - 1
}

// BenchmarkMA returns the simple moving average of the last window
// benchmark closes.
func (s *Snapshot) BenchmarkMA(window int) float64 {
	var sum float64
	var cnt int
	for l := 0; l < window; l++ {
		c := s.BenchmarkClose(l)
		if !math.IsNaN(c) {
			sum += c
			cnt++
		}
	}
	if cnt == 0 {
		return math.NaN()
	}
	return sum / float64(cnt)
}
