package backtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/rotarun/internal/config"
	"github.com/sawpanic/rotarun/internal/market"
)

func writeCSV(t *testing.T, dir, name string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

// syntheticCSVs builds a small trending market: five instruments around
// 10.0 drifting up at different rates on a rising benchmark.
func syntheticCSVs(t *testing.T, days int) (string, string, string) {
	t.Helper()
	dir := t.TempDir()
	syms := []string{"AAA", "BBB", "CCC", "DDD", "EEE"}
	drift := map[string]float64{"AAA": 0.30, "BBB": 0.08, "CCC": 0.05, "DDD": 0.03, "EEE": 0.01}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	prices := []string{"date," + strings.Join(syms, ",")}
	volumes := []string{"date," + strings.Join(syms, ",")}
	bench := []string{"date,BENCH"}
	for i := 0; i < days; i++ {
		date := start.AddDate(0, 0, i).Format("2006-01-02")
		var pRow, vRow []string
		for _, s := range syms {
			p := 10.0
			if i > 239 {
				p *= 1 + drift[s]/100*float64(i-239)
			}
			pRow = append(pRow, fmt.Sprintf("%.4f", p))
			vRow = append(vRow, "1500")
		}
		prices = append(prices, date+","+strings.Join(pRow, ","))
		volumes = append(volumes, date+","+strings.Join(vRow, ","))
		bench = append(bench, fmt.Sprintf("%s,%.2f", date, 100+float64(i)*0.1))
	}
	return writeCSV(t, dir, "prices.csv", prices),
		writeCSV(t, dir, "volumes.csv", volumes),
		writeCSV(t, dir, "benchmark.csv", bench)
}

func TestLoadHistory(t *testing.T) {
	p, v, b := syntheticCSVs(t, 10)
	h, err := LoadHistory(p, v, b)
	require.NoError(t, err)

	assert.Equal(t, 10, h.Days())
	assert.Equal(t, []string{"AAA", "BBB", "CCC", "DDD", "EEE"}, h.Symbols())

	snap := h.AsOf(h.DateAt(9))
	assert.Equal(t, 10.0, snap.Close("AAA", 0))
	assert.Equal(t, 1500.0, snap.Volume("AAA", 0))
	assert.InDelta(t, 100.9, snap.BenchmarkClose(0), 1e-9)
}

func TestLoadHistory_MissingCells(t *testing.T) {
	dir := t.TempDir()
	p := writeCSV(t, dir, "p.csv", []string{"date,AAA", "2024-01-01,10.0", "2024-01-02,"})
	v := writeCSV(t, dir, "v.csv", []string{"date,AAA", "2024-01-01,100", "2024-01-02,100"})
	b := writeCSV(t, dir, "b.csv", []string{"date,BENCH", "2024-01-01,100", "2024-01-02,101"})

	h, err := LoadHistory(p, v, b)
	require.NoError(t, err)
	snap := h.AsOf(h.DateAt(1))
	assert.True(t, snap.Close("AAA", 0) != snap.Close("AAA", 0), "empty cell loads as NaN")
}

func TestLoadHistory_RowMismatch(t *testing.T) {
	dir := t.TempDir()
	p := writeCSV(t, dir, "p.csv", []string{"date,AAA", "2024-01-01,10.0"})
	v := writeCSV(t, dir, "v.csv", []string{"date,AAA", "2024-01-01,100", "2024-01-02,100"})
	b := writeCSV(t, dir, "b.csv", []string{"date,BENCH", "2024-01-01,100"})

	_, err := LoadHistory(p, v, b)
	assert.ErrorContains(t, err, "row count mismatch")
}

func TestRun_TrendingTape(t *testing.T) {
	p, v, b := syntheticCSVs(t, 256)
	h, err := LoadHistory(p, v, b)
	require.NoError(t, err)

	cfg, err := config.Default()
	require.NoError(t, err)
	uni := market.NewUniverse(h.Symbols(), map[string]string{
		"AAA": "Tech", "BBB": "Tech", "CCC": "Health", "DDD": "Health", "EEE": "Energy",
	})

	sum, err := NewRunner(cfg, h, uni, 100000, zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, sum.Cycles, "replay starts once minimum history is in view")
	assert.Greater(t, sum.Orders, 0, "trending tape must trade")
	assert.Zero(t, sum.HaltedDays)
	assert.Greater(t, sum.FinalNAV, 0.0)
	assert.GreaterOrEqual(t, sum.MaxDrawdown, 0.0)
	assert.Less(t, sum.MaxDrawdown, 0.05, "slow uptrend cannot produce a deep drawdown")
	assert.Len(t, sum.NAVSeries, 6)
}

func TestRun_TooLittleData(t *testing.T) {
	p, v, b := syntheticCSVs(t, 50)
	h, err := LoadHistory(p, v, b)
	require.NoError(t, err)

	cfg, err := config.Default()
	require.NoError(t, err)
	_, err = NewRunner(cfg, h, market.NewUniverse(h.Symbols(), nil), 100000, zerolog.Nop()).Run(context.Background())
	assert.ErrorContains(t, err, "need at least")
}

func TestMaxDrawdown(t *testing.T) {
	assert.InDelta(t, 0.25, maxDrawdown([]float64{100, 120, 90, 110}), 1e-9)
	assert.Zero(t, maxDrawdown([]float64{100, 110, 120}))
	assert.Zero(t, maxDrawdown(nil))
}

func TestSharpe(t *testing.T) {
	assert.Zero(t, sharpe([]float64{100, 100}), "too short")
	assert.Zero(t, sharpe([]float64{100, 100, 100, 100}), "flat series has no std")
	assert.Greater(t, sharpe([]float64{100, 101, 102.5, 103, 104.2}), 0.0)
}
