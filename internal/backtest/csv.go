// Package backtest replays historical daily data through the full
// decision pipeline with a paper ledger, producing a performance
// summary.
package backtest

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/sawpanic/rotarun/internal/market"
)

// wide CSV layout: a date column followed by one column per symbol.
type wideTable struct {
	symbols []string
	dates   []time.Time
	rows    []map[string]float64
}

func loadWideCSV(path string) (*wideTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%s: no data rows", path)
	}

	header := records[0]
	if len(header) < 2 {
		return nil, fmt.Errorf("%s: need a date column plus at least one symbol", path)
	}
	tbl := &wideTable{symbols: header[1:]}

	for i, rec := range records[1:] {
		if len(rec) != len(header) {
			return nil, fmt.Errorf("%s row %d: %d fields, want %d", path, i+2, len(rec), len(header))
		}
		date, err := time.Parse("2006-01-02", rec[0])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		row := make(map[string]float64, len(tbl.symbols))
		for j, sym := range tbl.symbols {
			cell := rec[j+1]
			if cell == "" {
				continue // missing value stays NaN in the history
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("%s row %d col %s: %w", path, i+2, sym, err)
			}
			row[sym] = v
		}
		tbl.dates = append(tbl.dates, date)
		tbl.rows = append(tbl.rows, row)
	}
	return tbl, nil
}

// LoadHistory assembles a History from three CSV files: wide close and
// volume tables plus a two-column benchmark series. All three must cover
// the same dates in the same order.
func LoadHistory(pricesPath, volumesPath, benchmarkPath string) (*market.History, error) {
	prices, err := loadWideCSV(pricesPath)
	if err != nil {
		return nil, err
	}
	volumes, err := loadWideCSV(volumesPath)
	if err != nil {
		return nil, err
	}
	bench, err := loadWideCSV(benchmarkPath)
	if err != nil {
		return nil, err
	}

	if len(volumes.dates) != len(prices.dates) || len(bench.dates) != len(prices.dates) {
		return nil, fmt.Errorf("row count mismatch: prices %d, volumes %d, benchmark %d",
			len(prices.dates), len(volumes.dates), len(bench.dates))
	}

	h := market.NewHistory(prices.symbols)
	benchCol := bench.symbols[0]
	for i, date := range prices.dates {
		if !volumes.dates[i].Equal(date) || !bench.dates[i].Equal(date) {
			return nil, fmt.Errorf("date mismatch at row %d", i+2)
		}
		b, ok := bench.rows[i][benchCol]
		if !ok {
			b = math.NaN()
		}
		if err := h.Append(date, prices.rows[i], volumes.rows[i], b); err != nil {
			return nil, err
		}
	}
	return h, nil
}
