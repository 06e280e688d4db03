package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/rotarun/internal/backtest"
	"github.com/sawpanic/rotarun/internal/iox"
	"github.com/sawpanic/rotarun/internal/market"
)

// runBacktest replays the CSV dataset through the decision pipeline.
func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	capital, _ := cmd.Flags().GetFloat64("capital")
	outPath, _ := cmd.Flags().GetString("out")
	if capital <= 0 {
		return fmt.Errorf("capital must be positive, got %.2f", capital)
	}

	h, err := loadHistory(cmd)
	if err != nil {
		return err
	}
	uni, err := loadUniverse(cmd, cfg, h)
	if err != nil {
		return err
	}

	log.Info().Int("days", h.Days()).Int("universe", uni.Len()).
		Float64("capital", capital).Msg("starting backtest")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	sum, err := backtest.NewRunner(cfg, h, uni, capital, log.Logger).Run(ctx)
	if err != nil {
		return fmt.Errorf("backtest failed: %w", err)
	}

	fmt.Printf("Backtest %s .. %s (%d cycles)\n",
		sum.Start.Format("2006-01-02"), sum.End.Format("2006-01-02"), sum.Cycles)
	fmt.Printf("  Final NAV:     %.2f (%.2f%% total return)\n", sum.FinalNAV, sum.TotalReturn*100)
	fmt.Printf("  Max drawdown:  %.2f%%\n", sum.MaxDrawdown*100)
	fmt.Printf("  Sharpe:        %.2f\n", sum.Sharpe)
	fmt.Printf("  Orders:        %d  (guard trips: %d, halted days: %d)\n",
		sum.Orders, sum.GuardTrips, sum.HaltedDays)

	if outPath != "" {
		if err := iox.WriteJSONAtomic(outPath, sum); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
		fmt.Printf("Summary written to %s\n", outPath)
	}
	return nil
}

func loadHistory(cmd *cobra.Command) (*market.History, error) {
	prices, _ := cmd.Flags().GetString("prices")
	volumes, _ := cmd.Flags().GetString("volumes")
	bench, _ := cmd.Flags().GetString("benchmark")
	return backtest.LoadHistory(prices, volumes, bench)
}
