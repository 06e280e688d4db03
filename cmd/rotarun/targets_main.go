package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/rotarun/internal/engine"
	"github.com/sawpanic/rotarun/internal/state"
)

// runTargets executes a single decision cycle as of the latest data date
// and prints the resulting target table and orders.
func runTargets(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	h, err := loadHistory(cmd)
	if err != nil {
		return err
	}
	if h.Days() == 0 {
		return fmt.Errorf("no price data")
	}
	uni, err := loadUniverse(cmd, cfg, h)
	if err != nil {
		return err
	}

	eng := engine.New(cfg, engine.Deps{History: h, Universe: uni}, log.Logger)
	if err := eng.Restore(); err != nil {
		return err
	}
	if !eng.Manager().Initialized() {
		capital, _ := cmd.Flags().GetFloat64("capital")
		if capital <= 0 {
			return fmt.Errorf("no persisted state: pass --capital for a cold start")
		}
		if err := eng.InitializeCapital(capital); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	asOf := h.DateAt(h.Days() - 1)
	res, err := eng.RunCycle(ctx, asOf)
	if err != nil {
		return fmt.Errorf("cycle failed: %w", err)
	}

	fmt.Printf("Cycle %d as of %s  regime=%s  scale=%.2f", res.CycleCount,
		asOf.Format("2006-01-02"), res.Regime.State, res.Scale.Final)
	if res.Halted {
		fmt.Printf("  [HALTED]")
	}
	fmt.Println()

	syms := make([]string, 0, len(res.Targets))
	for s := range res.Targets {
		syms = append(syms, s)
	}
	sort.Slice(syms, func(i, j int) bool { return res.Targets[syms[i]] > res.Targets[syms[j]] })
	for _, s := range syms {
		fmt.Printf("  %-10s %6.2f%%\n", s, res.Targets[s]*100)
	}
	fmt.Printf("  %-10s %6.2f%%\n", "CASH", res.CashWeight*100)

	if len(res.Orders) > 0 {
		fmt.Printf("Orders:\n")
		for _, o := range res.Orders {
			fmt.Printf("  %-4s %-10s qty=%-8d @ %.2f  tranche=%d  (%s)\n",
				o.Side, o.Symbol, o.Quantity, o.Price, o.TrancheID, o.Reason)
		}
	}
	return nil
}

// runState pretty-prints the persisted engine snapshot.
func runState(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	snap, err := state.NewStore(cfg.Engine.StatePath).Load()
	if err != nil {
		return err
	}
	if snap == nil {
		fmt.Printf("No snapshot at %s\n", cfg.Engine.StatePath)
		return nil
	}
	return json.NewEncoder(os.Stdout).Encode(snap)
}
