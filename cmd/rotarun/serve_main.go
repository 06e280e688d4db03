package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/rotarun/internal/engine"
	"github.com/sawpanic/rotarun/internal/journal"
	"github.com/sawpanic/rotarun/internal/ports"
	"github.com/sawpanic/rotarun/internal/publish"
	"github.com/sawpanic/rotarun/internal/telemetry"
)

// logSink writes decided orders to the log; a live deployment swaps in
// a broker-backed ExecutionSink.
type logSink struct{}

func (logSink) Submit(_ context.Context, orders []ports.Order) error {
	for _, o := range orders {
		log.Info().Str("symbol", o.Symbol).Str("side", string(o.Side)).
			Int64("qty", o.Quantity).Float64("price", o.Price).
			Int("tranche", o.TrancheID).Str("reason", o.Reason).Msg("order")
	}
	return nil
}

// runServe runs the decision loop on a fixed interval with the ops HTTP
// server alongside, until interrupted.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	interval, _ := cmd.Flags().GetDuration("interval")

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

	deps := engine.Deps{History: h, Universe: uni, Sink: logSink{}}

	if cfg.Telemetry.Enabled {
		deps.Metrics = telemetry.NewMetrics()
		srv := telemetry.NewServer(cfg.Telemetry.Addr, deps.Metrics, log.Logger)
		srv.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}
	if cfg.Journal.Enabled {
		jnl, err := journal.Open(cfg.Journal.DSN, cfg.Journal.Timeout.Std())
		if err != nil {
			return err
		}
		defer jnl.Close()
		deps.Journal = jnl
	}
	if cfg.Publish.Enabled {
		deps.Publisher = publish.New(cfg.Publish.Addr, cfg.Publish.DB, cfg.Publish.Key, cfg.Publish.TTL.Std())
	}

	eng := engine.New(cfg, deps, log.Logger)
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("decision loop running")
	for {
		if _, err := eng.RunCycle(ctx, time.Now()); err != nil {
			return fmt.Errorf("decision cycle: %w", err)
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return nil
		case <-ticker.C:
		}
	}
}
