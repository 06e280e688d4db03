package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/sawpanic/rotarun/internal/config"
	"github.com/sawpanic/rotarun/internal/market"
)

const (
	appName = "rotarun"
	version = "v1.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Daily portfolio rotation decision engine",
		Version: version,
		Long: `rotarun scores a whitelisted universe with a multi-window momentum
ensemble, classifies market regime with hysteresis, and rotates a
tranche-based portfolio toward the top-ranked instruments once per day.`,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file (built-in defaults when omitted)")

	backtestCmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay historical CSV data through the full pipeline",
		Long:  "Runs one decision cycle per trading day against a paper ledger and prints the performance summary",
		RunE:  runBacktest,
	}
	addDataFlags(backtestCmd.Flags())
	backtestCmd.Flags().Float64("capital", 1000000, "Starting paper capital")
	backtestCmd.Flags().String("out", "", "Write the JSON summary to this file as well")

	targetsCmd := &cobra.Command{
		Use:   "targets",
		Short: "Run one decision cycle and print the target table",
		Long:  "Restores persisted state, runs a single cycle as of the latest data date, and prints target weights and orders",
		RunE:  runTargets,
	}
	addDataFlags(targetsCmd.Flags())
	targetsCmd.Flags().Float64("capital", 0, "Starting capital for a cold start (required on first run)")

	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Print the persisted engine snapshot",
		RunE:  runState,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daily cycle loop with the ops HTTP server",
		Long:  "Starts the Prometheus/health endpoint and executes one decision cycle per configured interval until interrupted",
		RunE:  runServe,
	}
	addDataFlags(serveCmd.Flags())
	serveCmd.Flags().Float64("capital", 0, "Starting capital for a cold start")
	serveCmd.Flags().Duration("interval", 24*time.Hour, "Time between decision cycles")

	rootCmd.AddCommand(backtestCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func addDataFlags(fs *pflag.FlagSet) {
	fs.String("prices", "data/prices.csv", "Wide CSV of daily closes (date + one column per symbol)")
	fs.String("volumes", "data/volumes.csv", "Wide CSV of daily volumes")
	fs.String("benchmark", "data/benchmark.csv", "Two-column CSV of benchmark closes")
	fs.String("universe", "", "Universe YAML (defaults to the configured path)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

func loadUniverse(cmd *cobra.Command, cfg *config.Config, h *market.History) (*market.Universe, error) {
	path, _ := cmd.Flags().GetString("universe")
	if path == "" {
		path = cfg.Engine.UniversePath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// No whitelist file: trade every symbol in the data, untagged.
		log.Warn().Str("path", path).Msg("universe file not found, using all data symbols")
		return market.NewUniverse(h.Symbols(), nil), nil
	}
	uni, err := market.LoadUniverse(path)
	if err != nil {
		return nil, err
	}
	for _, sym := range uni.Symbols() {
		if !contains(h.Symbols(), sym) {
			return nil, fmt.Errorf("universe symbol %s has no price data", sym)
		}
	}
	return uni, nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
