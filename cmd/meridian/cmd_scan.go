package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianfx/meridian/internal/config"
	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/engine"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Generate one signal and print it as JSON",
	Long: `Run the full generation pipeline once for a pair and write the
outcome (signal, backtest verdict, execution result) to stdout.

Examples:
  meridian scan --pair EURUSD
  meridian scan --pair GBPJPY --auto-execute --broker oanda`,
	RunE: runScan,
}

var (
	scanPair    string
	scanExecute bool
	scanBroker  string
	scanTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringVar(&scanPair, "pair", "EURUSD", "Currency pair to scan")
	scanCmd.Flags().BoolVar(&scanExecute, "auto-execute", false, "Submit the order when the signal qualifies")
	scanCmd.Flags().StringVar(&scanBroker, "broker", "", "Target broker (empty routes to the default)")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 90*time.Second, "Generation deadline")
}

func runScan(cmd *cobra.Command, args []string) error {
	pair, err := domain.ParsePair(scanPair)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	cfg := config.Load()
	app, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	out := app.coord.GenerateSignal(ctx, pair, engine.Options{
		AutoExecute: scanExecute,
		Broker:      scanBroker,
	})
	return printJSON(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
