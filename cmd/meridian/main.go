package main

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "meridian"
	version = "v1.4.0"
)

var (
	logLevel   string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:     appName,
	Short:   "Meridian FX signal and execution platform",
	Version: version,
	Long: `Meridian generates multi-source FX trading signals (technical,
economic calendar, news sentiment), gates them through data-quality and
risk checks, and optionally routes orders to connected brokers.

Run 'meridian serve' for the full platform; the other subcommands are
one-shot operational tools.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		lvl, err := zerolog.ParseLevel(strings.ToLower(logLevel))
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(lvl)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config",
		"Directory with optional yaml overrides (quality.yaml, scheduler.yaml)")
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	// .env is a development convenience; absence is normal.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env")
	}

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
