package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianfx/meridian/internal/config"
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Render a report immediately",
	Long: `Build one report outside its schedule and write the artifacts
to the configured output directory.

Kinds:
  risk         account, exposure and provider-health summary
  performance  trade stats digest (markdown, json and pdf)`,
	RunE: runDigest,
}

var digestKind string

func init() {
	rootCmd.AddCommand(digestCmd)
	digestCmd.Flags().StringVar(&digestKind, "kind", "performance", "Report kind (risk|performance)")
}

func runDigest(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := config.Load()
	app, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	switch digestKind {
	case "risk":
		report, err := app.riskRep.Run(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	case "performance":
		digest, err := app.digest.Run(ctx)
		if err != nil {
			return err
		}
		return printJSON(digest)
	default:
		return fmt.Errorf("unknown digest kind %q (want risk or performance)", digestKind)
	}
}
