package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meridianfx/meridian/internal/config"
	"github.com/meridianfx/meridian/internal/persistence/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if !cfg.DB.Configured() {
		return errors.New("database not configured; set DB_HOST, DB_NAME and DB_USER")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DB.DSN())
	if err != nil {
		return fmt.Errorf("connect %s/%s: %w", cfg.DB.Host, cfg.DB.Name, err)
	}
	defer db.Close()

	res, err := migrate.Run(ctx, db)
	if err != nil {
		return err
	}
	for _, name := range res.Applied {
		log.Info().Str("migration", name).Msg("applied")
	}
	log.Info().Int("applied", len(res.Applied)).Int("skipped", res.Skipped).
		Msg("migrations complete")
	return nil
}
