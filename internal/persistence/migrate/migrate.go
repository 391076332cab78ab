// Package migrate applies the embedded schema migrations in filename
// order and records each applied file in schema_migrations together
// with its checksum. A checksum mismatch on an already-applied file
// aborts startup: edited history means the database and the binary
// disagree about the schema.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

//go:embed sql/*.sql
var migrations embed.FS

// Result summarizes one migration run.
type Result struct {
	Applied []string
	Skipped int
}

// Run applies pending migrations. Already-applied files are verified
// against their recorded checksum and skipped.
func Run(ctx context.Context, db *sqlx.DB) (*Result, error) {
	if err := ensureLedger(ctx, db); err != nil {
		return nil, err
	}

	entries, err := migrations.ReadDir("sql")
	if err != nil {
		return nil, fmt.Errorf("migrate: read embedded dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	res := &Result{}
	for _, name := range names {
		body, err := migrations.ReadFile("sql/" + name)
		if err != nil {
			return nil, fmt.Errorf("migrate: read %s: %w", name, err)
		}
		sum := checksum(body)

		applied, recorded, err := appliedChecksum(ctx, db, name)
		if err != nil {
			return nil, err
		}
		if applied {
			if recorded != sum {
				return nil, fmt.Errorf("migrate: %s changed after being applied (recorded %s, embedded %s)", name, recorded, sum)
			}
			res.Skipped++
			continue
		}

		if err := applyOne(ctx, db, name, string(body), sum); err != nil {
			return nil, err
		}
		log.Info().Str("migration", name).Msg("schema migration applied")
		res.Applied = append(res.Applied, name)
	}
	return res, nil
}

func ensureLedger(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("migrate: ensure ledger: %w", err)
	}
	return nil
}

func appliedChecksum(ctx context.Context, db *sqlx.DB, name string) (bool, string, error) {
	var sum string
	err := db.QueryRowxContext(ctx,
		`SELECT checksum FROM schema_migrations WHERE filename = $1`, name).Scan(&sum)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("migrate: lookup %s: %w", name, err)
	}
	return true, sum, nil
}

func applyOne(ctx context.Context, db *sqlx.DB, name, body, sum string) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("migrate: apply %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)`, name, sum); err != nil {
		return fmt.Errorf("migrate: record %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit %s: %w", name, err)
	}
	return nil
}

func checksum(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}
