package migrations

import (
	"context"
	_ "embed"

	"github.com/uptrace/bun"
)

// One open attempt per (user, exam).
//
//go:embed 20240301110000_in_progress_unique.sql
var inProgressUniqueSQL string

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.ExecContext(ctx, inProgressUniqueSQL)
			return err
		},
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.ExecContext(ctx, `DROP INDEX IF EXISTS simulado_attempts_in_progress_uniq`)
			return err
		},
	)
}
