package database

import (
	"context"
	"embed"
	"time"

	"github.com/jackc/pgtype/pgxtype"
	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/database"
)

//go:embed migrations/*.sql
var fs embed.FS

// Migrate updates the supplied database to the latest version.
// If the database is already at the latest version this is a no-op.
func Migrate(ctx context.Context, db pgxtype.Querier) error {
	start := time.Now()
	migrations, err := database.ReadMigrations(fs, "migrations")
	if err != nil {
		return err
	}
	if err := database.UpdateDatabase(ctx, db, migrations); err != nil {
		return err
	}
	log.Infof("Updated orchestrator database in %s", time.Since(start))
	return nil
}

// WithTestDb creates an orchestrator database suitable for testing. The database is dropped
// once action returns. Returns an error wrapping database.ErrTestDbUnavailable when no local
// postgres is running.
func WithTestDb(action func(db *pgxpool.Pool) error) error {
	migrations, err := database.ReadMigrations(fs, "migrations")
	if err != nil {
		return err
	}
	return database.WithTestDb(migrations, action)
}
