package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/util"
)

const testConnectionString = "host=localhost port=5432 user=postgres password=psw sslmode=disable"

// ErrTestDbUnavailable is returned by WithTestDb when no local postgres accepts connections.
var ErrTestDbUnavailable = errors.New("no postgres instance available for tests")

// WithTestDb creates a dedicated, migrated database on the local postgres,
// runs action against it and drops the database afterwards.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()

	connectCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	db, err := pgx.Connect(connectCtx, testConnectionString)
	if err != nil {
		return errors.Wrap(ErrTestDbUnavailable, err.Error())
	}
	defer db.Close(ctx)

	dbName := "test_" + util.NewULID()
	if _, err := db.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		return errors.WithStack(err)
	}

	testDbPool, err := pgxpool.Connect(ctx, testConnectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()
		_, err = db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			fmt.Println("Failed to disconnect users")
		}
		if _, err = db.Exec(ctx, "DROP DATABASE "+dbName); err != nil {
			fmt.Println("Failed to drop database")
		}
	}()

	if err := UpdateDatabase(ctx, testDbPool, migrations); err != nil {
		return errors.WithStack(err)
	}

	return action(testDbPool)
}
