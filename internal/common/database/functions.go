package database

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/configuration"
)

// CreateConnectionString renders libpq key/value pairs, quoting every value.
// https://www.postgresql.org/docs/current/libpq-connect.html#LIBPQ-CONNSTRING
func CreateConnectionString(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s='%s'", k, replacer.Replace(values[k])))
	}
	return strings.Join(parts, " ")
}

func OpenPgxPool(ctx context.Context, config configuration.PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if config.PoolMaxOpenConns > 0 {
		poolConfig.MaxConns = int32(config.PoolMaxOpenConns)
	}
	if config.PoolMaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.PoolMaxConnLifetime
	}
	db, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, errors.WithStack(err)
	}
	return db, nil
}
