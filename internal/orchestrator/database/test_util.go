package database

import (
	"testing"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/database"
)

// WithTestDbOrSkip runs action against a fresh orchestrator database, skipping the test when
// no local postgres is available.
func WithTestDbOrSkip(t *testing.T, action func(db *pgxpool.Pool) error) {
	err := WithTestDb(action)
	if errors.Is(err, database.ErrTestDbUnavailable) {
		t.Skipf("skipping postgres test: %v", err)
	}
	require.NoError(t, err)
}
