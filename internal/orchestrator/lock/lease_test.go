package lock

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"

	orchestratordb "github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/database"
)

func TestPostgresLeaseLocker(t *testing.T) {
	orchestratordb.WithTestDbOrSkip(t, func(db *pgxpool.Pool) error {
		ctx := context.Background()
		first := NewPostgresLeaseLocker(db, "server-1", time.Minute, 10*time.Millisecond)
		second := NewPostgresLeaseLocker(db, "server-2", time.Minute, 10*time.Millisecond)

		assert.True(t, first.Acquire(ctx, "model-a", time.Second))
		assert.False(t, second.Acquire(ctx, "model-a", 50*time.Millisecond))
		assert.True(t, second.Acquire(ctx, "model-b", time.Second))

		first.Release("model-a")
		assert.True(t, second.Acquire(ctx, "model-a", time.Second))
		second.Release("model-a")
		second.Release("model-b")
		return nil
	})
}

func TestPostgresLeaseLocker_ExpiredLeaseIsTakenOver(t *testing.T) {
	orchestratordb.WithTestDbOrSkip(t, func(db *pgxpool.Pool) error {
		ctx := context.Background()
		crashed := NewPostgresLeaseLocker(db, "server-1", 50*time.Millisecond, 10*time.Millisecond)
		survivor := NewPostgresLeaseLocker(db, "server-2", time.Minute, 10*time.Millisecond)

		assert.True(t, crashed.Acquire(ctx, "model-a", time.Second))
		assert.True(t, survivor.Acquire(ctx, "model-a", 2*time.Second))
		survivor.Release("model-a")
		return nil
	})
}
