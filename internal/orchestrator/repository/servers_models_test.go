package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/huberrors"
	orchestratordb "github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/database"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
)

func withServerRepositories(t *testing.T, action func(t *testing.T, repo ServerRepository)) {
	t.Run("memory", func(t *testing.T) {
		action(t, NewInMemoryServerRepository())
	})
	t.Run("postgres", func(t *testing.T) {
		orchestratordb.WithTestDbOrSkip(t, func(db *pgxpool.Pool) error {
			action(t, NewPostgresServerRepository(db))
			return nil
		})
	})
}

func withModelRepositories(t *testing.T, action func(t *testing.T, repo ModelRepository)) {
	t.Run("memory", func(t *testing.T) {
		action(t, NewInMemoryModelRepository())
	})
	t.Run("postgres", func(t *testing.T) {
		orchestratordb.WithTestDbOrSkip(t, func(db *pgxpool.Pool) error {
			action(t, NewPostgresModelRepository(db))
			return nil
		})
	})
}

func TestServerRepository(t *testing.T) {
	withServerRepositories(t, func(t *testing.T, repo ServerRepository) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)

		for _, s := range []*domain.Server{
			{ServerId: "self", IsHealthy: true, StartupTime: now.Add(-time.Hour), LastCheckIn: now.Add(-time.Hour)},
			{ServerId: "dead", IsHealthy: true, StartupTime: now.Add(-time.Hour), LastCheckIn: now.Add(-10 * time.Minute)},
			{ServerId: "alive", IsHealthy: true, StartupTime: now.Add(-time.Hour), LastCheckIn: now.Add(-10 * time.Minute)},
		} {
			require.NoError(t, repo.Upsert(ctx, s))
		}
		require.NoError(t, repo.CheckIn(ctx, "alive", now))

		stale, err := repo.SelectStale(ctx, now.Add(-5*time.Minute), "self")
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "dead", stale[0].ServerId)

		require.NoError(t, repo.Delete(ctx, "dead"))
		stale, err = repo.SelectStale(ctx, now.Add(-5*time.Minute), "self")
		require.NoError(t, err)
		assert.Empty(t, stale)

		assert.True(t, huberrors.IsNotFound(repo.CheckIn(ctx, "dead", now)))
	})
}

func TestModelRepository(t *testing.T) {
	withModelRepositories(t, func(t *testing.T, repo ModelRepository) {
		ctx := context.Background()
		model := &domain.Model{
			Id:      "eos3b5e",
			Enabled: true,
			Details: domain.ModelDetails{
				ExecutionMode: domain.ExecutionModeAsync,
				Scaling:       domain.ScalingInfo{Enabled: true, MaxInstances: 3, MinInstances: 1},
				Size:          "large",
			},
		}
		require.NoError(t, repo.Upsert(ctx, model))
		require.NoError(t, repo.Upsert(ctx, &domain.Model{Id: "eos4e40", Enabled: false}))

		stored, err := repo.Get(ctx, "eos3b5e")
		require.NoError(t, err)
		assert.Equal(t, model, stored)

		model.Details.Scaling.MaxInstances = domain.UnlimitedInstances
		require.NoError(t, repo.Upsert(ctx, model))
		stored, err = repo.Get(ctx, "eos3b5e")
		require.NoError(t, err)
		assert.Equal(t, domain.UnlimitedInstances, stored.Details.Scaling.MaxInstances)

		all, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "eos3b5e", all[0].Id)
		assert.Equal(t, "eos4e40", all[1].Id)

		_, err = repo.Get(ctx, "missing")
		assert.True(t, huberrors.IsNotFound(err))
	})
}
