package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/huberrors"
	orchestratordb "github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/database"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
)

// withWorkRequestRepositories runs action against the in-memory repository and, when a local
// postgres is available, against the postgres repository.
func withWorkRequestRepositories(t *testing.T, action func(t *testing.T, repo WorkRequestRepository)) {
	t.Run("memory", func(t *testing.T) {
		action(t, NewInMemoryWorkRequestRepository(clock.RealClock{}))
	})
	t.Run("postgres", func(t *testing.T) {
		orchestratordb.WithTestDbOrSkip(t, func(db *pgxpool.Pool) error {
			action(t, NewPostgresWorkRequestRepository(db))
			return nil
		})
	})
}

func newRequest(modelId string, userId string, entries ...string) *domain.WorkRequest {
	return &domain.WorkRequest{
		ModelId:        modelId,
		UserId:         userId,
		SessionId:      "session-" + userId,
		RequestPayload: domain.RequestPayload{Entries: entries},
	}
}

func claim(request *domain.WorkRequest, serverId string) *domain.WorkRequest {
	c := request.DeepCopy()
	c.RequestStatus = domain.Scheduling
	c.ServerId = &serverId
	return c
}

func TestWorkRequestRepository_Insert(t *testing.T) {
	withWorkRequestRepositories(t, func(t *testing.T, repo WorkRequestRepository) {
		ctx := context.Background()
		first, err := repo.Insert(ctx, newRequest("model-a", "user-1", "CCO", "CCN"))
		require.NoError(t, err)
		second, err := repo.Insert(ctx, newRequest("model-a", "user-1", "C"))
		require.NoError(t, err)

		assert.Greater(t, second.Id, first.Id)
		assert.Equal(t, domain.Queued, first.RequestStatus)
		assert.Nil(t, first.ServerId)
		assert.Equal(t, []string{"CCO", "CCN"}, first.RequestPayload.Entries)
		assert.False(t, first.RequestDate.IsZero())
		assert.False(t, first.LastUpdated.IsZero())

		stored, err := repo.GetById(ctx, first.Id)
		require.NoError(t, err)
		assert.Equal(t, first, stored)
	})
}

func TestWorkRequestRepository_InsertRejectsInvalidRequests(t *testing.T) {
	withWorkRequestRepositories(t, func(t *testing.T, repo WorkRequestRepository) {
		tests := map[string]*domain.WorkRequest{
			"no model":   newRequest("", "user-1", "a"),
			"no user":    newRequest("model-a", "", "a"),
			"no entries": newRequest("model-a", "user-1"),
		}
		for name, request := range tests {
			t.Run(name, func(t *testing.T) {
				_, err := repo.Insert(context.Background(), request)
				var invalid *huberrors.ErrInvalidArgument
				assert.ErrorAs(t, err, &invalid)
			})
		}
	})
}

func TestWorkRequestRepository_GetByIdNotFound(t *testing.T) {
	withWorkRequestRepositories(t, func(t *testing.T, repo WorkRequestRepository) {
		_, err := repo.GetById(context.Background(), 12345)
		assert.True(t, huberrors.IsNotFound(err))
	})
}

func TestWorkRequestRepository_UpdateRequiresCurrentToken(t *testing.T) {
	withWorkRequestRepositories(t, func(t *testing.T, repo WorkRequestRepository) {
		ctx := context.Background()
		inserted, err := repo.Insert(ctx, newRequest("model-a", "user-1", "a"))
		require.NoError(t, err)

		updated, err := repo.Update(ctx, claim(inserted, "server-1"), UpdateOptions{})
		require.NoError(t, err)
		assert.Equal(t, domain.Scheduling, updated.RequestStatus)
		assert.Equal(t, "server-1", updated.Owner())
		assert.True(t, updated.LastUpdated.After(inserted.LastUpdated))

		// A write based on the stale token must not clobber the newer state.
		_, err = repo.Update(ctx, claim(inserted, "server-2"), UpdateOptions{})
		assert.True(t, huberrors.IsConflict(err))

		stored, err := repo.GetById(ctx, inserted.Id)
		require.NoError(t, err)
		assert.Equal(t, "server-1", stored.Owner())
	})
}

func TestWorkRequestRepository_ConcurrentUpdatesFromSameToken(t *testing.T) {
	withWorkRequestRepositories(t, func(t *testing.T, repo WorkRequestRepository) {
		ctx := context.Background()
		inserted, err := repo.Insert(ctx, newRequest("model-a", "user-1", "a"))
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		results := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := repo.Update(ctx, claim(inserted, "server-"+string(rune('a'+i))), UpdateOptions{ExpectNullServerId: true})
				results <- err
			}(i)
		}
		wg.Wait()
		close(results)

		successes := 0
		for err := range results {
			if err == nil {
				successes++
			} else {
				assert.True(t, huberrors.IsConflict(err))
			}
		}
		assert.Equal(t, 1, successes)
	})
}

func TestWorkRequestRepository_Preconditions(t *testing.T) {
	withWorkRequestRepositories(t, func(t *testing.T, repo WorkRequestRepository) {
		ctx := context.Background()

		t.Run("expect null server id", func(t *testing.T) {
			inserted, err := repo.Insert(ctx, newRequest("model-a", "user-1", "a"))
			require.NoError(t, err)
			claimed, err := repo.Update(ctx, claim(inserted, "server-1"), UpdateOptions{ExpectNullServerId: true})
			require.NoError(t, err)

			// Current token, but the request is already owned.
			reclaim := claim(claimed, "server-2")
			_, err = repo.Update(ctx, reclaim, UpdateOptions{ExpectNullServerId: true})
			assert.True(t, huberrors.IsConflict(err))

			_, err = repo.Update(ctx, reclaim, UpdateOptions{})
			assert.NoError(t, err)
		})

		t.Run("enforce same session id", func(t *testing.T) {
			inserted, err := repo.Insert(ctx, newRequest("model-a", "user-1", "a"))
			require.NoError(t, err)

			otherSession := inserted.DeepCopy()
			otherSession.SessionId = "another-session"
			otherSession.RequestStatusReason = "changed"
			_, err = repo.Update(ctx, otherSession, UpdateOptions{EnforceSameSessionId: true})
			assert.True(t, huberrors.IsConflict(err))

			sameSession := inserted.DeepCopy()
			sameSession.RequestStatusReason = "changed"
			updated, err := repo.Update(ctx, sameSession, UpdateOptions{EnforceSameSessionId: true})
			require.NoError(t, err)
			assert.Equal(t, "changed", updated.RequestStatusReason)
		})
	})
}

func TestWorkRequestRepository_UpdateRejectsInconsistentOwnership(t *testing.T) {
	withWorkRequestRepositories(t, func(t *testing.T, repo WorkRequestRepository) {
		ctx := context.Background()
		inserted, err := repo.Insert(ctx, newRequest("model-a", "user-1", "a"))
		require.NoError(t, err)

		processingWithoutServer := inserted.DeepCopy()
		processingWithoutServer.RequestStatus = domain.Processing
		_, err = repo.Update(ctx, processingWithoutServer, UpdateOptions{})
		var invalid *huberrors.ErrInvalidArgument
		assert.ErrorAs(t, err, &invalid)
	})
}

func TestWorkRequestRepository_UpdateKeepsImmutableFields(t *testing.T) {
	withWorkRequestRepositories(t, func(t *testing.T, repo WorkRequestRepository) {
		ctx := context.Background()
		inserted, err := repo.Insert(ctx, newRequest("model-a", "user-1", "a", "b"))
		require.NoError(t, err)

		now := time.Now().UTC().Truncate(time.Microsecond)
		jobId := "job-1"
		change := claim(inserted, "server-1")
		change.RequestStatus = domain.Processing
		change.ModelId = "model-b"
		change.RequestPayload.Entries = []string{"z"}
		change.NonCachedInputs = []string{"b"}
		change.ModelJobId = &jobId
		change.ClaimTimestamp = &now

		updated, err := repo.Update(ctx, change, UpdateOptions{})
		require.NoError(t, err)
		assert.Equal(t, "model-a", updated.ModelId)
		assert.Equal(t, []string{"a", "b"}, updated.RequestPayload.Entries)
		assert.Equal(t, []string{"b"}, updated.NonCachedInputs)
		assert.Equal(t, "job-1", updated.JobId())
		require.NotNil(t, updated.ClaimTimestamp)
		assert.True(t, now.Equal(*updated.ClaimTimestamp))
	})
}

func TestWorkRequestRepository_Select(t *testing.T) {
	withWorkRequestRepositories(t, func(t *testing.T, repo WorkRequestRepository) {
		ctx := context.Background()
		queued, err := repo.Insert(ctx, newRequest("model-a", "user-1", "a"))
		require.NoError(t, err)
		mine, err := repo.Insert(ctx, newRequest("model-a", "user-2", "b"))
		require.NoError(t, err)
		mine, err = repo.Update(ctx, claim(mine, "server-1"), UpdateOptions{})
		require.NoError(t, err)
		theirs, err := repo.Insert(ctx, newRequest("model-b", "user-1", "c"))
		require.NoError(t, err)
		theirs, err = repo.Update(ctx, claim(theirs, "server-2"), UpdateOptions{})
		require.NoError(t, err)
		done, err := repo.Insert(ctx, newRequest("model-b", "user-2", "d"))
		require.NoError(t, err)
		processed := time.Now().UTC().Truncate(time.Microsecond)
		done.RequestStatus = domain.Completed
		done.ProcessedTimestamp = &processed
		done, err = repo.Update(ctx, done, UpdateOptions{})
		require.NoError(t, err)

		hourAgo := processed.Add(-time.Hour)
		tests := map[string]struct {
			filters  RequestFilters
			expected []int64
		}{
			"no filters": {
				expected: []int64{queued.Id, mine.Id, theirs.Id, done.Id},
			},
			"by model": {
				filters:  RequestFilters{ModelIds: []string{"model-b"}},
				expected: []int64{theirs.Id, done.Id},
			},
			"by user": {
				filters:  RequestFilters{UserId: "user-2"},
				expected: []int64{mine.Id, done.Id},
			},
			"by session": {
				filters:  RequestFilters{SessionId: "session-user-1"},
				expected: []int64{queued.Id, theirs.Id},
			},
			"active owned by self or unowned": {
				filters: RequestFilters{
					Statuses:       domain.ActiveStatuses,
					ServerIds:      []string{"server-1"},
					IncludeUnowned: true,
				},
				expected: []int64{queued.Id, mine.Id},
			},
			"owned by server": {
				filters:  RequestFilters{ServerIds: []string{"server-2"}},
				expected: []int64{theirs.Id},
			},
			"processed window": {
				filters:  RequestFilters{ProcessedFrom: &hourAgo, ProcessedTo: &processed},
				expected: []int64{done.Id},
			},
			"request date window": {
				filters:  RequestFilters{DateFrom: &hourAgo},
				expected: []int64{queued.Id, mine.Id, theirs.Id, done.Id},
			},
			"limit": {
				filters:  RequestFilters{Limit: 2},
				expected: []int64{queued.Id, mine.Id},
			},
		}
		for name, tc := range tests {
			t.Run(name, func(t *testing.T) {
				result, err := repo.Select(ctx, tc.filters)
				require.NoError(t, err)
				ids := make([]int64, len(result))
				for i, r := range result {
					ids[i] = r.Id
				}
				assert.Equal(t, tc.expected, ids)
			})
		}
	})
}
