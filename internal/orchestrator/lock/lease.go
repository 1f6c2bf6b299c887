package lock

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/logging"
)

const acquireLeaseSql = `
INSERT INTO instance_locks (lock_key, holder, expires_at)
VALUES ($1, $2, clock_timestamp() + make_interval(secs => $3))
ON CONFLICT (lock_key) DO UPDATE
SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
WHERE instance_locks.expires_at < clock_timestamp() OR instance_locks.holder = EXCLUDED.holder`

const releaseLeaseSql = `DELETE FROM instance_locks WHERE lock_key = $1 AND holder = $2`

// PostgresLeaseLocker extends a process-local Locker with a lease row in postgres, giving
// mutual exclusion across replicas sharing the database.
// Leases expire after leaseDuration so a crashed holder cannot block a key forever.
// Only postgres generated timestamps are compared, so clock drift between replicas is irrelevant.
type PostgresLeaseLocker struct {
	local         Locker
	db            *pgxpool.Pool
	holder        string
	leaseDuration time.Duration
	pollInterval  time.Duration
	clock         clock.Clock
}

func NewPostgresLeaseLocker(db *pgxpool.Pool, holder string, leaseDuration time.Duration, pollInterval time.Duration) *PostgresLeaseLocker {
	return &PostgresLeaseLocker{
		local:         NewKeyedMutex(),
		db:            db,
		holder:        holder,
		leaseDuration: leaseDuration,
		pollInterval:  pollInterval,
		clock:         clock.RealClock{},
	}
}

func (l *PostgresLeaseLocker) Acquire(ctx context.Context, key string, timeout time.Duration) bool {
	deadline := l.clock.Now().Add(timeout)
	if !l.local.Acquire(ctx, key, timeout) {
		return false
	}

	for {
		acquired, err := l.tryAcquireLease(ctx, key)
		if err != nil {
			logging.WithStacktrace(log.WithField("lockKey", key), err).Warn("Failed to acquire lease")
		}
		if acquired {
			return true
		}
		remaining := deadline.Sub(l.clock.Now())
		if remaining <= 0 {
			l.local.Release(key)
			return false
		}
		wait := l.pollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			l.local.Release(key)
			return false
		case <-l.clock.After(wait):
		}
	}
}

func (l *PostgresLeaseLocker) Release(key string) {
	defer l.local.Release(key)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := l.db.Exec(ctx, releaseLeaseSql, key, l.holder); err != nil {
		// The lease still expires on its own.
		logging.WithStacktrace(log.WithField("lockKey", key), errors.WithStack(err)).Warn("Failed to release lease")
	}
}

func (l *PostgresLeaseLocker) tryAcquireLease(ctx context.Context, key string) (bool, error) {
	tag, err := l.db.Exec(ctx, acquireLeaseSql, key, l.holder, l.leaseDuration.Seconds())
	if err != nil {
		return false, errors.WithStack(err)
	}
	return tag.RowsAffected() == 1, nil
}
