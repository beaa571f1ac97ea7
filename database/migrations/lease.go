package migrations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"gitlab.com/gitlab-org/database-guard/database/datastore"
	"gitlab.com/gitlab-org/database-guard/log"
)

// ErrLeaseHeld is returned when another process is already running migrations.
var ErrLeaseHeld = errors.New("another migration run holds the lease")

// ReleaseFunc releases a lease.
type ReleaseFunc func(ctx context.Context) error

// Lease ensures a single migration run per database at a time.
type Lease interface {
	Acquire(ctx context.Context) (ReleaseFunc, error)
}

type noLease struct{}

func (noLease) Acquire(context.Context) (ReleaseFunc, error) {
	return func(context.Context) error { return nil }, nil
}

// NoLease never blocks a run. It is used when run leases are turned off.
var NoLease Lease = noLease{}

// AdvisoryLease is a lease held as a PostgreSQL session advisory lock.
type AdvisoryLease struct {
	DB  *datastore.DB
	Key string
}

// Acquire takes the advisory lock on a dedicated session, failing with ErrLeaseHeld when it is taken.
func (l *AdvisoryLease) Acquire(ctx context.Context) (ReleaseFunc, error) {
	conn, err := l.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening lease session: %w", err)
	}

	var obtained bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", l.Key).Scan(&obtained); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("obtaining advisory lock: %w", err)
	}
	if !obtained {
		_ = conn.Close()
		return nil, ErrLeaseHeld
	}

	return func(ctx context.Context) error {
		defer conn.Close()
		if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", l.Key); err != nil {
			return fmt.Errorf("releasing advisory lock: %w", err)
		}
		return nil
	}, nil
}

const defaultLeaseTTL = time.Minute

// RedisLease is a lease held as a Redis lock, refreshed while the run is in progress.
type RedisLease struct {
	locker *redislock.Client
	key    string
	ttl    time.Duration
}

// NewRedisLease returns a lease named after the migrator name. A zero ttl means one minute.
func NewRedisLease(client redis.UniversalClient, name string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &RedisLease{
		locker: redislock.New(client),
		key:    fmt.Sprintf("database-guard:{migrations}:%s:lease", name),
		ttl:    ttl,
	}
}

// Key returns the Redis key of the lease.
func (l *RedisLease) Key() string {
	return l.key
}

// Acquire obtains the lock and refreshes it every half ttl until released.
func (l *RedisLease) Acquire(ctx context.Context) (ReleaseFunc, error) {
	lock, err := l.locker.Obtain(ctx, l.key, l.ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrLeaseHeld
		}
		return nil, fmt.Errorf("obtaining lease: %w", err)
	}

	logger := log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{"lease_key": l.key})
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lock.Refresh(context.WithoutCancel(ctx), l.ttl, nil); err != nil {
					logger.WithError(err).Error("failed to refresh migration lease")
					return
				}
			}
		}
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			close(stop)
			wg.Wait()
			if rErr := lock.Release(ctx); rErr != nil && !errors.Is(rErr, redislock.ErrLockNotHeld) {
				err = fmt.Errorf("releasing lease: %w", rErr)
			}
		})
		return err
	}, nil
}
