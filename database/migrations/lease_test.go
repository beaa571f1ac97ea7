package migrations_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/database-guard/database/migrations"
	"gitlab.com/gitlab-org/database-guard/testutil"
)

func newRedisClient(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLease(t *testing.T) {
	mr, client := newRedisClient(t)
	ctx := testutil.NewContextWithLogger(t)

	lease := migrations.NewRedisLease(client, migrations.PreDeployTypeName, time.Minute)
	require.Equal(t, "database-guard:{migrations}:pre-deployment:lease", lease.Key())

	release, err := lease.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, mr.Exists(lease.Key()))

	other := migrations.NewRedisLease(client, migrations.PreDeployTypeName, time.Minute)
	_, err = other.Acquire(ctx)
	require.ErrorIs(t, err, migrations.ErrLeaseHeld)

	require.NoError(t, release(ctx))
	require.False(t, mr.Exists(lease.Key()))
	require.NoError(t, release(ctx))

	release, err = other.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestRedisLease_Expired(t *testing.T) {
	mr, client := newRedisClient(t)
	ctx := testutil.NewContextWithLogger(t)

	lease := migrations.NewRedisLease(client, migrations.PostDeployTypeName, time.Hour)
	release, err := lease.Acquire(ctx)
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)
	require.False(t, mr.Exists(lease.Key()))
	require.NoError(t, release(ctx))
}

func TestRedisLease_Migrator(t *testing.T) {
	r, mock, _ := newRouter(t)
	_, client := newRedisClient(t)
	ctx := testutil.NewContextWithLogger(t)

	lease := migrations.NewRedisLease(client, migrations.PreDeployTypeName, 0)
	m, err := migrations.NewMigrator(r.Main(), newRegistry(t), nil, migrations.WithLease(lease))
	require.NoError(t, err)

	expectPlan(mock, "schema_migrations")
	res, err := m.UpN(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, res.AppliedCount)

	// the lease is free again
	release, err := lease.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestAdvisoryLease(t *testing.T) {
	db, mock := testutil.NewMockDB(t, "main")
	ctx := testutil.NewContextWithLogger(t)
	lease := &migrations.AdvisoryLease{DB: db, Key: "migrations"}

	expectLease(mock, true)
	release, err := lease.Acquire(ctx)
	require.NoError(t, err)
	expectLeaseRelease(mock)
	require.NoError(t, release(ctx))

	expectLease(mock, false)
	_, err = lease.Acquire(ctx)
	require.ErrorIs(t, err, migrations.ErrLeaseHeld)
}

func TestNoLease(t *testing.T) {
	ctx := testutil.NewContextWithLogger(t)

	first, err := migrations.NoLease.Acquire(ctx)
	require.NoError(t, err)
	second, err := migrations.NoLease.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, first(ctx))
	require.NoError(t, second(ctx))
}
