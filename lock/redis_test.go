package lock_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/sitebook/inventory"
	"github.com/warp/sitebook/lock"
)

// newLocker connects to SITEBOOK_TEST_REDIS_ADDR or skips.
func newLocker(t *testing.T, opts ...lock.Option) *lock.Redis {
	t.Helper()
	addr := os.Getenv("SITEBOOK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SITEBOOK_TEST_REDIS_ADDR not set")
	}
	rdb, err := lock.Dial(context.Background(), addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })

	// Isolate runs sharing one Redis.
	opts = append(opts, lock.WithPrefix("sitebook-test:"+uuid.NewString()+":"))
	return lock.NewRedis(rdb, opts...)
}

func TestRedis_ExcludesSecondHolder(t *testing.T) {
	// GIVEN: A material key held by one caller
	// WHEN: A second caller tries with a short deadline
	// THEN: It fails transiently, and succeeds once the first releases

	l := newLocker(t)
	key := inventory.MaterialKey("m1")

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, key)
	require.Error(t, err)
	assert.True(t, inventory.IsTransient(err))

	unlock()
	unlock()

	again, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	again()
}

func TestRedis_ReleasesPartialSetOnFailure(t *testing.T) {
	l := newLocker(t)

	unlockB, err := l.Lock(context.Background(), "material:b")
	require.NoError(t, err)
	defer unlockB()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "material:a", "material:b")
	require.Error(t, err)

	// material:a must have been released
	unlockA, err := l.Lock(context.Background(), "material:a")
	require.NoError(t, err)
	unlockA()
}

func TestRedis_NoKeys(t *testing.T) {
	l := newLocker(t, lock.WithTTL(5*time.Second))
	unlock, err := l.Lock(context.Background())
	require.NoError(t, err)
	unlock()
}
