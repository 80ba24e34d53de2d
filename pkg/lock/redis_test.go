package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewRedis_InvalidURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "not-a-redis-url", zaptest.NewLogger(t))
	assert.Error(t, err)
}

// Set LOANSERV_TEST_REDIS_URL to a disposable Redis to run these.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	url := os.Getenv("LOANSERV_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LOANSERV_TEST_REDIS_URL not set")
	}
	r, err := NewRedis(context.Background(), url, zaptest.NewLogger(t))
	require.NoError(t, err)
	r.prefix = "loanserv:test:" + uuid.NewString() + ":"
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRedis_MutualExclusion(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	unlock, err := r.Lock(ctx, "loan-1")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = r.Lock(waitCtx, "loan-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := r.Lock(ctx, "loan-2")
	require.NoError(t, err)
	other()

	unlock()
	again, err := r.Lock(ctx, "loan-1")
	require.NoError(t, err)
	again()
}

func TestRedis_StaleUnlockKeepsNewHolder(t *testing.T) {
	r := newTestRedis(t)
	r.ttl = 50 * time.Millisecond
	ctx := context.Background()

	stale, err := r.Lock(ctx, "loan-1")
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)

	r.ttl = 30 * time.Second
	current, err := r.Lock(ctx, "loan-1")
	require.NoError(t, err)
	defer current()

	// The expired holder's release must not drop the current holder's lock.
	stale()
	val, err := r.client.Get(ctx, r.prefix+"loan-1").Result()
	require.NoError(t, err)
	assert.NotEmpty(t, val)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = r.Lock(waitCtx, "loan-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
