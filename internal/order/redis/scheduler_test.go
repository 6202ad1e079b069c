package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"ms-membership/internal/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a Redis client using miniredis for testing
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestScheduleSetsExpiringKey(t *testing.T) {
	client, mr := setupTestRedis(t)
	s := NewScheduler(client, logger.NewNop())

	require.NoError(t, s.Schedule(context.Background(), "order-1", 3*time.Second))

	assert.True(t, mr.Exists("order_check:order-1"))
	assert.Equal(t, 3*time.Second, mr.TTL("order_check:order-1"))

	mr.FastForward(3 * time.Second)
	assert.False(t, mr.Exists("order_check:order-1"))
}

func TestScheduleClampsNonPositiveDelay(t *testing.T) {
	client, mr := setupTestRedis(t)
	s := NewScheduler(client, logger.NewNop())

	require.NoError(t, s.Schedule(context.Background(), "order-2", -time.Minute))
	assert.True(t, mr.Exists("order_check:order-2"))

	require.NoError(t, s.Cancel(context.Background(), "order-2"))
	assert.False(t, mr.Exists("order_check:order-2"))
}

func TestListenDispatchesExpiredCheckKeys(t *testing.T) {
	client, mr := setupTestRedis(t)
	s := NewScheduler(client, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Listen(ctx, func(ctx context.Context, orderID string) error {
			mu.Lock()
			seen = append(seen, orderID)
			mu.Unlock()
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("__keyevent@0__:*")) == 1
	}, time.Second, 10*time.Millisecond)

	// miniredis does not emit keyspace events, so publish what Redis would.
	mr.Publish("__keyevent@0__:expired", "seat_lock:unrelated")
	mr.Publish("__keyevent@0__:expired", "order_check:order-3")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == "order-3"
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
