package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-membership/internal/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var ErrLockTimeout = errors.New("timed out waiting for event lock")

// releaseScript deletes the lock only if it still holds our token, so an expired
// lock taken over by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// EventLock is a per-event mutex shared by every instance through Redis.
type EventLock struct {
	Client *redis.Client
	Logger *logger.Logger
	// TTL bounds how long a crashed holder can block the event.
	TTL time.Duration
	// Wait is how long Acquire retries before giving up.
	Wait          time.Duration
	RetryInterval time.Duration
}

func NewEventLock(client *redis.Client, ttl, wait time.Duration, log *logger.Logger) *EventLock {
	return &EventLock{
		Client:        client,
		Logger:        log,
		TTL:           ttl,
		Wait:          wait,
		RetryInterval: 25 * time.Millisecond,
	}
}

func lockKey(eventID int64) string {
	return fmt.Sprintf("event_lock:%d", eventID)
}

// Acquire blocks until the event's lock is held, Wait elapses or ctx is done.
func (l *EventLock) Acquire(ctx context.Context, eventID int64) (func(), error) {
	key := lockKey(eventID)
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, l.Wait)
	defer cancel()

	ticker := time.NewTicker(l.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.Client.SetNX(waitCtx, key, token, l.TTL).Result()
		if err != nil && waitCtx.Err() == nil {
			return nil, fmt.Errorf("lock event %d: %w", eventID, err)
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: event %d", ErrLockTimeout, eventID)
		case <-ticker.C:
		}
	}
}

func (l *EventLock) release(key, token string) {
	// the request context may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := releaseScript.Run(ctx, l.Client, []string{key}, token).Int()
	if err != nil {
		l.Logger.Error("REDIS", fmt.Sprintf("Failed to release %s: %v", key, err))
		return
	}
	if n == 0 {
		l.Logger.Warn("REDIS", fmt.Sprintf("Lock %s expired before release", key))
	}
}
