package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ms-membership/internal/logger"

	"github.com/go-redis/redis/v8"
)

const checkKeyPrefix = "order_check:"

// Scheduler defers payment checks with expiring Redis keys. When a key expires,
// Redis publishes a keyspace event and Listen hands the order id to the handler.
type Scheduler struct {
	Client *redis.Client
	Logger *logger.Logger
}

func NewScheduler(client *redis.Client, log *logger.Logger) *Scheduler {
	return &Scheduler{Client: client, Logger: log}
}

func checkKey(orderID string) string {
	return checkKeyPrefix + orderID
}

// Schedule arranges for orderID to be handed to the listener after delay.
func (s *Scheduler) Schedule(ctx context.Context, orderID string, delay time.Duration) error {
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	if err := s.Client.Set(ctx, checkKey(orderID), orderID, delay).Err(); err != nil {
		return fmt.Errorf("schedule check for %s: %w", orderID, err)
	}
	return nil
}

// Cancel drops a pending check.
func (s *Scheduler) Cancel(ctx context.Context, orderID string) error {
	return s.Client.Del(ctx, checkKey(orderID)).Err()
}

// EnableNotifications turns on expired-key events. Managed Redis offerings may refuse
// CONFIG SET; the sweep still covers every order then.
func (s *Scheduler) EnableNotifications(ctx context.Context) error {
	return s.Client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err()
}

func (s *Scheduler) channel() string {
	return fmt.Sprintf("__keyevent@%d__:expired", s.Client.Options().DB)
}

// Listen blocks until ctx is done, calling handle for every expired check key.
func (s *Scheduler) Listen(ctx context.Context, handle func(ctx context.Context, orderID string) error) error {
	pubsub := s.Client.Subscribe(ctx, s.channel())
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.channel(), err)
	}
	s.Logger.Info("REDIS", fmt.Sprintf("Listening for expired payment checks on %s", s.channel()))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(msg.Payload, checkKeyPrefix) {
				continue
			}
			orderID := strings.TrimPrefix(msg.Payload, checkKeyPrefix)
			s.Logger.LogTask("CHECK_PAYMENT", fmt.Sprintf("check key for order %s expired", orderID))
			if err := handle(ctx, orderID); err != nil {
				s.Logger.Error("TASK", fmt.Sprintf("Payment check for %s failed, left to sweep: %v", orderID, err))
			}
		}
	}
}
