package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// TokenExpiryBuffer is how long before expiry a token is considered stale.
const TokenExpiryBuffer = 60 * time.Second

type CachedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t *CachedToken) IsValid(now time.Time) bool {
	if t == nil || t.Token == "" {
		return false
	}
	return now.Add(TokenExpiryBuffer).Before(t.ExpiresAt)
}

// TokenStore shares a token between service instances.
type TokenStore interface {
	Get(ctx context.Context) (*CachedToken, error)
	Set(ctx context.Context, token *CachedToken) error
}

// TokenCache holds one access token and refreshes it through fetch when it is
// missing or within TokenExpiryBuffer of expiring. Safe for concurrent use.
type TokenCache struct {
	mu    sync.Mutex
	token *CachedToken
	store TokenStore
	fetch func(ctx context.Context) (*CachedToken, error)
	now   func() time.Time
}

func NewTokenCache(fetch func(ctx context.Context) (*CachedToken, error), store TokenStore) *TokenCache {
	return &TokenCache{fetch: fetch, store: store, now: time.Now}
}

func (c *TokenCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.token.IsValid(now) {
		return c.token.Token, nil
	}

	if c.store != nil {
		if shared, err := c.store.Get(ctx); err == nil && shared.IsValid(now) {
			c.token = shared
			return shared.Token, nil
		}
	}

	fresh, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	c.token = fresh

	if c.store != nil {
		// A failed write only costs other instances a token request.
		_ = c.store.Set(ctx, fresh)
	}
	return fresh.Token, nil
}

// Invalidate drops the cached token, e.g. after the provider answered 401.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

type RedisTokenStore struct {
	Client *redis.Client
	Key    string
}

func NewRedisTokenStore(client *redis.Client, key string) *RedisTokenStore {
	return &RedisTokenStore{Client: client, Key: key}
}

func (s *RedisTokenStore) Get(ctx context.Context) (*CachedToken, error) {
	raw, err := s.Client.Get(ctx, s.Key).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get token from Redis: %w", err)
	}

	var token CachedToken
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached token: %w", err)
	}
	return &token, nil
}

func (s *RedisTokenStore) Set(ctx context.Context, token *CachedToken) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.Client.Set(ctx, s.Key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token in Redis: %w", err)
	}
	return nil
}
