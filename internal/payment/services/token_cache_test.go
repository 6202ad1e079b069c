package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedTokenIsValid(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, (*CachedToken)(nil).IsValid(now))
	assert.False(t, (&CachedToken{}).IsValid(now))
	assert.True(t, (&CachedToken{Token: "t", ExpiresAt: now.Add(2 * time.Minute)}).IsValid(now))
	assert.False(t, (&CachedToken{Token: "t", ExpiresAt: now.Add(TokenExpiryBuffer)}).IsValid(now))
}

func TestTokenCacheRefreshesWithinBuffer(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	cache := NewTokenCache(func(ctx context.Context) (*CachedToken, error) {
		calls++
		return &CachedToken{Token: "token", ExpiresAt: now.Add(5 * time.Minute)}, nil
	}, nil)
	cache.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		token, err := cache.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "token", token)
	}
	assert.Equal(t, 1, calls)

	now = now.Add(4*time.Minute + 30*time.Second)
	_, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestTokenCachePropagatesFetchError(t *testing.T) {
	cache := NewTokenCache(func(ctx context.Context) (*CachedToken, error) {
		return nil, ErrProviderRequest
	}, nil)

	_, err := cache.Get(context.Background())
	assert.True(t, errors.Is(err, ErrProviderRequest))
}

func TestTokenCacheSharesThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisTokenStore(client, "vipps:access_token")

	calls := 0
	fetch := func(ctx context.Context) (*CachedToken, error) {
		calls++
		return &CachedToken{Token: "shared", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}

	first := NewTokenCache(fetch, store)
	second := NewTokenCache(fetch, store)

	token, err := first.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shared", token)

	token, err = second.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shared", token)
	assert.Equal(t, 1, calls)
	assert.True(t, mr.Exists("vipps:access_token"))
}

func TestRedisTokenStoreMissingKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	token, err := NewRedisTokenStore(client, "missing").Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, token)
}
