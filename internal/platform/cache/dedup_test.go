package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeduperClaimOnceWithinTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewMemoryDeduper(time.Hour, func() time.Time { return now })
	ctx := context.Background()

	ok, err := d.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Hour)
	ok, err = d.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok, "expired claim should be reclaimable")
}

func TestMemoryDeduperRelease(t *testing.T) {
	d := NewMemoryDeduper(time.Hour, nil)
	ctx := context.Background()
	ok, _ := d.Claim(ctx, "evt_1")
	require.True(t, ok)
	require.NoError(t, d.Release(ctx, "evt_1"))
	ok, _ = d.Claim(ctx, "evt_1")
	assert.True(t, ok)

	_, err := d.Claim(ctx, "  ")
	assert.Error(t, err)
}

func TestNewRedisDeduperValidates(t *testing.T) {
	_, err := NewRedisDeduper(nil, time.Hour)
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })
	_, err = NewRedisDeduper(client, 0)
	assert.Error(t, err)

	d, err := NewRedisDeduper(client, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, defaultKeyPrefix, d.prefix)
}
