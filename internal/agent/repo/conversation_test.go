package repo

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cloudwego/eino/schema"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestConversationRepository_RoundTrip(t *testing.T) {
	mr, rdb := newRedis(t)
	repo := NewRedisConversationRepository(rdb, time.Minute, 0)
	ctx := context.Background()

	require.NoError(t, repo.AddMessage(ctx, "CA1", schema.UserMessage("what are your hours?")))
	require.NoError(t, repo.AddMessage(ctx, "CA1", schema.AssistantMessage("nine to five", nil)))

	h, err := repo.LoadHistory(ctx, "CA1")
	require.NoError(t, err)
	require.Len(t, h.Messages, 2)
	assert.Equal(t, schema.User, h.Messages[0].Role)
	assert.Equal(t, "nine to five", h.Messages[1].Content)

	n, err := repo.GetMessageCount(ctx, "CA1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.True(t, mr.Exists("call:CA1:transcript"))
	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("call:CA1:transcript"))
}

func TestConversationRepository_CapAndClear(t *testing.T) {
	_, rdb := newRedis(t)
	repo := NewRedisConversationRepository(rdb, 0, 3)
	ctx := context.Background()

	for _, m := range []string{"one", "two", "three", "four"} {
		require.NoError(t, repo.AddMessage(ctx, "CA2", schema.UserMessage(m)))
	}
	h, err := repo.LoadHistory(ctx, "CA2")
	require.NoError(t, err)
	require.Len(t, h.Messages, 3)
	assert.Equal(t, "two", h.Messages[0].Content)

	require.NoError(t, repo.ClearHistory(ctx, "CA2"))
	h, err = repo.LoadHistory(ctx, "CA2")
	require.NoError(t, err)
	assert.Empty(t, h.Messages)

	n, err := repo.GetMessageCount(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConversationRepository_RedisDown(t *testing.T) {
	mr, rdb := newRedis(t)
	repo := NewRedisConversationRepository(rdb, time.Minute, 0)
	mr.Close()

	err := repo.AddMessage(context.Background(), "CA1", schema.UserMessage("hi"))
	assert.Error(t, err)
}
