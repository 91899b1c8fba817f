package knowledge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cloudwego/eino/components/embedding"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycall-core/server/internal/agent/model"
	errx "github.com/relaycall-core/server/internal/core/error"
)

type countingEmbedder struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (e *countingEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	e.calls.Add(1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = []float64{float64(len(t)), 1}
	}
	return out, nil
}

type fakeStore struct {
	calls  atomic.Int32
	topK   int
	filter model.VectorFilter
	chunks []model.KnowledgeChunk
	err    error
}

func (s *fakeStore) Query(_ context.Context, _ []float64, topK int, filter model.VectorFilter) ([]model.KnowledgeChunk, error) {
	s.calls.Add(1)
	s.topK = topK
	s.filter = filter
	return s.chunks, s.err
}

func testConfig() model.KnowledgeConfig {
	return model.KnowledgeConfig{ProbeQuery: "about us", TopK: 10, MaxEntries: 100, RedisTTL: time.Hour}
}

func TestEmbed_HitIssuesOneUpstreamCall(t *testing.T) {
	emb := &countingEmbedder{}
	c := NewCache(emb, nil, testConfig())
	ctx := context.Background()

	v1, err := c.Embed(ctx, "agent-1", "What are your hours?")
	require.NoError(t, err)
	v2, err := c.Embed(ctx, "agent-1", "  what are your HOURS?  ")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), emb.calls.Load())
	assert.Equal(t, 1, c.Len("agent-1"))
}

func TestEmbed_ConcurrentMissesCollapse(t *testing.T) {
	emb := &countingEmbedder{delay: 50 * time.Millisecond}
	c := NewCache(emb, nil, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Embed(context.Background(), "agent-1", "refund policy")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), emb.calls.Load())
}

func TestEmbed_AgentsAreSeparate(t *testing.T) {
	emb := &countingEmbedder{}
	c := NewCache(emb, nil, testConfig())
	ctx := context.Background()

	_, err := c.Embed(ctx, "a", "hello")
	require.NoError(t, err)
	_, err = c.Embed(ctx, "b", "hello")
	require.NoError(t, err)
	assert.Equal(t, int32(2), emb.calls.Load())
}

func TestEmbed_EvictsOldest(t *testing.T) {
	emb := &countingEmbedder{}
	cfg := testConfig()
	cfg.MaxEntries = 2
	c := NewCache(emb, nil, cfg)
	ctx := context.Background()

	for _, q := range []string{"one", "two", "three"} {
		_, err := c.Embed(ctx, "a", q)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len("a"))

	_, err := c.Embed(ctx, "a", "three")
	require.NoError(t, err)
	assert.Equal(t, int32(3), emb.calls.Load())

	_, err = c.Embed(ctx, "a", "one")
	require.NoError(t, err)
	assert.Equal(t, int32(4), emb.calls.Load())
}

func TestEmbed_Errors(t *testing.T) {
	c := NewCache(&countingEmbedder{err: errors.New("quota")}, nil, testConfig())

	_, err := c.Embed(context.Background(), "a", "hello")
	assert.True(t, errx.IsKind(err, errx.KindUpstream))
	assert.Equal(t, 0, c.Len("a"))

	_, err = c.Embed(context.Background(), "a", "   ")
	assert.True(t, errx.IsKind(err, errx.KindConfiguration))
}

func TestEmbed_RedisSecondLevel(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	first := &countingEmbedder{}
	v1, err := NewCache(first, nil, testConfig(), WithRedis(rdb)).Embed(ctx, "a", "Hello")
	require.NoError(t, err)
	assert.True(t, mr.Exists(redisKey("a", "hello")))

	second := &countingEmbedder{}
	v2, err := NewCache(second, nil, testConfig(), WithRedis(rdb)).Embed(ctx, "a", "hello")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(0), second.calls.Load())

	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists(redisKey("a", "hello")))
}

func TestPrefetch_CachesPerAgentAndClampsTopK(t *testing.T) {
	emb := &countingEmbedder{}
	store := &fakeStore{chunks: []model.KnowledgeChunk{{ID: "1", Content: "We open at nine."}}}
	cfg := testConfig()
	cfg.TopK = 10000
	c := NewCache(emb, store, cfg)
	ctx := context.Background()

	chunks, err := c.Prefetch(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, model.MaxTopK, store.topK)
	assert.Equal(t, "agent-1", store.filter.AgentID)

	chunks[0].Content = "mutated"
	again, err := c.Prefetch(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "We open at nine.", again[0].Content)
	assert.Equal(t, int32(1), store.calls.Load())
	assert.Equal(t, int32(1), emb.calls.Load())

	c.Invalidate("agent-1")
	_, err = c.Prefetch(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestPrefetch_UpstreamFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	c := NewCache(&countingEmbedder{}, store, testConfig())

	_, err := c.Prefetch(context.Background(), "agent-1")
	assert.True(t, errx.IsKind(err, errx.KindUpstream))

	store.err = nil
	store.chunks = []model.KnowledgeChunk{{Content: "ok"}}
	chunks, err := c.Prefetch(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}

// slowStore answers after delay unless its context ends first.
type slowStore struct {
	calls atomic.Int32
	delay time.Duration
}

func (s *slowStore) Query(ctx context.Context, _ []float64, _ int, _ model.VectorFilter) ([]model.KnowledgeChunk, error) {
	s.calls.Add(1)
	select {
	case <-time.After(s.delay):
		return []model.KnowledgeChunk{{ID: "1", Content: "We open at nine."}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestPrefetch_CancelledCallerDoesNotFailOthers(t *testing.T) {
	store := &slowStore{delay: 100 * time.Millisecond}
	c := NewCache(&countingEmbedder{}, store, testConfig())

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Prefetch(first, "agent-1")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return store.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		chunks []model.KnowledgeChunk
		err    error
	}
	second := make(chan result, 1)
	go func() {
		chunks, err := c.Prefetch(context.Background(), "agent-1")
		second <- result{chunks, err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(50 * time.Millisecond):
		t.Fatal("cancelled caller kept waiting")
	}

	res := <-second
	require.NoError(t, res.err)
	require.Len(t, res.chunks, 1)
	assert.Equal(t, int32(1), store.calls.Load())

	cached, err := c.Prefetch(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Len(t, cached, 1)
}

func TestEmbed_CancelledCallerDoesNotFailOthers(t *testing.T) {
	emb := &countingEmbedder{delay: 80 * time.Millisecond}
	c := NewCache(emb, nil, testConfig())

	first, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := c.Embed(first, "a", "hours")
		assert.Error(t, err)
	}()
	require.Eventually(t, func() bool { return emb.calls.Load() == 1 }, time.Second, time.Millisecond)

	done := make(chan []float64, 1)
	go func() {
		vec, err := c.Embed(context.Background(), "a", "hours")
		assert.NoError(t, err)
		done <- vec
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	wg.Wait()

	assert.Equal(t, []float64{5, 1}, <-done)
	assert.Equal(t, int32(1), emb.calls.Load())
}
