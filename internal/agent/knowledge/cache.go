package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/relaycall-core/server/internal/agent/model"
	errx "github.com/relaycall-core/server/internal/core/error"
	"github.com/relaycall-core/server/internal/metrics"
	logx "github.com/relaycall-core/server/pkg/logger"
)

const defaultMaxEntries = 10000

// Cache memoizes query embeddings and prefetched knowledge per agent.
// Entries are immutable once stored; a vector returned from Embed must not
// be modified by the caller.
type Cache struct {
	embedder embedding.Embedder
	store    model.VectorStore
	rdb      redis.Cmdable
	cfg      model.KnowledgeConfig

	mu      sync.RWMutex
	vectors map[string]*agentVectors
	chunks  map[string][]model.KnowledgeChunk

	group singleflight.Group
}

type agentVectors struct {
	entries map[string][]float64
	order   []string
}

// Option configures a Cache.
type Option func(*Cache)

// WithRedis enables the shared second-level vector cache.
func WithRedis(rdb redis.Cmdable) Option {
	return func(c *Cache) { c.rdb = rdb }
}

func NewCache(embedder embedding.Embedder, store model.VectorStore, cfg model.KnowledgeConfig, opts ...Option) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 20
	}
	c := &Cache{
		embedder: embedder,
		store:    store,
		cfg:      cfg,
		vectors:  make(map[string]*agentVectors),
		chunks:   make(map[string][]model.KnowledgeChunk),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NormalizeKey folds case and surrounding whitespace so equivalent queries
// share one entry.
func NormalizeKey(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Embed returns the vector for text, calling the embedder at most once per
// normalized key and agent while the entry stays cached. Concurrent misses
// for the same key share one upstream call.
func (c *Cache) Embed(ctx context.Context, agentID, text string) ([]float64, error) {
	key := NormalizeKey(text)
	if key == "" {
		return nil, errx.Configuration(fmt.Errorf("empty embedding query"), "invalid knowledge query")
	}
	if vec, ok := c.lookup(agentID, key); ok {
		metrics.KnowledgeCache.WithLabelValues("hit").Inc()
		return vec, nil
	}

	v, err := c.share(ctx, agentID+"\x00"+key, func(ctx context.Context) (any, error) {
		if vec, ok := c.lookup(agentID, key); ok {
			metrics.KnowledgeCache.WithLabelValues("hit").Inc()
			return vec, nil
		}
		if vec, ok := c.loadRedis(ctx, agentID, key); ok {
			metrics.KnowledgeCache.WithLabelValues("redis_hit").Inc()
			c.insert(agentID, key, vec)
			return vec, nil
		}
		metrics.KnowledgeCache.WithLabelValues("miss").Inc()

		embedCtx := ctx
		if c.cfg.EmbeddingTimeout > 0 {
			var cancel context.CancelFunc
			embedCtx, cancel = context.WithTimeout(ctx, c.cfg.EmbeddingTimeout)
			defer cancel()
		}
		vecs, err := c.embedder.EmbedStrings(embedCtx, []string{key})
		if err != nil {
			return nil, errx.Upstream(err, "embedding failed")
		}
		if len(vecs) != 1 || len(vecs[0]) == 0 {
			return nil, errx.Upstream(fmt.Errorf("embedder returned %d vectors", len(vecs)), "embedding failed")
		}
		vec := c.insert(agentID, key, vecs[0])
		c.storeRedis(ctx, agentID, key, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float64), nil
}

// share runs fn once for all concurrent callers of key. fn runs on a context
// detached from the caller that started it, bounded only by the cache's own
// timeouts, so one caller hanging up does not fail the others. Each caller
// still stops waiting when its own ctx ends.
func (c *Cache) share(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, errx.Upstream(ctx.Err(), "knowledge request abandoned")
	}
}

func (c *Cache) lookup(agentID, key string) ([]float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	av, ok := c.vectors[agentID]
	if !ok {
		return nil, false
	}
	vec, ok := av.entries[key]
	return vec, ok
}

// insert stores vec unless the key is already present, in which case the
// existing vector wins. The oldest entry of the agent is evicted once the
// bound is reached.
func (c *Cache) insert(agentID, key string, vec []float64) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	av, ok := c.vectors[agentID]
	if !ok {
		av = &agentVectors{entries: make(map[string][]float64)}
		c.vectors[agentID] = av
	}
	if existing, ok := av.entries[key]; ok {
		return existing
	}
	for len(av.order) >= c.cfg.MaxEntries {
		oldest := av.order[0]
		av.order = av.order[1:]
		delete(av.entries, oldest)
	}
	stored := append([]float64(nil), vec...)
	av.entries[key] = stored
	av.order = append(av.order, key)
	return stored
}

// Len returns the number of cached vectors for an agent.
func (c *Cache) Len(agentID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if av, ok := c.vectors[agentID]; ok {
		return len(av.entries)
	}
	return 0
}

func redisKey(agentID, key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("emb:%s:%s", agentID, hex.EncodeToString(sum[:]))
}

func (c *Cache) loadRedis(ctx context.Context, agentID, key string) ([]float64, bool) {
	if c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, redisKey(agentID, key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logx.Warn().Err(errx.WrapRedis(err)).Str("agent_id", agentID).Msg("embedding cache read failed")
		}
		return nil, false
	}
	var vec []float64
	if err := json.Unmarshal(raw, &vec); err != nil || len(vec) == 0 {
		logx.Warn().Err(err).Str("agent_id", agentID).Msg("embedding cache entry is corrupt")
		return nil, false
	}
	return vec, true
}

func (c *Cache) storeRedis(ctx context.Context, agentID, key string, vec []float64) {
	if c.rdb == nil {
		return
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKey(agentID, key), b, c.cfg.RedisTTL).Err(); err != nil {
		logx.Warn().Err(errx.WrapRedis(err)).Str("agent_id", agentID).Msg("embedding cache write failed")
	}
}

// Prefetch loads the grounding knowledge for an agent: one embedding of the
// probe query and one nearest-neighbour query filtered by agent. The result
// is cached per agent. Callers receive their own copy of the slice.
func (c *Cache) Prefetch(ctx context.Context, agentID string) ([]model.KnowledgeChunk, error) {
	if chunks, ok := c.cachedChunks(agentID); ok {
		return chunks, nil
	}
	if c.store == nil {
		return nil, nil
	}

	v, err := c.share(ctx, "prefetch\x00"+agentID, func(ctx context.Context) (any, error) {
		if chunks, ok := c.cachedChunks(agentID); ok {
			return chunks, nil
		}
		start := time.Now()
		vec, err := c.Embed(ctx, agentID, c.cfg.ProbeQuery)
		if err != nil {
			return nil, err
		}

		queryCtx := ctx
		if c.cfg.RetrievalTimeout > 0 {
			var cancel context.CancelFunc
			queryCtx, cancel = context.WithTimeout(ctx, c.cfg.RetrievalTimeout)
			defer cancel()
		}
		topK := c.cfg.TopK
		if topK > model.MaxTopK {
			topK = model.MaxTopK
		}
		chunks, err := c.store.Query(queryCtx, vec, topK, model.VectorFilter{AgentID: agentID})
		if err != nil {
			return nil, errx.Upstream(err, "knowledge retrieval failed")
		}

		c.mu.Lock()
		if existing, ok := c.chunks[agentID]; ok {
			chunks = existing
		} else {
			c.chunks[agentID] = chunks
		}
		c.mu.Unlock()

		logx.Debug().
			Str("agent_id", agentID).
			Int("chunks", len(chunks)).
			Dur("took", time.Since(start)).
			Msg("knowledge prefetched")
		return chunks, nil
	})
	if err != nil {
		return nil, err
	}
	return copyChunks(v.([]model.KnowledgeChunk)), nil
}

func (c *Cache) cachedChunks(agentID string) ([]model.KnowledgeChunk, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	chunks, ok := c.chunks[agentID]
	if !ok {
		return nil, false
	}
	return copyChunks(chunks), true
}

// Invalidate drops everything cached in process for an agent, so the next
// Prefetch reads the vector store again. Shared Redis vectors are kept: they
// depend only on the query text.
func (c *Cache) Invalidate(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vectors, agentID)
	delete(c.chunks, agentID)
}

func copyChunks(in []model.KnowledgeChunk) []model.KnowledgeChunk {
	if in == nil {
		return nil
	}
	out := make([]model.KnowledgeChunk, len(in))
	copy(out, in)
	return out
}
