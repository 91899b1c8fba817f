package repo

import (
	"context"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/relaycall-core/server/internal/agent/model"
	errx "github.com/relaycall-core/server/internal/core/error"
	logx "github.com/relaycall-core/server/pkg/logger"
)

// Cosine distance; score is reported as similarity.
const nearestChunksSQL = `SELECT id, content, 1 - (embedding <=> $1::vector) AS score
FROM knowledge_chunks
WHERE agent_id = $2
ORDER BY embedding <=> $1::vector
LIMIT $3`

// PgVectorStore answers nearest-neighbour queries from a pgvector column.
type PgVectorStore struct {
	db DB
}

func NewPgVectorStore(db DB) *PgVectorStore {
	return &PgVectorStore{db: db}
}

func (s *PgVectorStore) Query(ctx context.Context, vector []float64, topK int, filter model.VectorFilter) ([]model.KnowledgeChunk, error) {
	if len(vector) == 0 || topK <= 0 {
		return nil, nil
	}
	if topK > model.MaxTopK {
		topK = model.MaxTopK
	}

	rows, err := s.db.Query(ctx, nearestChunksSQL, vectorLiteral(vector), filter.AgentID, topK)
	if err != nil {
		logx.Error().Err(err).Str("agent_id", filter.AgentID).Msg("vector query failed")
		return nil, errx.WrapPostgres(err)
	}
	chunks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.KnowledgeChunk, error) {
		var c model.KnowledgeChunk
		err := row.Scan(&c.ID, &c.Content, &c.Score)
		return c, err
	})
	if err != nil {
		return nil, errx.WrapPostgres(err)
	}
	return chunks, nil
}

// vectorLiteral renders v in pgvector's text input form, e.g. [1,0.5,-2].
func vectorLiteral(v []float64) string {
	var b strings.Builder
	b.Grow(len(v)*10 + 2)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

var _ model.VectorStore = (*PgVectorStore)(nil)
