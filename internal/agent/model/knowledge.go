package model

// KnowledgeChunk is one retrieved passage with the vector it was indexed under.
type KnowledgeChunk struct {
	ID      string    `json:"id"`
	Content string    `json:"content"`
	Vector  []float64 `json:"-"`
	Score   float64   `json:"score"`
}

// VectorFilter narrows a nearest-neighbour query.
type VectorFilter struct {
	AgentID string
}

// MaxTopK bounds a single nearest-neighbour query.
const MaxTopK = 5000
