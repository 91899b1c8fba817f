package model

import (
	"context"
	"time"

	"github.com/cloudwego/eino/schema"
)

type ConversationRepository interface {
	// AddMessage mirrors a turn into the durable transcript for the given call
	AddMessage(ctx context.Context, conversationID string, message *schema.Message) error

	// LoadHistory retrieves the transcript for a call
	LoadHistory(ctx context.Context, conversationID string) (*ConversationHistory, error)

	// ClearHistory removes the transcript for a call
	ClearHistory(ctx context.Context, conversationID string) error

	// GetMessageCount returns the number of messages in the transcript
	GetMessageCount(ctx context.Context, conversationID string) (int, error)
}

// ConversationHistory represents loaded conversation data with metadata.
type ConversationHistory struct {
	ConversationID string
	Messages       []*schema.Message
}

// WorkflowRepository is the read side of the external workflow store.
type WorkflowRepository interface {
	// ActiveWorkflow returns the active workflow for an agent. A missing
	// agent or workflow is a configuration error.
	ActiveWorkflow(ctx context.Context, agentID string) (*Workflow, error)
}

// VectorStore answers nearest-neighbour queries over indexed knowledge.
type VectorStore interface {
	Query(ctx context.Context, vector []float64, topK int, filter VectorFilter) ([]KnowledgeChunk, error)
}

// CallOutcome is what a terminated call leaves behind for downstream systems.
type CallOutcome struct {
	SessionID  string            `json:"session_id"`
	AgentID    string            `json:"agent_id"`
	CallSID    string            `json:"call_sid"`
	NodeID     string            `json:"node_id"`
	Reason     string            `json:"reason"`
	Variables  map[string]string `json:"variables"`
	Turns      int               `json:"turns"`
	EndedAt    time.Time         `json:"ended_at"`
	Parameters map[string]any    `json:"parameters,omitempty"`
}

// OutcomeRecorder persists call outcomes.
type OutcomeRecorder interface {
	Record(ctx context.Context, outcome CallOutcome) error
}
