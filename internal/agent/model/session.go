package model

import (
	"github.com/cloudwego/eino/schema"
)

// SessionState is the lifecycle of one call.
//
//	setup -> active -> terminating -> closed
//	setup -> closed, active -> closed (transport close)
type SessionState string

const (
	StateSetup       SessionState = "setup"
	StateActive      SessionState = "active"
	StateTerminating SessionState = "terminating"
	StateClosed      SessionState = "closed"
)

// CanTransition reports whether the lifecycle allows moving from s to next.
// Nothing ever returns to active.
func (s SessionState) CanTransition(next SessionState) bool {
	switch s {
	case StateSetup:
		return next == StateActive || next == StateClosed
	case StateActive:
		return next == StateTerminating || next == StateClosed
	case StateTerminating:
		return next == StateClosed
	default:
		return false
	}
}

// CallInfo identifies the telephony leg a session belongs to.
type CallInfo struct {
	CallSID    string
	From       string
	To         string
	AccountSID string
}

// SetupInput is what the transport hands the engine on a setup event.
type SetupInput struct {
	SessionID  string
	AgentID    string
	Call       CallInfo
	Parameters map[string]string
}

// TurnInput represents one transcribed caller utterance.
type TurnInput struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// TurnResult summarises one handled prompt, mostly for logs and tests.
type TurnResult struct {
	TurnID      string
	Reply       string
	FromNodeID  string
	ToNodeID    string
	Variables   map[string]string
	Terminated  bool
	Interrupted bool
}

// Snapshot is a read-only copy of a session for inspection.
type Snapshot struct {
	ID            string
	AgentID       string
	State         SessionState
	CurrentNodeID string
	History       []*schema.Message
	Variables     map[string]string
	Knowledge     []KnowledgeChunk
	Call          CallInfo
}
