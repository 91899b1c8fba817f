package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/relaycall-core/server/internal/agent/graph"
	"github.com/relaycall-core/server/internal/agent/graph/nodes"
	"github.com/relaycall-core/server/internal/agent/model"
	errx "github.com/relaycall-core/server/internal/core/error"
)

// Session is the live state of one call. Event handlers run on a single
// session loop; the mutex only guards against Interrupt and inspection from
// other goroutines.
type Session struct {
	ID         string
	AgentID    string
	Call       model.CallInfo
	Parameters map[string]string
	Graph      *graph.Graph
	CreatedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         model.SessionState
	currentNodeID string
	history       []*schema.Message
	vars          map[string]string
	knowledge     []model.KnowledgeChunk
	turns         int
	turnCancel    context.CancelFunc
	turnSeq       uint64
}

// New creates a session in the setup state. Its context is cancelled by
// Close and by cancellation of parent.
func New(parent context.Context, in model.SetupInput) *Session {
	ctx, cancel := context.WithCancel(parent)
	params := make(map[string]string, len(in.Parameters))
	for k, v := range in.Parameters {
		params[k] = v
	}
	return &Session{
		ID:         in.SessionID,
		AgentID:    in.AgentID,
		Call:       in.Call,
		Parameters: params,
		CreatedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		state:      model.StateSetup,
		vars:       make(map[string]string),
	}
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the lifecycle forward. Moving to the current state is a
// no-op; anything the lifecycle forbids is a state error.
func (s *Session) Transition(next model.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == next {
		return nil
	}
	if !s.state.CanTransition(next) {
		return errx.State(fmt.Errorf("session %s: %s -> %s", s.ID, s.state, next), "invalid session state")
	}
	s.state = next
	return nil
}

// BeginTermination moves an active session to terminating. It fails for a
// session in any other state, so only one caller ever wins.
func (s *Session) BeginTermination() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != model.StateActive {
		return errx.State(fmt.Errorf("session %s is %s", s.ID, s.state), "session is not active")
	}
	s.state = model.StateTerminating
	return nil
}

// Activate binds the compiled workflow and grounding knowledge and places
// the session on the entry node.
func (s *Session) Activate(g *graph.Graph, knowledge []model.KnowledgeChunk) error {
	s.mu.Lock()
	s.Graph = g
	if g != nil {
		s.currentNodeID = g.Entry().ID
	}
	s.knowledge = knowledge
	s.mu.Unlock()
	return s.Transition(model.StateActive)
}

func (s *Session) CurrentNodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentNodeID
}

// CurrentNode resolves the current node against the session's graph.
func (s *Session) CurrentNode() (*nodes.Node, bool) {
	s.mu.Lock()
	id, g := s.currentNodeID, s.Graph
	s.mu.Unlock()
	if g == nil {
		return nil, false
	}
	return g.Node(id)
}

func (s *Session) SetCurrentNode(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentNodeID = id
}

// AppendUser records a caller utterance and counts the turn.
func (s *Session) AppendUser(content string) *schema.Message {
	msg := schema.UserMessage(content)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
	s.turns++
	return msg
}

// AppendAssistant records an assistant reply. Empty replies are dropped.
func (s *Session) AppendAssistant(content string) *schema.Message {
	if content == "" {
		return nil
	}
	msg := schema.AssistantMessage(content, nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
	return msg
}

// History returns a copy of the conversation so far.
func (s *Session) History() []*schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*schema.Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// Variables returns a copy of the extracted variables.
func (s *Session) Variables() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// MergeVariables overwrites existing keys with non-empty values from vars.
func (s *Session) MergeVariables(vars map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range vars {
		if v == "" {
			continue
		}
		s.vars[k] = v
	}
}

func (s *Session) Knowledge() []model.KnowledgeChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knowledge
}

// BeginTurn derives the context for one prompt turn. A previous turn still
// in flight is cancelled. The returned func must be called when the turn
// ends.
func (s *Session) BeginTurn() (context.Context, func()) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.turnSeq++
	seq := s.turnSeq
	s.turnCancel = cancel
	s.mu.Unlock()

	return ctx, func() {
		cancel()
		s.mu.Lock()
		if s.turnSeq == seq {
			s.turnCancel = nil
		}
		s.mu.Unlock()
	}
}

// Interrupt cancels the turn in flight, if any, and reports whether there
// was one.
func (s *Session) Interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnCancel == nil {
		return false
	}
	s.turnCancel()
	s.turnCancel = nil
	return true
}

// Close marks the session closed and cancels everything derived from it.
// It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	s.state = model.StateClosed
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.mu.Unlock()
	s.cancel()
}

// Closed reports whether the session can no longer be used.
func (s *Session) Closed() bool {
	return s.State() == model.StateClosed
}

// Snapshot copies the session for inspection.
func (s *Session) Snapshot() model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]*schema.Message, len(s.history))
	copy(history, s.history)
	vars := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		vars[k] = v
	}
	knowledge := make([]model.KnowledgeChunk, len(s.knowledge))
	copy(knowledge, s.knowledge)
	return model.Snapshot{
		ID:            s.ID,
		AgentID:       s.AgentID,
		State:         s.state,
		CurrentNodeID: s.currentNodeID,
		History:       history,
		Variables:     vars,
		Knowledge:     knowledge,
		Call:          s.Call,
	}
}
