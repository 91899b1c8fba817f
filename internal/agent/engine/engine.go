package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/relaycall-core/server/internal/agent/extract"
	"github.com/relaycall-core/server/internal/agent/graph/conversations"
	"github.com/relaycall-core/server/internal/agent/graph/prompts"
	"github.com/relaycall-core/server/internal/agent/knowledge"
	"github.com/relaycall-core/server/internal/agent/model"
	"github.com/relaycall-core/server/internal/agent/session"
	"github.com/relaycall-core/server/internal/agent/stream"
	"github.com/relaycall-core/server/internal/agent/termination"
	errx "github.com/relaycall-core/server/internal/core/error"
	logx "github.com/relaycall-core/server/pkg/logger"
)

// Deps are the collaborators an Engine drives. Knowledge, Extractor and
// HTTPClient are optional.
type Deps struct {
	Workflows  model.WorkflowRepository
	Knowledge  *knowledge.Cache
	Driver     *stream.Driver
	Extractor  *extract.Extractor
	Messages   *conversations.MessagesManager
	Terminator *termination.Coordinator
	Store      *session.Store
	HTTPClient *http.Client
}

type Config struct {
	Engine    model.EngineConfig
	Grounding prompts.GroundingPolicy
	// InboxSize bounds the events queued behind a turn in progress.
	InboxSize int
}

// handler processes one inbound event for a call. The table of handlers is
// keyed by session state, then by event type; a pair missing from the table
// is a protocol error.
type handler func(e *Engine, c *Call, in model.Inbound) error

// Engine owns the live sessions of one process and turns transport events
// into session transitions.
type Engine struct {
	cfg        model.EngineConfig
	grounding  prompts.GroundingPolicy
	workflows  model.WorkflowRepository
	knowledge  *knowledge.Cache
	driver     *stream.Driver
	extractor  *extract.Extractor
	messages   *conversations.MessagesManager
	terminator *termination.Coordinator
	store      *session.Store
	http       *http.Client

	handlers  map[model.SessionState]map[model.InboundType]handler
	inboxSize int

	mu    sync.RWMutex
	calls map[string]*Call
}

func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Workflows == nil:
		return nil, errors.New("engine: workflow repository is required")
	case deps.Driver == nil:
		return nil, errors.New("engine: completion driver is required")
	case deps.Store == nil:
		return nil, errors.New("engine: session store is required")
	case deps.Terminator == nil:
		return nil, errors.New("engine: termination coordinator is required")
	}
	messages := deps.Messages
	if messages == nil {
		messages = conversations.NewMessagesManager(nil, model.ConversationConfig{})
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	grounding := cfg.Grounding
	if grounding == "" {
		grounding = prompts.GroundAll
	}
	inboxSize := cfg.InboxSize
	if inboxSize <= 0 {
		inboxSize = 32
	}

	e := &Engine{
		cfg:        cfg.Engine,
		grounding:  grounding,
		workflows:  deps.Workflows,
		knowledge:  deps.Knowledge,
		driver:     deps.Driver,
		extractor:  deps.Extractor,
		messages:   messages,
		terminator: deps.Terminator,
		store:      deps.Store,
		http:       client,
		inboxSize:  inboxSize,
		calls:      make(map[string]*Call),
	}
	e.handlers = map[model.SessionState]map[model.InboundType]handler{
		model.StateSetup: {
			model.InboundSetup:     (*Engine).onSetup,
			model.InboundPrompt:    (*Engine).onPromptWithoutSession,
			model.InboundInterrupt: (*Engine).onInterrupt,
			model.InboundError:     (*Engine).onRelayError,
		},
		model.StateActive: {
			model.InboundSetup:     (*Engine).onDuplicateSetup,
			model.InboundPrompt:    (*Engine).onPrompt,
			model.InboundInterrupt: (*Engine).onInterrupt,
			model.InboundDTMF:      (*Engine).onDTMF,
			model.InboundError:     (*Engine).onRelayError,
			model.InboundEnd:       (*Engine).onEndRequest,
		},
		model.StateTerminating: {
			model.InboundPrompt:    (*Engine).onPromptWhileEnding,
			model.InboundInterrupt: (*Engine).onInterrupt,
			model.InboundDTMF:      (*Engine).onDTMF,
			model.InboundError:     (*Engine).onRelayError,
			model.InboundEnd:       (*Engine).onEndWhileEnding,
		},
		model.StateClosed: {
			model.InboundPrompt: (*Engine).onPromptWhileEnding,
			model.InboundEnd:    (*Engine).onEndWhileEnding,
		},
	}
	return e, nil
}

// Open starts a call on a new transport connection. ctx bounds the session
// created by the call's setup event and the call's Run loop.
func (e *Engine) Open(ctx context.Context, sink model.Sink) *Call {
	return &Call{
		engine: e,
		ctx:    ctx,
		sink:   sink,
		inbox:  make(chan model.Inbound, e.inboxSize),
		ends:   make(chan model.Inbound, 1),
	}
}

// EndCall asks a live session to run the termination protocol outside the
// workflow. A turn in flight is cancelled and the end request is handed to
// the call's event loop, so it never races the loop's own transitions. A
// session without a connected call is terminated directly.
func (e *Engine) EndCall(ctx context.Context, sessionID string) error {
	s, ok := e.store.Get(sessionID)
	if !ok {
		return errx.Configuration(fmt.Errorf("session %q", sessionID), "unknown session")
	}
	if st := s.State(); st != model.StateActive {
		return errx.State(fmt.Errorf("session %q is %s", sessionID, st), "call already ending")
	}

	e.mu.RLock()
	c := e.calls[sessionID]
	e.mu.RUnlock()

	s.Interrupt()
	if c != nil && c.Session() == s && c.Enqueue(model.Inbound{Type: model.InboundEnd}) {
		return nil
	}
	return e.terminator.Terminate(ctx, termination.Request{
		Session: s,
		Reason:  termination.ReasonRequest,
	})
}

// Snapshot returns a copy of a live session.
func (e *Engine) Snapshot(sessionID string) (model.Snapshot, bool) {
	s, ok := e.store.Get(sessionID)
	if !ok {
		return model.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Transcript returns the mirrored transcript of a call, live or ended.
func (e *Engine) Transcript(ctx context.Context, sessionID string) ([]*schema.Message, error) {
	return e.messages.Transcript(ctx, sessionID)
}

// ForgetTranscript deletes the mirrored transcript of a call that is no
// longer live.
func (e *Engine) ForgetTranscript(ctx context.Context, sessionID string) error {
	if _, live := e.store.Get(sessionID); live {
		return errx.State(fmt.Errorf("session %q is live", sessionID), "call is still in progress")
	}
	return e.messages.Forget(ctx, sessionID)
}

// RefreshKnowledge drops the knowledge cached for an agent and prefetches
// it again, returning how many chunks new sessions will be grounded on.
// Live sessions keep the knowledge they started with.
func (e *Engine) RefreshKnowledge(ctx context.Context, agentID string) (int, error) {
	if e.knowledge == nil {
		return 0, errx.Configuration(errors.New("no knowledge cache"), "knowledge is not configured")
	}
	e.knowledge.Invalidate(agentID)
	chunks, err := e.knowledge.Prefetch(ctx, agentID)
	if err != nil {
		return 0, err
	}
	logx.Info().Str("agent_id", agentID).Int("chunks", len(chunks)).Msg("knowledge refreshed")
	return len(chunks), nil
}

// Sessions reports how many sessions are live.
func (e *Engine) Sessions() int {
	return e.store.Len()
}

// Shutdown finishes pending terminations, closes every remaining session
// and waits for them to be released or for ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	flushed := e.terminator.Flush(ctx)
	closed := e.store.CloseAll()
	released := e.store.Wait(ctx)
	logx.Info().
		Bool("flushed", flushed).
		Int("closed", closed).
		Bool("released", released).
		Msg("engine shut down")
	if !flushed || !released {
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
	return nil
}

func (e *Engine) track(c *Call, id string) {
	e.mu.Lock()
	e.calls[id] = c
	e.mu.Unlock()
}

func (e *Engine) untrack(c *Call, id string) {
	e.mu.Lock()
	if e.calls[id] == c {
		delete(e.calls, id)
	}
	e.mu.Unlock()
}
