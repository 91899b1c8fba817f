package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/relaycall-core/server/internal/agent/model"
	"github.com/relaycall-core/server/internal/agent/session"
	errx "github.com/relaycall-core/server/internal/core/error"
	logx "github.com/relaycall-core/server/pkg/logger"
)

// Call is one transport connection. Events are queued with Enqueue and
// handled one at a time by Run in arrival order; interrupts may instead go
// straight to Handle from any goroutine. An operator end request jumps the
// queue.
type Call struct {
	engine *Engine
	ctx    context.Context
	sink   model.Sink
	inbox  chan model.Inbound
	ends   chan model.Inbound

	mu      sync.Mutex
	session *session.Session
}

// Enqueue queues in for Run. It blocks while the inbox is full and reports
// false once the call's context is done.
func (c *Call) Enqueue(in model.Inbound) bool {
	if in.Type == model.InboundEnd {
		select {
		case c.ends <- in:
		default:
			// one end request is already pending
		}
		return c.ctx.Err() == nil
	}
	select {
	case c.inbox <- in:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// Run handles queued events until the call's context is done.
func (c *Call) Run() {
	for {
		select {
		case in := <-c.ends:
			_ = c.Handle(in)
			continue
		default:
		}
		select {
		case in := <-c.ends:
			_ = c.Handle(in)
		case in := <-c.inbox:
			_ = c.Handle(in)
		case <-c.ctx.Done():
			return
		}
	}
}

// Session returns the call's session, nil before setup.
func (c *Call) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Call) setSession(s *session.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Call) state() model.SessionState {
	s := c.Session()
	if s == nil {
		return model.StateSetup
	}
	return s.State()
}

// Handle dispatches in through the handler table for the call's current
// state. Protocol errors are logged and returned; the call stays usable.
func (c *Call) Handle(in model.Inbound) error {
	st := c.state()
	h, ok := c.engine.handlers[st][in.Type]
	if !ok {
		err := errx.Protocol(fmt.Errorf("event %q in state %s", in.Type, st), "unexpected event")
		c.logger().Warn().Err(err).Msg("event ignored")
		return err
	}
	return h(c.engine, c, in)
}

// Interrupt cancels the turn in flight.
func (c *Call) Interrupt() bool {
	s := c.Session()
	return s != nil && s.Interrupt()
}

// Close releases the session when the transport goes away. An in-flight
// completion is cancelled and pending transitions are skipped.
func (c *Call) Close() {
	s := c.Session()
	if s == nil {
		return
	}
	c.engine.untrack(c, s.ID)
	if c.engine.store.Remove(s) {
		c.logger().Info().Str("state", string(s.State())).Msg("call closed by transport")
	}
}

func (c *Call) send(ev model.Event) {
	if err := c.sink.Send(ev); err != nil {
		c.logger().Debug().Err(err).Str("event", string(ev.Type)).Msg("event not delivered")
	}
}

// reject reports err to the caller.
func (c *Call) reject(err error) error {
	c.send(model.ErrorEvent(errx.PublicMessage(err)))
	return err
}

func (c *Call) logger() *zerolog.Logger {
	l := logx.With().Logger()
	if s := c.Session(); s != nil {
		l = logx.With().Str("call_sid", s.ID).Str("agent_id", s.AgentID).Logger()
	}
	return &l
}
