package termination

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/relaycall-core/server/internal/agent/graph/nodes"
	"github.com/relaycall-core/server/internal/agent/model"
	"github.com/relaycall-core/server/internal/agent/session"
	"github.com/relaycall-core/server/internal/metrics"
	logx "github.com/relaycall-core/server/pkg/logger"
)

const (
	ReasonEndCall  = "end_call"
	ReasonTransfer = "transfer_call"
	ReasonRequest  = "requested"
)

// Telephony is the call control the coordinator needs.
type Telephony interface {
	Hangup(ctx context.Context, callSID string) error
	Transfer(ctx context.Context, callSID, phoneNumber string) error
}

// Request describes one termination. Node is nil when the end was requested
// outside the workflow.
type Request struct {
	Session *session.Session
	Node    *nodes.Node
	Reason  string
	Sink    model.Sink
}

// Coordinator runs the termination protocol: declared actions once each,
// the closing message, then hangup or transfer and removal of the session
// once the grace delay has passed.
type Coordinator struct {
	actions    *Registry
	telephony  Telephony
	store      *session.Store
	cfg        model.EngineConfig
	telTimeout time.Duration

	mu      sync.Mutex
	pending map[*session.Session]*pendingEnd
	wg      sync.WaitGroup
}

type pendingEnd struct {
	timer *time.Timer
	run   func()
}

// NewCoordinator accepts a nil telephony; hangup and transfer are then
// skipped.
func NewCoordinator(actions *Registry, telephony Telephony, store *session.Store, cfg model.EngineConfig, telephonyTimeout time.Duration) *Coordinator {
	if actions == nil {
		actions = NewRegistry()
	}
	return &Coordinator{
		actions:    actions,
		telephony:  telephony,
		store:      store,
		cfg:        cfg,
		telTimeout: telephonyTimeout,
		pending:    make(map[*session.Session]*pendingEnd),
	}
}

// Terminate moves the session to terminating and runs the protocol. A
// session that is already terminating or closed is left alone and an error
// is returned, so the protocol runs at most once per session.
func (c *Coordinator) Terminate(ctx context.Context, req Request) error {
	s := req.Session
	if err := s.BeginTermination(); err != nil {
		return err
	}
	reason := req.Reason
	if reason == "" {
		reason = ReasonRequest
	}
	metrics.Terminations.WithLabelValues(reason).Inc()

	outcome := c.outcome(s, req.Node, reason)
	log := logx.With().Str("call_sid", s.ID).Str("agent_id", s.AgentID).Str("reason", reason).Logger()
	log.Info().Str("node_id", outcome.NodeID).Msg("terminating session")

	if req.Node != nil && req.Node.Config != nil {
		for _, action := range req.Node.Config.DeclaredActions() {
			c.runAction(ctx, action, outcome)
		}
	}

	message, transferTo := c.closing(req.Node)
	s.AppendAssistant(message)
	if req.Sink != nil {
		if err := req.Sink.Send(model.Event{Type: model.EventText, Token: message, Last: true, EndCall: true}); err != nil {
			log.Warn().Err(err).Msg("failed to send closing message")
		}
	}

	c.schedule(s, func() {
		c.finish(s, req.Sink, outcome, transferTo)
	})
	return nil
}

func (c *Coordinator) outcome(s *session.Session, node *nodes.Node, reason string) model.CallOutcome {
	nodeID := s.CurrentNodeID()
	if node != nil {
		nodeID = node.ID
	}
	params := make(map[string]any, len(s.Parameters))
	for k, v := range s.Parameters {
		params[k] = v
	}
	return model.CallOutcome{
		SessionID:  s.ID,
		AgentID:    s.AgentID,
		CallSID:    s.Call.CallSID,
		NodeID:     nodeID,
		Reason:     reason,
		Variables:  s.Variables(),
		Turns:      s.Turns(),
		EndedAt:    time.Now().UTC(),
		Parameters: params,
	}
}

func (c *Coordinator) runAction(ctx context.Context, action nodes.Action, outcome model.CallOutcome) {
	fn, ok := c.actions.lookup(action.Name)
	if !ok {
		metrics.TerminationActions.WithLabelValues(action.Name, "unknown").Inc()
		logx.Warn().Str("call_sid", outcome.CallSID).Str("action", action.Name).Msg("unknown termination action")
		return
	}

	actCtx := context.WithoutCancel(ctx)
	if c.cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		actCtx, cancel = context.WithTimeout(actCtx, c.cfg.ActionTimeout)
		defer cancel()
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("action panic: %v", r)
			}
		}()
		return fn(actCtx, action, outcome)
	}()
	if err != nil {
		metrics.TerminationActions.WithLabelValues(action.Name, "error").Inc()
		logx.Warn().Err(err).Str("call_sid", outcome.CallSID).Str("action", action.Name).Msg("termination action failed")
		return
	}
	metrics.TerminationActions.WithLabelValues(action.Name, "ok").Inc()
}

// closing picks the final message and, for transfer nodes, the destination.
func (c *Coordinator) closing(node *nodes.Node) (message, transferTo string) {
	if node != nil {
		switch cfg := node.Config.(type) {
		case nodes.EndCall:
			if cfg.Message != "" {
				return cfg.Message, ""
			}
		case nodes.TransferCall:
			msg := cfg.Message
			if msg == "" {
				msg = c.cfg.TransferMessage
			}
			return msg, cfg.PhoneNumber
		}
	}
	return c.cfg.ClosingMessage, ""
}

func (c *Coordinator) schedule(s *session.Session, run func()) {
	c.wg.Add(1)
	p := &pendingEnd{}
	var once sync.Once
	p.run = func() {
		once.Do(func() {
			defer c.wg.Done()
			c.mu.Lock()
			delete(c.pending, s)
			c.mu.Unlock()
			run()
		})
	}

	c.mu.Lock()
	c.pending[s] = p
	p.timer = time.AfterFunc(c.cfg.GraceDelay, p.run)
	c.mu.Unlock()
}

func (c *Coordinator) finish(s *session.Session, sink model.Sink, outcome model.CallOutcome, transferTo string) {
	log := logx.With().Str("call_sid", s.ID).Logger()

	if sink != nil {
		handoff, _ := json.Marshal(map[string]any{
			"reason":      outcome.Reason,
			"node_id":     outcome.NodeID,
			"transfer_to": transferTo,
			"variables":   outcome.Variables,
		})
		if err := sink.Send(model.Event{Type: model.EventEnd, HandoffData: string(handoff)}); err != nil {
			log.Debug().Err(err).Msg("end event not delivered")
		}
	}

	if c.telephony != nil && s.Call.CallSID != "" {
		ctx := context.Background()
		if c.telTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.telTimeout)
			defer cancel()
		}
		var err error
		if transferTo != "" {
			err = c.telephony.Transfer(ctx, s.Call.CallSID, transferTo)
		} else {
			err = c.telephony.Hangup(ctx, s.Call.CallSID)
		}
		if err != nil {
			log.Warn().Err(err).Str("transfer_to", transferTo).Msg("telephony call control failed")
		}
	}

	if c.store != nil {
		c.store.Remove(s)
	} else {
		s.Close()
	}
	log.Info().Msg("session terminated")
}

// Flush runs every pending finish now and waits for them, or for ctx.
func (c *Coordinator) Flush(ctx context.Context) bool {
	c.mu.Lock()
	runs := make([]func(), 0, len(c.pending))
	for _, p := range c.pending {
		if p.timer.Stop() {
			runs = append(runs, p.run)
		}
	}
	c.mu.Unlock()
	for _, run := range runs {
		go run()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Pending returns how many sessions are waiting out their grace delay.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
