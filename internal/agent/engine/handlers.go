package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaycall-core/server/internal/agent/graph"
	"github.com/relaycall-core/server/internal/agent/graph/nodes"
	"github.com/relaycall-core/server/internal/agent/graph/prompts"
	"github.com/relaycall-core/server/internal/agent/model"
	"github.com/relaycall-core/server/internal/agent/session"
	"github.com/relaycall-core/server/internal/agent/stream"
	"github.com/relaycall-core/server/internal/agent/termination"
	errx "github.com/relaycall-core/server/internal/core/error"
	"github.com/relaycall-core/server/internal/metrics"
	logx "github.com/relaycall-core/server/pkg/logger"
)

const agentIDParameter = "agentId"

// onSetup creates the session: loads and compiles the agent's workflow,
// prefetches knowledge and acknowledges with a ready event. Knowledge
// failures degrade to no grounding; workflow failures reject the setup.
func (e *Engine) onSetup(c *Call, in model.Inbound) error {
	setup := in.Setup
	if strings.TrimSpace(setup.SessionID) == "" {
		return c.reject(errx.Configuration(errors.New("setup without session id"), "missing session id"))
	}
	if setup.AgentID == "" {
		setup.AgentID = setup.Parameters[agentIDParameter]
	}
	if setup.AgentID == "" {
		setup.AgentID = e.cfg.DefaultAgentID
	}
	if setup.AgentID == "" {
		return c.reject(errx.Configuration(fmt.Errorf("session %q", setup.SessionID), "unknown agent"))
	}

	log := logx.With().Str("call_sid", setup.SessionID).Str("agent_id", setup.AgentID).Logger()
	s := session.New(c.ctx, setup)

	loadCtx, cancel := withTimeout(s.Context(), e.cfg.WorkflowTimeout)
	wf, err := e.workflows.ActiveWorkflow(loadCtx, setup.AgentID)
	cancel()
	if err != nil {
		s.Close()
		log.Error().Err(err).Msg("workflow load failed")
		return c.reject(err)
	}
	g, err := graph.Compile(wf)
	if err != nil {
		s.Close()
		log.Error().Err(err).Str("workflow_id", wf.ID).Msg("workflow rejected")
		return c.reject(err)
	}

	var chunks []model.KnowledgeChunk
	if e.knowledge != nil {
		chunks, err = e.knowledge.Prefetch(s.Context(), setup.AgentID)
		if err != nil {
			log.Warn().Err(err).Msg("knowledge prefetch failed, continuing without grounding")
			chunks = nil
		}
	}

	if err := s.Activate(g, chunks); err != nil {
		s.Close()
		return c.reject(err)
	}
	e.store.Register(s)
	c.setSession(s)
	e.track(c, s.ID)

	log.Info().
		Str("workflow_id", g.WorkflowID).
		Str("entry_node", g.Entry().ID).
		Int("knowledge_chunks", len(chunks)).
		Msg("session ready")
	c.send(model.Event{Type: model.EventReady})
	return nil
}

func (e *Engine) onDuplicateSetup(c *Call, _ model.Inbound) error {
	err := errx.Protocol(errors.New("setup on an active call"), "session already set up")
	c.logger().Warn().Err(err).Msg("duplicate setup ignored")
	return err
}

func (e *Engine) onPromptWithoutSession(c *Call, _ model.Inbound) error {
	err := c.reject(errx.Configuration(errors.New("prompt before setup"), "unknown session"))
	c.send(model.TerminalEvent())
	return err
}

// onPromptWhileEnding closes the turn of a prompt that raced the end of the
// call. Nothing else happens.
func (e *Engine) onPromptWhileEnding(c *Call, _ model.Inbound) error {
	c.send(model.TerminalEvent())
	return nil
}

// onPrompt is the hot path. A session sitting on a terminal node ends the
// call instead of prompting the model; otherwise the reply is streamed,
// variables are extracted and the session advances along the workflow.
func (e *Engine) onPrompt(c *Call, in model.Inbound) error {
	s := c.Session()
	utterance := strings.TrimSpace(in.Text)
	node, _ := s.CurrentNode()

	if node.IsTerminal() {
		return e.terminate(c, s, node, utterance)
	}

	turnCtx, done := s.BeginTurn()
	defer done()

	turnID := uuid.NewString()
	log := logx.With().
		Str("call_sid", s.ID).
		Str("turn_id", turnID).
		Str("node_id", s.CurrentNodeID()).
		Logger()

	if node != nil {
		if api, ok := node.Config.(nodes.APIRequest); ok {
			e.callAPI(turnCtx, s, api)
		}
	}
	if utterance != "" {
		e.messages.Mirror(s.Context(), s.ID, s.AppendUser(utterance))
	}

	system := prompts.BuildPrompt(e.cfg.Prompt(), node, s.Variables(), s.Knowledge(), e.grounding)
	messages := e.messages.BuildMessages(system, s.History())

	res, err := e.driver.Stream(turnCtx, c.sink, messages)
	if err != nil {
		if errors.Is(err, stream.ErrInterrupted) {
			if res.Text != "" {
				s.AppendAssistant(res.Text)
			}
			metrics.Turns.WithLabelValues("interrupted").Inc()
			log.Info().Int("tokens", res.Tokens).Msg("turn interrupted")
			return nil
		}
		metrics.Turns.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("turn failed")
		return err
	}
	e.messages.Mirror(s.Context(), s.ID, s.AppendAssistant(res.Text))

	var vars map[string]string
	if node != nil {
		if plan := node.Config.Plan(); !plan.Empty() && e.extractor != nil {
			vars = e.extractor.Extract(turnCtx, utterance, plan, s.Variables())
		}
	}

	if s.Context().Err() != nil || s.State() != model.StateActive {
		metrics.Turns.WithLabelValues("abandoned").Inc()
		return nil
	}
	// An interrupt after the reply was streamed still keeps the session on
	// its node: whatever extraction returned is discarded.
	if turnCtx.Err() != nil {
		metrics.Turns.WithLabelValues("interrupted").Inc()
		log.Info().Msg("turn interrupted before transition")
		return nil
	}
	if len(vars) > 0 {
		s.MergeVariables(vars)
		log.Debug().Int("extracted", len(vars)).Msg("variables extracted")
	}
	if node != nil {
		next, err := graph.Advance(s.Graph, node.ID, res.Text, utterance)
		switch {
		case err == nil:
			s.SetCurrentNode(next)
			log.Debug().Str("next_node", next).Msg("node transition")
		case errors.Is(err, graph.ErrNoTransition):
			log.Debug().Msg("no outgoing edge, staying on node")
		default:
			log.Warn().Err(err).Msg("transition failed")
		}
	}
	metrics.Turns.WithLabelValues("ok").Inc()
	return nil
}

func (e *Engine) terminate(c *Call, s *session.Session, node *nodes.Node, utterance string) error {
	if utterance != "" {
		e.messages.Mirror(s.Context(), s.ID, s.AppendUser(utterance))
	}
	reason := termination.ReasonEndCall
	if node.Type == model.NodeTransferCall {
		reason = termination.ReasonTransfer
	}
	if err := e.terminator.Terminate(s.Context(), termination.Request{
		Session: s,
		Node:    node,
		Reason:  reason,
		Sink:    c.sink,
	}); err != nil {
		c.send(model.TerminalEvent())
		return err
	}
	metrics.Turns.WithLabelValues("terminated").Inc()
	return nil
}

// onEndRequest terminates on behalf of EndCall, from the call's loop.
func (e *Engine) onEndRequest(c *Call, _ model.Inbound) error {
	s := c.Session()
	if err := e.terminator.Terminate(s.Context(), termination.Request{
		Session: s,
		Reason:  termination.ReasonRequest,
		Sink:    c.sink,
	}); err != nil {
		c.logger().Warn().Err(err).Msg("end request failed")
		return err
	}
	return nil
}

func (e *Engine) onEndWhileEnding(c *Call, _ model.Inbound) error {
	c.logger().Debug().Msg("end request after termination began")
	return nil
}

func (e *Engine) onInterrupt(c *Call, in model.Inbound) error {
	cancelled := c.Interrupt()
	c.logger().Debug().
		Bool("cancelled", cancelled).
		Str("heard", in.UtteranceUntilInterrupt).
		Msg("interrupt")
	return nil
}

func (e *Engine) onDTMF(c *Call, in model.Inbound) error {
	c.logger().Info().Str("digit", in.Digit).Msg("dtmf ignored")
	return nil
}

func (e *Engine) onRelayError(c *Call, in model.Inbound) error {
	c.logger().Warn().Str("description", in.Description).Msg("relay reported an error")
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
