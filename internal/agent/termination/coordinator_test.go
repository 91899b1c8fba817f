package termination

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycall-core/server/internal/agent/graph"
	"github.com/relaycall-core/server/internal/agent/graph/nodes"
	"github.com/relaycall-core/server/internal/agent/model"
	"github.com/relaycall-core/server/internal/agent/session"
)

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *recordingSink) Send(ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) snapshot() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Event(nil), s.events...)
}

type fakeTelephony struct {
	mu        sync.Mutex
	hangups   []string
	transfers []string
	err       error
}

func (f *fakeTelephony) Hangup(_ context.Context, callSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callSID)
	return f.err
}

func (f *fakeTelephony) Transfer(_ context.Context, callSID, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, callSID+"->"+to)
	return f.err
}

type memRecorder struct {
	mu       sync.Mutex
	outcomes []model.CallOutcome
}

func (r *memRecorder) Record(_ context.Context, o model.CallOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func activeSession(t *testing.T, store *session.Store, spec model.NodeSpec) (*session.Session, *nodes.Node) {
	t.Helper()
	g, err := graph.Compile(&model.Workflow{
		ID:    "wf",
		Nodes: []model.NodeSpec{{ID: "A"}, spec},
		Edges: []model.EdgeSpec{{Source: "A", Target: spec.ID}},
	})
	require.NoError(t, err)

	s := session.New(context.Background(), model.SetupInput{
		SessionID: "CA1",
		AgentID:   "agent-1",
		Call:      model.CallInfo{CallSID: "CA1"},
	})
	require.NoError(t, s.Activate(g, nil))
	s.SetCurrentNode(spec.ID)
	s.MergeVariables(map[string]string{"name": "Sam"})
	store.Register(s)

	n, _ := g.Node(spec.ID)
	return s, n
}

func engineConfig(grace time.Duration) model.EngineConfig {
	return model.EngineConfig{
		ClosingMessage:  "Goodbye.",
		TransferMessage: "Transferring.",
		GraceDelay:      grace,
		ActionTimeout:   time.Second,
	}
}

func TestTerminate_EndCallProtocol(t *testing.T) {
	store := session.NewStore()
	tel := &fakeTelephony{}
	var logged, failed atomic.Int32

	reg := NewRegistry()
	reg.Register("count", func(context.Context, nodes.Action, model.CallOutcome) error {
		logged.Add(1)
		return nil
	})
	reg.Register("broken", func(context.Context, nodes.Action, model.CallOutcome) error {
		failed.Add(1)
		return errors.New("boom")
	})
	reg.Register("panicky", func(context.Context, nodes.Action, model.CallOutcome) error {
		panic("nope")
	})

	s, node := activeSession(t, store, model.NodeSpec{
		ID:   "C",
		Type: model.NodeEndCall,
		Config: map[string]any{
			"message": "Thanks for calling, bye.",
			"actions": []any{
				map[string]any{"name": "count"},
				map[string]any{"name": "broken"},
				map[string]any{"name": "panicky"},
				map[string]any{"name": "missing"},
			},
		},
	})
	sink := &recordingSink{}
	c := NewCoordinator(reg, tel, store, engineConfig(30*time.Millisecond), time.Second)

	require.NoError(t, c.Terminate(context.Background(), Request{Session: s, Node: node, Reason: ReasonEndCall, Sink: sink}))
	assert.Error(t, c.Terminate(context.Background(), Request{Session: s, Node: node, Sink: sink}), "protocol runs once")

	assert.Equal(t, int32(1), logged.Load())
	assert.Equal(t, int32(1), failed.Load())
	assert.Equal(t, model.StateTerminating, s.State())

	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, model.Event{Type: model.EventText, Token: "Thanks for calling, bye.", Last: true, EndCall: true}, events[0])

	require.Eventually(t, func() bool {
		_, ok := store.Get("CA1")
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.Closed())
	assert.Equal(t, 0, c.Pending())

	events = sink.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, model.EventEnd, events[1].Type)
	var handoff map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[1].HandoffData), &handoff))
	assert.Equal(t, "C", handoff["node_id"])

	endCalls := 0
	for _, ev := range events {
		if ev.EndCall {
			endCalls++
		}
	}
	assert.Equal(t, 1, endCalls)

	tel.mu.Lock()
	assert.Equal(t, []string{"CA1"}, tel.hangups)
	tel.mu.Unlock()
}

func TestTerminate_TransferAndFlush(t *testing.T) {
	store := session.NewStore()
	tel := &fakeTelephony{err: errors.New("twilio down")}
	s, node := activeSession(t, store, model.NodeSpec{
		ID:     "T",
		Type:   model.NodeTransferCall,
		Config: map[string]any{"phone_number": "+15550100"},
	})
	sink := &recordingSink{}
	c := NewCoordinator(nil, tel, store, engineConfig(time.Hour), time.Second)

	require.NoError(t, c.Terminate(context.Background(), Request{Session: s, Node: node, Reason: ReasonTransfer, Sink: sink}))
	assert.Equal(t, "Transferring.", sink.snapshot()[0].Token)
	assert.Equal(t, 1, c.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.True(t, c.Flush(ctx))
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, []string{"CA1->+15550100"}, tel.transfers)
}

func TestTerminate_ExplicitRequestUsesClosingMessage(t *testing.T) {
	store := session.NewStore()
	s, _ := activeSession(t, store, model.NodeSpec{ID: "C", Type: model.NodeEndCall})
	sink := &recordingSink{}
	c := NewCoordinator(nil, nil, store, engineConfig(0), 0)

	require.NoError(t, c.Terminate(context.Background(), Request{Session: s, Sink: sink}))
	assert.Equal(t, "Goodbye.", sink.snapshot()[0].Token)
	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBuiltinActions(t *testing.T) {
	ctx := context.Background()
	outcome := model.CallOutcome{SessionID: "CA1", CallSID: "CA1", Reason: ReasonEndCall, Variables: map[string]string{"name": "Sam"}}

	t.Run("log", func(t *testing.T) {
		assert.NoError(t, LogAction(ctx, nodes.Action{Name: ActionLog}, outcome))
	})

	t.Run("publish", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

		sub := rdb.Subscribe(ctx, "outcomes")
		defer sub.Close()
		_, err = sub.Receive(ctx)
		require.NoError(t, err)

		require.NoError(t, PublishAction(rdb)(ctx, nodes.Action{Params: map[string]any{"channel": "outcomes"}}, outcome))
		msg, err := sub.ReceiveMessage(ctx)
		require.NoError(t, err)
		var got model.CallOutcome
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "Sam", got.Variables["name"])
	})

	t.Run("record", func(t *testing.T) {
		rec := &memRecorder{}
		require.NoError(t, RecordAction(rec)(ctx, nodes.Action{}, outcome))
		assert.Len(t, rec.outcomes, 1)
	})

	t.Run("webhook", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "secret", r.Header.Get("X-Token"))
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		fn := WebhookAction(srv.Client())
		require.NoError(t, fn(ctx, nodes.Action{Params: map[string]any{
			"url":     srv.URL,
			"headers": map[string]any{"X-Token": "secret"},
		}}, outcome))
		assert.Equal(t, int32(1), hits.Load())

		assert.Error(t, fn(ctx, nodes.Action{}, outcome))
	})
}
