package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycall-core/server/internal/agent/llm/llmtest"
	"github.com/relaycall-core/server/internal/agent/model"
	errx "github.com/relaycall-core/server/internal/core/error"
)

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (s *recordingSink) Send(ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) terminalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == model.EventText && ev.Last {
			n++
		}
	}
	return n
}

func input() []*schema.Message {
	return []*schema.Message{schema.SystemMessage("sys"), schema.UserMessage("hi")}
}

func TestStream_OrderedTokensThenTerminal(t *testing.T) {
	sink := &recordingSink{}
	d := NewDriver(&llmtest.ChatModel{Tokens: []string{"Hello", "", " there", "."}}, "gpt-4o-mini", time.Second)

	res, err := d.Stream(context.Background(), sink, input())
	require.NoError(t, err)
	assert.Equal(t, "Hello there.", res.Text)
	assert.Equal(t, 3, res.Tokens)

	require.Len(t, sink.events, 4)
	assert.Equal(t, model.TextEvent("Hello"), sink.events[0])
	assert.Equal(t, model.TextEvent(" there"), sink.events[1])
	assert.Equal(t, model.TextEvent("."), sink.events[2])
	assert.Equal(t, model.TerminalEvent(), sink.events[3])
}

func TestStream_ZeroTokens(t *testing.T) {
	sink := &recordingSink{}
	res, err := NewDriver(&llmtest.ChatModel{}, "m", time.Second).Stream(context.Background(), sink, input())
	require.NoError(t, err)
	assert.Empty(t, res.Text)
	require.Len(t, sink.events, 1)
	assert.Equal(t, 1, sink.terminalCount())
}

func TestStream_UpstreamFailures(t *testing.T) {
	tests := []struct {
		name  string
		model *llmtest.ChatModel
		text  string
	}{
		{name: "fails to start", model: &llmtest.ChatModel{Err: errors.New("503")}},
		{name: "fails midway", model: &llmtest.ChatModel{Tokens: []string{"Par"}, FailAfter: errors.New("reset")}, text: "Par"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			res, err := NewDriver(tt.model, "m", time.Second).Stream(context.Background(), sink, input())
			require.Error(t, err)
			assert.True(t, errx.IsKind(err, errx.KindUpstream))
			assert.Equal(t, tt.text, res.Text)

			require.GreaterOrEqual(t, len(sink.events), 2)
			assert.Equal(t, model.EventError, sink.events[len(sink.events)-2].Type)
			assert.Equal(t, model.TerminalEvent(), sink.events[len(sink.events)-1])
			assert.Equal(t, 1, sink.terminalCount())
		})
	}
}

func TestStream_Timeout(t *testing.T) {
	sink := &recordingSink{}
	d := NewDriver(&llmtest.ChatModel{Tokens: []string{"Hm"}, Hang: true}, "m", 50*time.Millisecond)

	_, err := d.Stream(context.Background(), sink, input())
	require.Error(t, err)
	assert.Equal(t, "completion timed out", errx.PublicMessage(err))
	assert.Equal(t, 1, sink.terminalCount())
	assert.Equal(t, model.EventError, sink.events[len(sink.events)-2].Type)
}

func TestStream_CancelledByCaller(t *testing.T) {
	sink := &recordingSink{}
	d := NewDriver(&llmtest.ChatModel{Tokens: []string{"One"}, Hang: true}, "m", 0)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	res, err := d.Stream(ctx, sink, input())
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, "One", res.Text)
	assert.Equal(t, 1, sink.terminalCount())
	for _, ev := range sink.events {
		assert.NotEqual(t, model.EventError, ev.Type)
	}
}

func TestStream_TransportClosed(t *testing.T) {
	sink := &recordingSink{err: errors.New("closed")}
	_, err := NewDriver(&llmtest.ChatModel{Tokens: []string{"a", "b"}}, "m", time.Second).Stream(context.Background(), sink, input())
	require.Error(t, err)
}

type callbackLog struct {
	mu     sync.Mutex
	starts []string
	input  int
	output string
	errs   []error
}

func (l *callbackLog) handler() einocb.Handler {
	return einocb.NewHandlerBuilder().
		OnStartFn(func(ctx context.Context, info *einocb.RunInfo, input einocb.CallbackInput) context.Context {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.starts = append(l.starts, info.Name+"/"+string(info.Component))
			if in := einomodel.ConvCallbackInput(input); in != nil {
				l.input = len(in.Messages)
			}
			return ctx
		}).
		OnEndFn(func(ctx context.Context, _ *einocb.RunInfo, output einocb.CallbackOutput) context.Context {
			l.mu.Lock()
			defer l.mu.Unlock()
			if out := einomodel.ConvCallbackOutput(output); out != nil && out.Message != nil {
				l.output = out.Message.Content
			}
			return ctx
		}).
		OnErrorFn(func(ctx context.Context, _ *einocb.RunInfo, err error) context.Context {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.errs = append(l.errs, err)
			return ctx
		}).
		Build()
}

func TestStream_ReportsCallbacks(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		log := &callbackLog{}
		d := NewDriver(&llmtest.ChatModel{Tokens: []string{"Hello", " there."}}, "gpt-4o-mini", time.Second, log.handler())

		_, err := d.Stream(context.Background(), &recordingSink{}, input())
		require.NoError(t, err)
		assert.Equal(t, []string{"gpt-4o-mini/" + string(components.ComponentOfChatModel)}, log.starts)
		assert.Equal(t, 2, log.input)
		assert.Equal(t, "Hello there.", log.output)
		assert.Empty(t, log.errs)
	})
	t.Run("failed", func(t *testing.T) {
		log := &callbackLog{}
		d := NewDriver(&llmtest.ChatModel{Err: errors.New("503")}, "m", time.Second, log.handler())

		_, err := d.Stream(context.Background(), &recordingSink{}, input())
		require.Error(t, err)
		assert.Len(t, log.starts, 1)
		require.Len(t, log.errs, 1)
		assert.True(t, errx.IsKind(log.errs[0], errx.KindUpstream))
		assert.Empty(t, log.output)
	})
}
