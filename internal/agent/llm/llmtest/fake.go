// Package llmtest provides scripted eino models for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/cloudwego/eino/components/embedding"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ChatModel replays a fixed script on every call.
type ChatModel struct {
	// Tokens are streamed one message each.
	Tokens []string
	// Reply is returned by Generate.
	Reply string
	// Err fails the call before anything is streamed.
	Err error
	// FailAfter is delivered after Tokens.
	FailAfter error
	// Hang blocks after Tokens until the context is done.
	Hang bool

	mu     sync.Mutex
	inputs [][]*schema.Message
}

func (m *ChatModel) record(input []*schema.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
}

// Calls returns how many times the model was invoked.
func (m *ChatModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

// LastInput returns the messages of the most recent call.
func (m *ChatModel) LastInput() []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inputs) == 0 {
		return nil
	}
	return m.inputs[len(m.inputs)-1]
}

func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	m.record(input)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return schema.AssistantMessage(m.Reply, nil), nil
}

func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	m.record(input)
	if m.Err != nil {
		return nil, m.Err
	}
	sr, sw := schema.Pipe[*schema.Message](len(m.Tokens) + 1)
	go func() {
		defer sw.Close()
		for _, t := range m.Tokens {
			if closed := sw.Send(schema.AssistantMessage(t, nil), nil); closed {
				return
			}
		}
		if m.Hang {
			<-ctx.Done()
			sw.Send(nil, ctx.Err())
			return
		}
		if m.FailAfter != nil {
			sw.Send(nil, m.FailAfter)
		}
	}()
	return sr, nil
}

// Embedder returns a vector derived from the text length.
type Embedder struct {
	Err error

	mu    sync.Mutex
	calls int
}

func (e *Embedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = []float64{float64(len(t)), 0.5}
	}
	return out, nil
}

// Calls returns how many times EmbedStrings was invoked.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

var (
	_ einomodel.BaseChatModel = (*ChatModel)(nil)
	_ embedding.Embedder      = (*Embedder)(nil)
)
