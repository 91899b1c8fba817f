package conversations

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycall-core/server/internal/agent/model"
)

type memoryRepo struct {
	msgs map[string][]*schema.Message
	err  error
}

func (m *memoryRepo) AddMessage(_ context.Context, id string, msg *schema.Message) error {
	if m.err != nil {
		return m.err
	}
	if m.msgs == nil {
		m.msgs = map[string][]*schema.Message{}
	}
	m.msgs[id] = append(m.msgs[id], msg)
	return nil
}

func (m *memoryRepo) LoadHistory(_ context.Context, id string) (*model.ConversationHistory, error) {
	return &model.ConversationHistory{ConversationID: id, Messages: m.msgs[id]}, nil
}

func (m *memoryRepo) ClearHistory(_ context.Context, id string) error {
	delete(m.msgs, id)
	return nil
}

func (m *memoryRepo) GetMessageCount(_ context.Context, id string) (int, error) {
	return len(m.msgs[id]), nil
}

func TestBuildMessages_TrimsAndFilters(t *testing.T) {
	cm := NewMessagesManager(nil, model.ConversationConfig{MaxTurns: 3})
	history := []*schema.Message{
		schema.UserMessage("one"),
		schema.AssistantMessage("two", nil),
		schema.UserMessage("three"),
		schema.SystemMessage("stale system"),
		schema.AssistantMessage("", nil),
	}

	got := cm.BuildMessages("sys", history)
	require.Len(t, got, 2)
	assert.Equal(t, schema.System, got[0].Role)
	assert.Equal(t, "sys", got[0].Content)
	assert.Equal(t, "three", got[1].Content)
}

func TestBuildMessages_DoesNotAliasHistory(t *testing.T) {
	cm := NewMessagesManager(nil, model.ConversationConfig{})
	history := []*schema.Message{schema.UserMessage("hi")}
	got := cm.BuildMessages("sys", history)
	got[1] = schema.UserMessage("changed")
	assert.Equal(t, "hi", history[0].Content)
}

func TestMirror(t *testing.T) {
	ctx := context.Background()
	repo := &memoryRepo{}
	cm := NewMessagesManager(repo, model.ConversationConfig{})

	cm.Mirror(ctx, "CA1", schema.UserMessage("hello"))
	cm.Mirror(ctx, "CA1", nil)

	msgs, err := cm.Transcript(ctx, "CA1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, cm.Forget(ctx, "CA1"))
	msgs, err = cm.Transcript(ctx, "CA1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	repo.err = errors.New("down")
	assert.NotPanics(t, func() { cm.Mirror(ctx, "CA1", schema.UserMessage("x")) })
}
