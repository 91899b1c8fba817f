package conversations

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/relaycall-core/server/internal/agent/model"
	logx "github.com/relaycall-core/server/pkg/logger"
)

const defaultMaxTurns = 40

// MessagesManager builds the model input for a turn from the in-memory
// session history and mirrors turns into the durable transcript.
type MessagesManager struct {
	conversationRepo model.ConversationRepository
	maxTurns         int
}

// NewMessagesManager accepts a nil repo, in which case nothing is mirrored.
func NewMessagesManager(conversationRepo model.ConversationRepository, config model.ConversationConfig) *MessagesManager {
	maxTurns := config.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &MessagesManager{
		conversationRepo: conversationRepo,
		maxTurns:         maxTurns,
	}
}

// BuildMessages returns the system prompt followed by the most recent
// history. Empty and system messages from history are dropped; the system
// prompt for the turn always comes first.
func (cm *MessagesManager) BuildMessages(systemPrompt string, history []*schema.Message) []*schema.Message {
	recent := trimTail(history, cm.maxTurns)

	messages := make([]*schema.Message, 0, len(recent)+1)
	messages = append(messages, schema.SystemMessage(systemPrompt))
	for _, msg := range recent {
		if msg == nil || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if msg.Role == schema.System {
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

// Mirror appends msg to the transcript. Failures are logged and swallowed:
// the live session history is authoritative.
func (cm *MessagesManager) Mirror(ctx context.Context, conversationID string, msg *schema.Message) {
	if cm.conversationRepo == nil || msg == nil {
		return
	}
	if err := cm.conversationRepo.AddMessage(ctx, conversationID, msg); err != nil {
		logx.Warn().Err(err).Str("call_sid", conversationID).Msg("failed to mirror transcript message")
	}
}

// Transcript loads the mirrored transcript. It outlives the session until
// the repository's TTL expires it.
func (cm *MessagesManager) Transcript(ctx context.Context, conversationID string) ([]*schema.Message, error) {
	if cm.conversationRepo == nil {
		return nil, nil
	}
	history, err := cm.conversationRepo.LoadHistory(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return history.Messages, nil
}

// Forget drops the transcript.
func (cm *MessagesManager) Forget(ctx context.Context, conversationID string) error {
	if cm.conversationRepo == nil {
		return nil
	}
	return cm.conversationRepo.ClearHistory(ctx, conversationID)
}

func trimTail(messages []*schema.Message, maxTurns int) []*schema.Message {
	if len(messages) <= maxTurns {
		result := make([]*schema.Message, len(messages))
		copy(result, messages)
		return result
	}
	source := messages[len(messages)-maxTurns:]
	result := make([]*schema.Message, len(source))
	copy(result, source)
	return result
}
