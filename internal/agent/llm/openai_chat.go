package llm

import (
	"context"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go"
)

// OpenAIOptions are the per-model defaults; eino call options override them.
type OpenAIOptions struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// OpenAIChatModel adapts the OpenAI Chat Completions API to eino's
// BaseChatModel so it can stand in for the Gemini models anywhere.
type OpenAIChatModel struct {
	client *openai.Client
	opts   OpenAIOptions
}

func NewOpenAIChatModel(client *openai.Client, opts OpenAIOptions) *OpenAIChatModel {
	if opts.Model == "" {
		opts.Model = openai.ChatModelGPT4oMini
	}
	return &OpenAIChatModel{client: client, opts: opts}
}

func (m *OpenAIChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	params := m.buildParams(input, opts...)
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai api error: no choices returned")
	}
	ch0 := resp.Choices[0]
	msg := schema.AssistantMessage(ch0.Message.Content, nil)
	msg.ResponseMeta = &schema.ResponseMeta{
		FinishReason: ch0.FinishReason,
		Usage: &schema.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	return msg, nil
}

// Stream forwards each content delta as its own message. The final chunk
// carries the finish reason and, when the API reports it, token usage.
func (m *OpenAIChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	params := m.buildParams(input, opts...)
	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("openai streaming error: %w", err)
	}

	sr, sw := schema.Pipe[*schema.Message](16)
	go func() {
		defer sw.Close()
		defer stream.Close()

		for stream.Next() {
			ck := stream.Current()
			for _, ch := range ck.Choices {
				if ch.Delta.Content == "" && ch.FinishReason == "" {
					continue
				}
				msg := schema.AssistantMessage(ch.Delta.Content, nil)
				if ch.FinishReason != "" {
					msg.ResponseMeta = &schema.ResponseMeta{FinishReason: ch.FinishReason}
					if ck.Usage.TotalTokens > 0 {
						msg.ResponseMeta.Usage = &schema.TokenUsage{
							PromptTokens:     int(ck.Usage.PromptTokens),
							CompletionTokens: int(ck.Usage.CompletionTokens),
							TotalTokens:      int(ck.Usage.TotalTokens),
						}
					}
				}
				if closed := sw.Send(msg, nil); closed {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			sw.Send(nil, fmt.Errorf("openai streaming error: %w", err))
		}
	}()
	return sr, nil
}

func (m *OpenAIChatModel) buildParams(input []*schema.Message, opts ...einomodel.Option) openai.ChatCompletionNewParams {
	temperature := m.opts.Temperature
	maxTokens := m.opts.MaxTokens
	modelName := m.opts.Model
	common := einomodel.GetCommonOptions(&einomodel.Options{
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
		Model:       &modelName,
	}, opts...)

	params := openai.ChatCompletionNewParams{
		Messages: toOpenAIMessages(input),
		Model:    *common.Model,
	}
	if common.Temperature != nil {
		params.Temperature = openai.Float(float64(*common.Temperature))
	}
	if common.MaxTokens != nil && *common.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(*common.MaxTokens))
	}
	return params
}

func toOpenAIMessages(input []*schema.Message) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		text := strings.TrimSpace(msg.Content)
		switch msg.Role {
		case schema.System:
			messages = append(messages, openai.SystemMessage(text))
		case schema.Assistant:
			messages = append(messages, openai.AssistantMessage(text))
		default:
			messages = append(messages, openai.UserMessage(text))
		}
	}
	return messages
}

var _ einomodel.BaseChatModel = (*OpenAIChatModel)(nil)
