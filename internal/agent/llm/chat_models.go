package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"

	"github.com/relaycall-core/server/internal/agent/model"
	errx "github.com/relaycall-core/server/internal/core/error"
	logx "github.com/relaycall-core/server/pkg/logger"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// ChatModelConfig holds the configuration for chat model creation
type ChatModelConfig struct {
	Provider   model.ProviderConfig
	RespConfig *model.ResponseModelConfig
	ExtConfig  *model.ExtractionModelConfig
}

// ChatModels holds the response and extraction chat models.
type ChatModels struct {
	Response            einomodel.BaseChatModel
	Extraction          einomodel.BaseChatModel
	ResponseModelName   string
	ExtractionModelName string
}

// NewChatModels creates both chat models for the configured provider.
func NewChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {
	if config.RespConfig == nil || config.ExtConfig == nil {
		return nil, errx.Configuration(fmt.Errorf("model configs are required"), "invalid model configuration")
	}
	switch strings.ToLower(strings.TrimSpace(config.Provider.Name)) {
	case "", ProviderGemini:
		return newGeminiChatModels(ctx, config)
	case ProviderOpenAI:
		return newOpenAIChatModels(config)
	default:
		return nil, errx.Configuration(fmt.Errorf("unknown provider %q", config.Provider.Name), "invalid model configuration")
	}
}

// NewGeminiClient builds the genai client shared by the chat models and the
// embedder.
func NewGeminiClient(ctx context.Context, provider model.ProviderConfig) (*genai.Client, error) {
	if provider.GeminiAPIKey == "" {
		return nil, errx.Configuration(fmt.Errorf("GEMINI_API_KEY is not set"), "invalid model configuration")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  provider.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if provider.GeminiBaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = provider.GeminiBaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}
	return client, nil
}

func newGeminiChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {
	client, err := NewGeminiClient(ctx, config.Provider)
	if err != nil {
		return nil, err
	}

	// No thinking budget on the spoken reply path.
	chatModelResponse, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.RespConfig.Model,
		Temperature: &config.RespConfig.Temperature,
		MaxTokens:   &config.RespConfig.MaxTokens,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  genai.Ptr(int32(0)),
		},
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Response model")
		return nil, fmt.Errorf("error creating Response model: %w", err)
	}

	chatModelExtraction, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.ExtConfig.Model,
		Temperature: &config.ExtConfig.Temperature,
		MaxTokens:   &config.ExtConfig.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Extraction model")
		return nil, fmt.Errorf("error creating Extraction model: %w", err)
	}

	return &ChatModels{
		Response:            chatModelResponse,
		Extraction:          chatModelExtraction,
		ResponseModelName:   config.RespConfig.Model,
		ExtractionModelName: config.ExtConfig.Model,
	}, nil
}

// NewOpenAIClient builds the openai-go client shared by the chat models and
// the embedder.
func NewOpenAIClient(provider model.ProviderConfig) (*openai.Client, error) {
	if provider.OpenAIAPIKey == "" {
		return nil, errx.Configuration(fmt.Errorf("OPENAI_API_KEY is not set"), "invalid model configuration")
	}
	opts := []option.RequestOption{option.WithAPIKey(provider.OpenAIAPIKey)}
	if provider.OpenAIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(provider.OpenAIBaseURL))
	}
	client := openai.NewClient(opts...)
	return &client, nil
}

func newOpenAIChatModels(config ChatModelConfig) (*ChatModels, error) {
	client, err := NewOpenAIClient(config.Provider)
	if err != nil {
		return nil, err
	}
	return &ChatModels{
		Response: NewOpenAIChatModel(client, OpenAIOptions{
			Model:       config.RespConfig.Model,
			Temperature: config.RespConfig.Temperature,
			MaxTokens:   config.RespConfig.MaxTokens,
		}),
		Extraction: NewOpenAIChatModel(client, OpenAIOptions{
			Model:       config.ExtConfig.Model,
			Temperature: config.ExtConfig.Temperature,
			MaxTokens:   config.ExtConfig.MaxTokens,
		}),
		ResponseModelName:   config.RespConfig.Model,
		ExtractionModelName: config.ExtConfig.Model,
	}, nil
}
