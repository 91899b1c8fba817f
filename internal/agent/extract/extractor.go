package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	einocb "github.com/cloudwego/eino/callbacks"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/relaycall-core/server/internal/agent/graph/nodes"
	"github.com/relaycall-core/server/internal/agent/graph/observers"
	"github.com/relaycall-core/server/internal/agent/graph/parsers"
	"github.com/relaycall-core/server/internal/agent/graph/prompts"
	logx "github.com/relaycall-core/server/pkg/logger"
)

// Extractor pulls the variables named by a node's extraction plan out of a
// caller utterance with a single-shot completion.
type Extractor struct {
	runner    compose.Runnable[map[string]any, string]
	timeout   time.Duration
	callbacks einocb.Handler
}

// NewExtractor compiles the chain: extraction template, chat model, then a
// lambda that takes the reply text.
func NewExtractor(ctx context.Context, chatModel einomodel.BaseChatModel, timeout time.Duration) (*Extractor, error) {
	chain := compose.NewChain[map[string]any, string]()
	chain.
		AppendChatTemplate(prompts.ExtractionTemplate()).
		AppendChatModel(chatModel).
		AppendLambda(compose.InvokableLambda(func(_ context.Context, msg *schema.Message) (string, error) {
			if msg == nil {
				return "", fmt.Errorf("empty extraction reply")
			}
			return strings.TrimSpace(msg.Content), nil
		}))

	runner, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile extraction chain: %w", err)
	}
	return &Extractor{
		runner:    runner,
		timeout:   timeout,
		callbacks: observers.NewAllCallbacks(),
	}, nil
}

// Extract never fails: an empty plan, an upstream error, a timeout or a reply
// that does not parse all give an empty map. known is shown to the model for
// context only.
func (e *Extractor) Extract(ctx context.Context, utterance string, plan *nodes.ExtractionPlan, known map[string]string) map[string]string {
	out := map[string]string{}
	if plan.Empty() || strings.TrimSpace(utterance) == "" {
		return out
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := e.runner.Invoke(ctx,
		prompts.ExtractionVariables(utterance, plan.Output, known),
		compose.WithCallbacks(e.callbacks),
	)
	if err != nil {
		logx.Warn().Err(err).Strs("fields", plan.Output).Msg("variable extraction failed")
		return out
	}

	vars, err := parsers.ParseExtraction(reply, plan.Output)
	if err != nil {
		logx.Warn().Err(err).Strs("fields", plan.Output).Msg("variable extraction reply did not parse")
		return out
	}
	logx.Debug().Int("found", len(vars)).Dur("took", time.Since(start)).Msg("variables extracted")
	return vars
}
