package observers

import (
	"context"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/prompt"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	logx "github.com/relaycall-core/server/pkg/logger"
)

func newPromptHandler() *callbackHelper.PromptCallbackHandler {
	return &callbackHelper.PromptCallbackHandler{
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *prompt.CallbackOutput) context.Context {
			component, name := runName(info)
			n := 0
			if output != nil {
				n = len(output.Result)
			}
			logx.Debug().Str("component", component).Str("name", name).Int("messages", n).Msg("prompt rendered")
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			component, name := runName(info)
			logx.Warn().Err(err).Str("component", component).Str("name", name).Msg("prompt render failed")
			return ctx
		},
	}
}
