package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/relaycall-core/server/internal/agent/graph/observers"
	"github.com/relaycall-core/server/internal/agent/model"
	errx "github.com/relaycall-core/server/internal/core/error"
	"github.com/relaycall-core/server/internal/metrics"
	logx "github.com/relaycall-core/server/pkg/logger"
)

// ErrInterrupted is returned when the caller cancelled the turn.
var ErrInterrupted = errors.New("turn interrupted")

// Result is what a streamed completion produced.
type Result struct {
	Text   string
	Tokens int
	Usage  *schema.TokenUsage
}

// Driver runs one streaming completion per call to Stream.
type Driver struct {
	chatModel einomodel.BaseChatModel
	modelName string
	timeout   time.Duration
	pricing   model.Pricing
	callbacks []einocb.Handler
}

// NewDriver streams through chatModel with the observer callbacks attached;
// extra handlers run alongside them.
func NewDriver(chatModel einomodel.BaseChatModel, modelName string, timeout time.Duration, extra ...einocb.Handler) *Driver {
	return &Driver{
		chatModel: chatModel,
		modelName: modelName,
		timeout:   timeout,
		pricing:   model.ResolvePricing(modelName),
		callbacks: append([]einocb.Handler{observers.NewAllCallbacks()}, extra...),
	}
}

type recvResult struct {
	msg *schema.Message
	err error
}

// Stream sends every non-empty token to sink as it arrives and then exactly
// one terminal event, whatever happens. Failures other than cancellation of
// ctx are preceded by an error event. Cancellation of ctx yields
// ErrInterrupted; the text received so far is still returned.
func (d *Driver) Stream(ctx context.Context, sink model.Sink, messages []*schema.Message) (res Result, err error) {
	start := time.Now()
	defer func() {
		metrics.CompletionDuration.Observe(time.Since(start).Seconds())
		if termErr := sink.Send(model.TerminalEvent()); termErr != nil && err == nil {
			err = errx.Upstream(termErr, "transport closed")
		}
	}()

	var turnCtx context.Context
	var cancel context.CancelFunc
	if d.timeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, d.timeout)
	} else {
		turnCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Models that report their own callbacks only need the handlers in ctx;
	// for the rest the driver reports start, end and error itself.
	cbCtx := einocb.InitCallbacks(turnCtx, &einocb.RunInfo{
		Name:      d.modelName,
		Type:      "ResponseModel",
		Component: components.ComponentOfChatModel,
	}, d.callbacks...)
	if !components.IsCallbacksEnabled(d.chatModel) {
		cbCtx = einocb.OnStart(cbCtx, &einomodel.CallbackInput{Messages: messages})
		defer func() {
			if err != nil {
				einocb.OnError(cbCtx, err)
				return
			}
			einocb.OnEnd(cbCtx, &einomodel.CallbackOutput{Message: schema.AssistantMessage(res.Text, nil)})
		}()
	}

	sr, err := d.chatModel.Stream(cbCtx, messages)
	if err != nil {
		return res, d.fail(ctx, sink, err)
	}

	results := make(chan recvResult)
	go func() {
		defer sr.Close()
		for {
			msg, err := sr.Recv()
			select {
			case results <- recvResult{msg: msg, err: err}:
			case <-turnCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var text strings.Builder
	for {
		var r recvResult
		select {
		case <-turnCtx.Done():
			res.Text = text.String()
			return res, d.fail(ctx, sink, turnCtx.Err())
		case r = <-results:
		}

		if errors.Is(r.err, io.EOF) {
			break
		}
		if r.err != nil {
			res.Text = text.String()
			return res, d.fail(ctx, sink, r.err)
		}
		if r.msg == nil {
			continue
		}
		if r.msg.ResponseMeta != nil && r.msg.ResponseMeta.Usage != nil {
			res.Usage = r.msg.ResponseMeta.Usage
		}
		if r.msg.Content == "" {
			continue
		}
		if res.Tokens == 0 {
			metrics.FirstTokenLatency.Observe(time.Since(start).Seconds())
		}
		res.Tokens++
		text.WriteString(r.msg.Content)
		if sendErr := sink.Send(model.TextEvent(r.msg.Content)); sendErr != nil {
			res.Text = text.String()
			return res, errx.Upstream(sendErr, "transport closed")
		}
	}

	res.Text = text.String()
	d.logUsage(res, time.Since(start))
	return res, nil
}

// fail classifies err and emits the error event when the caller did not
// cancel the turn itself.
func (d *Driver) fail(parent context.Context, sink model.Sink, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%w: %v", ErrInterrupted, parent.Err())
	}
	var wrapped error
	if errors.Is(err, context.DeadlineExceeded) {
		wrapped = errx.Upstream(err, "completion timed out")
	} else {
		wrapped = errx.Upstream(err, "completion failed")
	}
	if sendErr := sink.Send(model.ErrorEvent(errx.PublicMessage(wrapped))); sendErr != nil {
		logx.Warn().Err(sendErr).Msg("failed to send error event")
	}
	return wrapped
}

func (d *Driver) logUsage(res Result, took time.Duration) {
	ev := logx.Info().
		Str("model", d.modelName).
		Int("tokens", res.Tokens).
		Dur("took", took)
	if res.Usage != nil {
		_, _, total := model.ComputeCost(res.Usage, d.pricing)
		ev = ev.Int("prompt_tokens", res.Usage.PromptTokens).
			Int("completion_tokens", res.Usage.CompletionTokens).
			Float64("cost_usd", total)
	}
	ev.Msg("completion streamed")
}
