package termination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/relaycall-core/server/internal/agent/graph/nodes"
	"github.com/relaycall-core/server/internal/agent/model"
	errx "github.com/relaycall-core/server/internal/core/error"
	logx "github.com/relaycall-core/server/pkg/logger"
)

const (
	ActionLog     = "log"
	ActionPublish = "publish"
	ActionRecord  = "record"
	ActionWebhook = "webhook"

	defaultOutcomeChannel = "call_outcomes"
)

// ActionFunc runs one declared action for a terminating session.
type ActionFunc func(ctx context.Context, action nodes.Action, outcome model.CallOutcome) error

// Registry maps action names to their implementation.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]ActionFunc
}

func NewRegistry() *Registry {
	r := &Registry{actions: make(map[string]ActionFunc)}
	r.Register(ActionLog, LogAction)
	return r
}

// Register adds or replaces an action. Names are case-insensitive.
func (r *Registry) Register(name string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[strings.ToLower(name)] = fn
}

func (r *Registry) lookup(name string) (ActionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[strings.ToLower(strings.TrimSpace(name))]
	return fn, ok
}

// LogAction writes the outcome to the log.
func LogAction(_ context.Context, action nodes.Action, outcome model.CallOutcome) error {
	msg, _ := action.Params["message"].(string)
	if msg == "" {
		msg = "call outcome"
	}
	logx.Info().
		Str("call_sid", outcome.CallSID).
		Str("agent_id", outcome.AgentID).
		Str("node_id", outcome.NodeID).
		Str("reason", outcome.Reason).
		Int("turns", outcome.Turns).
		Interface("variables", outcome.Variables).
		Msg(msg)
	return nil
}

// PublishAction publishes the outcome as JSON on a Redis channel, taken from
// the "channel" param.
func PublishAction(rdb redis.Cmdable) ActionFunc {
	return func(ctx context.Context, action nodes.Action, outcome model.CallOutcome) error {
		channel, _ := action.Params["channel"].(string)
		if channel == "" {
			channel = defaultOutcomeChannel
		}
		b, err := json.Marshal(outcome)
		if err != nil {
			return fmt.Errorf("marshal outcome: %w", err)
		}
		if err := rdb.Publish(ctx, channel, b).Err(); err != nil {
			return errx.WrapRedis(err)
		}
		return nil
	}
}

// RecordAction persists the outcome.
func RecordAction(recorder model.OutcomeRecorder) ActionFunc {
	return func(ctx context.Context, _ nodes.Action, outcome model.CallOutcome) error {
		return recorder.Record(ctx, outcome)
	}
}

// WebhookAction POSTs the outcome as JSON to the "url" param. Extra request
// headers come from the "headers" param.
func WebhookAction(client *http.Client) ActionFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, action nodes.Action, outcome model.CallOutcome) error {
		url, _ := action.Params["url"].(string)
		if url == "" {
			return errx.Configuration(fmt.Errorf("webhook action without url"), "invalid action")
		}
		b, err := json.Marshal(outcome)
		if err != nil {
			return fmt.Errorf("marshal outcome: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return errx.Configuration(err, "invalid action")
		}
		req.Header.Set("Content-Type", "application/json")
		if headers, ok := action.Params["headers"].(map[string]any); ok {
			for k, v := range headers {
				if s, ok := v.(string); ok {
					req.Header.Set(k, s)
				}
			}
		}
		resp, err := client.Do(req)
		if err != nil {
			return errx.Upstream(err, "webhook failed")
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode >= 300 {
			return errx.Upstream(fmt.Errorf("webhook %s: status %d", url, resp.StatusCode), "webhook failed")
		}
		return nil
	}
}
