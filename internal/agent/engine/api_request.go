package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/relaycall-core/server/internal/agent/graph/nodes"
	"github.com/relaycall-core/server/internal/agent/session"
	errx "github.com/relaycall-core/server/internal/core/error"
	logx "github.com/relaycall-core/server/pkg/logger"
)

const (
	defaultAPITimeout = 5 * time.Second
	defaultAPILimit   = 64 << 10
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// callAPI runs the request of an api_request node once per visit: a node
// whose response variable is already set is not fetched again. Failures are
// logged and leave the variables untouched.
func (e *Engine) callAPI(ctx context.Context, s *session.Session, cfg nodes.APIRequest) {
	vars := s.Variables()
	if _, done := vars[cfg.ResponseVariable]; done {
		return
	}
	log := logx.With().Str("call_sid", s.ID).Str("url", cfg.URL).Logger()

	body, err := e.fetch(ctx, cfg, vars)
	if err != nil {
		log.Warn().Err(err).Msg("api request failed")
		return
	}
	s.MergeVariables(map[string]string{cfg.ResponseVariable: body})
	log.Debug().Int("bytes", len(body)).Str("variable", cfg.ResponseVariable).Msg("api request stored")
}

func (e *Engine) fetch(ctx context.Context, cfg nodes.APIRequest, vars map[string]string) (string, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := expand(cfg.URL, vars, url.QueryEscape)
	var reqBody io.Reader
	if cfg.Body != "" {
		reqBody = strings.NewReader(expand(cfg.Body, vars, nil))
	}
	req, err := http.NewRequestWithContext(ctx, cfg.Method, target, reqBody)
	if err != nil {
		return "", errx.Configuration(err, "invalid api request")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, expand(v, vars, nil))
	}
	if reqBody != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return "", errx.Upstream(err, "api request failed")
	}
	defer resp.Body.Close()

	limit := e.cfg.APIRequestLimit
	if limit <= 0 {
		limit = defaultAPILimit
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", errx.Upstream(err, "api request failed")
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", errx.Upstream(fmt.Errorf("status %d", resp.StatusCode), "api request failed")
	}
	return strings.TrimSpace(string(b)), nil
}

// expand replaces {{name}} with the session variable of that name. Unknown
// names expand to the empty string.
func expand(s string, vars map[string]string, escape func(string) string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v := vars[name]
		if escape != nil {
			v = escape(v)
		}
		return v
	})
}
