package parsers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	errx "github.com/relaycall-core/server/internal/core/error"
	logx "github.com/relaycall-core/server/pkg/logger"
)

// basic safety limits to avoid pathological inputs
const (
	maxContentLen = 64 * 1024 // 64KB
	maxFields     = 64
	maxValueLen   = 4 * 1024
	maxErrSnippet = 200
)

// ParseExtraction decodes a model reply into string variables. The reply
// must be a single JSON object, optionally wrapped in a markdown code fence.
// Only keys listed in fields are kept; empty and null values are dropped.
// Any other shape is an error and the caller is expected to fall back to an
// empty result.
func ParseExtraction(content string, fields []string) (vars map[string]string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("component", "extraction_parser").Msgf("panic recovered: %v", r)
			err = errx.New(fmt.Errorf("extraction parser panic"), http.StatusInternalServerError, errx.SystemErrorMessage)
			vars = nil
		}
	}()

	if len(content) > maxContentLen {
		return nil, fmt.Errorf("content too large: %d bytes", len(content))
	}
	if !utf8.ValidString(content) {
		return nil, fmt.Errorf("content invalid utf8")
	}

	body := stripFence(strings.TrimSpace(content))
	if !strings.HasPrefix(body, "{") || !strings.HasSuffix(body, "}") {
		return nil, fmt.Errorf("not a json object: %s", safeSnippet(body))
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after json object")
	}

	wanted := make(map[string]struct{}, len(fields))
	for i, f := range fields {
		if i >= maxFields {
			break
		}
		wanted[f] = struct{}{}
	}

	vars = make(map[string]string, len(wanted))
	for k, v := range raw {
		if _, ok := wanted[k]; !ok {
			continue
		}
		s, ok := stringify(v)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if len(s) > maxValueLen {
			s = truncateRunes(s, maxValueLen)
		}
		vars[k] = s
	}
	return vars, nil
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// drop an info string such as "json"
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case json.Number:
		if f, err := t.Float64(); err == nil && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return "", false
		}
		return t.String(), true
	default:
		// nested objects and arrays are kept as compact JSON
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

func safeSnippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrSnippet {
		return s
	}
	return s[:maxErrSnippet]
}
