package prompts

import (
	"sort"
	"strings"

	"github.com/relaycall-core/server/internal/agent/graph/nodes"
	"github.com/relaycall-core/server/internal/agent/model"
)

// GroundingPolicy decides how much retrieved knowledge goes into the prompt.
type GroundingPolicy string

const (
	// GroundTop keeps only the best scoring chunk.
	GroundTop GroundingPolicy = "top"
	// GroundAll keeps every chunk, separated by a blank line.
	GroundAll GroundingPolicy = "all"
)

// ParseGroundingPolicy maps a config value to a policy. Anything unknown
// grounds on all chunks.
func ParseGroundingPolicy(v string) GroundingPolicy {
	if GroundingPolicy(strings.ToLower(strings.TrimSpace(v))) == GroundTop {
		return GroundTop
	}
	return GroundAll
}

// BuildPrompt assembles the system prompt for one turn. It is pure: the same
// inputs always give the same string, variables are rendered in key order.
func BuildPrompt(base string, node *nodes.Node, vars map[string]string, chunks []model.KnowledgeChunk, policy GroundingPolicy) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))

	if node != nil {
		b.WriteString("\n\nCurrent step: ")
		b.WriteString(node.Name)
		if node.Config != nil {
			if step := strings.TrimSpace(node.Config.StepPrompt()); step != "" {
				b.WriteString("\n")
				b.WriteString(step)
			}
		}
	}

	if len(vars) > 0 {
		keys := make([]string, 0, len(vars))
		for k := range vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("\n\nKnown information about the caller:")
		for _, k := range keys {
			b.WriteString("\n")
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(vars[k])
		}
	}

	if grounding := renderKnowledge(chunks, policy); grounding != "" {
		b.WriteString("\n\nUse the following knowledge to answer. If it does not cover the question, say so briefly.\n")
		b.WriteString(grounding)
	}

	return b.String()
}

func renderKnowledge(chunks []model.KnowledgeChunk, policy GroundingPolicy) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		content := strings.TrimSpace(c.Content)
		if content == "" {
			continue
		}
		parts = append(parts, content)
		if policy == GroundTop {
			break
		}
	}
	return strings.Join(parts, "\n\n")
}
