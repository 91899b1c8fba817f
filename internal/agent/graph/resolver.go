package graph

import (
	"fmt"
	"strings"

	"github.com/relaycall-core/server/internal/agent/model"
	errx "github.com/relaycall-core/server/internal/core/error"
)

// ResolveNextNode picks the node to move to after a turn on currentNodeID.
//
//   - unknown current node or no outgoing edges: "", false
//   - one outgoing edge: its target, the condition is not evaluated
//   - several: the first edge in declaration order that is direct or whose
//     intent keyword occurs in the utterance (case-insensitive); when none
//     match, the first declared edge
//
// The assistant response is accepted for future condition kinds; direct and
// intent conditions do not look at it.
func ResolveNextNode(g *Graph, currentNodeID, assistantResponse, userUtterance string) (string, bool) {
	if g == nil {
		return "", false
	}
	if _, ok := g.nodes[currentNodeID]; !ok {
		return "", false
	}
	edges := g.outgoing[currentNodeID]
	switch len(edges) {
	case 0:
		return "", false
	case 1:
		return edges[0].Target, true
	}

	utterance := strings.ToLower(userUtterance)
	for _, e := range edges {
		if matches(e, utterance) {
			return e.Target, true
		}
	}
	return edges[0].Target, true
}

func matches(e Edge, loweredUtterance string) bool {
	switch e.Condition {
	case model.ConditionIntent:
		return e.Intent != "" && strings.Contains(loweredUtterance, e.Intent)
	default:
		return true
	}
}

// Advance wraps ResolveNextNode with a typed error for callers that want to
// log why a session did not move. A missing current node is a state error.
func Advance(g *Graph, currentNodeID, assistantResponse, userUtterance string) (string, error) {
	if g == nil {
		return "", errx.State(fmt.Errorf("no workflow loaded"), "no workflow")
	}
	if _, ok := g.nodes[currentNodeID]; !ok {
		return "", errx.State(fmt.Errorf("node %q not in workflow %q", currentNodeID, g.WorkflowID), "unknown node")
	}
	next, ok := ResolveNextNode(g, currentNodeID, assistantResponse, userUtterance)
	if !ok {
		return "", ErrNoTransition
	}
	return next, nil
}
