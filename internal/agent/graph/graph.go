package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/relaycall-core/server/internal/agent/graph/nodes"
	"github.com/relaycall-core/server/internal/agent/model"
	errx "github.com/relaycall-core/server/internal/core/error"
	logx "github.com/relaycall-core/server/pkg/logger"
)

// Edge is a compiled edge. Intent keywords are stored lower-cased.
type Edge struct {
	ID        string
	Source    string
	Target    string
	Condition model.ConditionType
	Intent    string
}

// Graph is the immutable, compiled form of a workflow. It is safe to share
// between sessions of the same agent; nothing mutates it after Compile.
type Graph struct {
	WorkflowID string
	AgentID    string
	Name       string

	entry    string
	nodes    map[string]*nodes.Node
	order    []string
	outgoing map[string][]Edge
	incoming map[string]int
}

// Compile decodes every node config and indexes edges by source in
// declaration order. Structural defects that make the graph unusable
// (no entry node, duplicate ids, dangling edges) are configuration errors;
// unreachable nodes are only logged, see Validate.
func Compile(wf *model.Workflow) (*Graph, error) {
	g, entries, err := build(wf)
	if err != nil {
		return nil, err
	}
	if err := entryError(wf, entries); err != nil {
		return nil, err
	}
	g.entry = entries[0]

	if unreachable := g.Unreachable(); len(unreachable) > 0 {
		logx.Warn().
			Str("workflow_id", wf.ID).
			Strs("nodes", unreachable).
			Msg("workflow has nodes unreachable from the entry node")
	}
	return g, nil
}

// build indexes nodes and edges and returns the nodes without incoming
// edges, in declaration order. The entry is left unset.
func build(wf *model.Workflow) (*Graph, []string, error) {
	if wf == nil {
		return nil, nil, errx.Configuration(fmt.Errorf("workflow is nil"), "invalid workflow")
	}
	g := &Graph{
		WorkflowID: wf.ID,
		AgentID:    wf.AgentID,
		Name:       wf.Name,
		nodes:      make(map[string]*nodes.Node, len(wf.Nodes)),
		outgoing:   make(map[string][]Edge),
		incoming:   make(map[string]int),
	}

	for _, spec := range wf.Nodes {
		n, err := nodes.Parse(spec)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, nil, errx.Configuration(fmt.Errorf("duplicate node id %q", n.ID), "invalid workflow")
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}
	if len(g.nodes) == 0 {
		return nil, nil, errx.Configuration(fmt.Errorf("workflow %q has no nodes", wf.ID), "invalid workflow")
	}

	for i, spec := range wf.Edges {
		e, err := compileEdge(spec)
		if err != nil {
			return nil, nil, errx.Configuration(fmt.Errorf("edge %d: %w", i, err), "invalid workflow")
		}
		if _, ok := g.nodes[e.Source]; !ok {
			return nil, nil, errx.Configuration(fmt.Errorf("edge %d: unknown source %q", i, e.Source), "invalid workflow")
		}
		if _, ok := g.nodes[e.Target]; !ok {
			return nil, nil, errx.Configuration(fmt.Errorf("edge %d: unknown target %q", i, e.Target), "invalid workflow")
		}
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
		g.incoming[e.Target]++
	}

	var entries []string
	for _, id := range g.order {
		if g.incoming[id] == 0 {
			entries = append(entries, id)
		}
	}
	return g, entries, nil
}

func entryError(wf *model.Workflow, entries []string) error {
	switch len(entries) {
	case 0:
		return errx.Configuration(fmt.Errorf("workflow %q has no entry node", wf.ID), "invalid workflow")
	case 1:
		return nil
	default:
		return errx.Configuration(fmt.Errorf("workflow %q has %d entry nodes: %s", wf.ID, len(entries), strings.Join(entries, ", ")), "invalid workflow")
	}
}

func compileEdge(spec model.EdgeSpec) (Edge, error) {
	e := Edge{
		ID:        spec.ID,
		Source:    strings.TrimSpace(spec.Source),
		Target:    strings.TrimSpace(spec.Target),
		Condition: model.ConditionDirect,
	}
	if spec.Condition == nil {
		return e, nil
	}
	switch model.ConditionType(strings.ToLower(strings.TrimSpace(string(spec.Condition.Type)))) {
	case "", model.ConditionDirect:
	case model.ConditionIntent:
		intent := strings.ToLower(strings.TrimSpace(spec.Condition.Intent))
		if intent == "" {
			return Edge{}, fmt.Errorf("intent condition without keyword")
		}
		e.Condition = model.ConditionIntent
		e.Intent = intent
	default:
		return Edge{}, fmt.Errorf("unknown condition type %q", spec.Condition.Type)
	}
	return e, nil
}

// Entry returns the entry node.
func (g *Graph) Entry() *nodes.Node {
	return g.nodes[g.entry]
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (*nodes.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Unreachable lists nodes that cannot be reached from the entry node, in
// declaration order.
func (g *Graph) Unreachable() []string {
	if g.entry == "" {
		return nil
	}
	seen := map[string]bool{g.entry: true}
	queue := []string{g.entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.outgoing[id] {
			if !seen[e.Target] {
				seen[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	var out []string
	for _, id := range g.order {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// Validate compiles wf and reports every defect it can find, including
// unreachable nodes and non-terminal dead ends. It is used by the validate
// command; the engine only needs Compile. With several entry candidates the
// first declared one is taken as the entry, so the others show up as
// unreachable too.
func Validate(wf *model.Workflow) []error {
	g, entries, err := build(wf)
	if err != nil {
		return []error{err}
	}
	var problems []error
	if err := entryError(wf, entries); err != nil {
		problems = append(problems, err)
	}
	if len(entries) == 0 {
		return problems
	}
	g.entry = entries[0]

	for _, id := range g.Unreachable() {
		problems = append(problems, fmt.Errorf("node %q is unreachable from entry %q", id, g.entry))
	}
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := g.nodes[id]
		if len(g.outgoing[id]) == 0 && !n.IsTerminal() {
			problems = append(problems, fmt.Errorf("node %q has no outgoing edges and is not an end node", id))
		}
		if n.IsTerminal() && len(g.outgoing[id]) > 0 {
			problems = append(problems, fmt.Errorf("terminal node %q has outgoing edges that will never be taken", id))
		}
	}
	return problems
}

// ErrNoTransition is returned by Advance when the session stays put.
var ErrNoTransition = errors.New("no transition")
