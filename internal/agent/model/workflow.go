package model

// NodeType tags the variant of a workflow node.
type NodeType string

const (
	NodeConversation NodeType = "conversation"
	NodeEndCall      NodeType = "end_call"
	NodeAPIRequest   NodeType = "api_request"
	NodeTransferCall NodeType = "transfer_call"
)

// ConditionType tags an edge condition.
type ConditionType string

const (
	ConditionDirect ConditionType = "direct"
	ConditionIntent ConditionType = "intent"
)

// Condition gates an edge. A nil condition behaves as direct.
type Condition struct {
	Type   ConditionType `json:"type" yaml:"type" mapstructure:"type"`
	Intent string        `json:"intent,omitempty" yaml:"intent,omitempty" mapstructure:"intent"`
}

// NodeSpec is a node as stored: the config blob is still untyped here and
// gets decoded once by the graph compiler.
type NodeSpec struct {
	ID     string         `json:"id" yaml:"id"`
	Name   string         `json:"name" yaml:"name"`
	Type   NodeType       `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// EdgeSpec connects two nodes. Edges keep the order they were declared in.
type EdgeSpec struct {
	ID        string     `json:"id,omitempty" yaml:"id,omitempty"`
	Source    string     `json:"source" yaml:"source"`
	Target    string     `json:"target" yaml:"target"`
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Workflow is the snapshot returned by a WorkflowRepository.
type Workflow struct {
	ID      string     `json:"id" yaml:"id"`
	AgentID string     `json:"agent_id" yaml:"agent_id"`
	Name    string     `json:"name" yaml:"name"`
	Nodes   []NodeSpec `json:"nodes" yaml:"nodes"`
	Edges   []EdgeSpec `json:"edges" yaml:"edges"`
}
