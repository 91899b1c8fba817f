package nodes

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/relaycall-core/server/internal/agent/model"
	errx "github.com/relaycall-core/server/internal/core/error"
)

// Action is a named, best-effort side effect declared on a node.
type Action struct {
	Name   string         `mapstructure:"name"`
	Params map[string]any `mapstructure:"params"`
}

// ExtractionPlan lists the variables to pull out of the caller's utterance.
type ExtractionPlan struct {
	Output []string `mapstructure:"output"`
}

// Empty reports whether the plan asks for nothing.
func (p *ExtractionPlan) Empty() bool {
	return p == nil || len(p.Output) == 0
}

// Config is the typed payload of a node. Exactly one implementation exists
// per model.NodeType.
type Config interface {
	Type() model.NodeType
	StepPrompt() string
	Plan() *ExtractionPlan
	DeclaredActions() []Action
}

// Common holds the fields every node type accepts.
type Common struct {
	Prompt         string          `mapstructure:"prompt"`
	Actions        []Action        `mapstructure:"actions"`
	ExtractionPlan *ExtractionPlan `mapstructure:"extraction_plan"`
}

func (b Common) StepPrompt() string        { return b.Prompt }
func (b Common) Plan() *ExtractionPlan     { return b.ExtractionPlan }
func (b Common) DeclaredActions() []Action { return b.Actions }

type Conversation struct {
	Common `mapstructure:",squash"`
}

func (Conversation) Type() model.NodeType { return model.NodeConversation }

// EndCall closes the call. Message is spoken verbatim as the final turn.
type EndCall struct {
	Common  `mapstructure:",squash"`
	Message string `mapstructure:"message"`
}

func (EndCall) Type() model.NodeType { return model.NodeEndCall }

// APIRequest fetches URL when the session sits on the node and stores the
// response body under ResponseVariable before the model is prompted.
type APIRequest struct {
	Common           `mapstructure:",squash"`
	URL              string            `mapstructure:"url"`
	Method           string            `mapstructure:"method"`
	Headers          map[string]string `mapstructure:"headers"`
	Body             string            `mapstructure:"body"`
	ResponseVariable string            `mapstructure:"response_variable"`
	TimeoutSeconds   int               `mapstructure:"timeout_seconds"`
}

func (APIRequest) Type() model.NodeType { return model.NodeAPIRequest }

// TransferCall hands the caller to PhoneNumber after speaking Message.
type TransferCall struct {
	Common      `mapstructure:",squash"`
	Message     string `mapstructure:"message"`
	PhoneNumber string `mapstructure:"phone_number"`
}

func (TransferCall) Type() model.NodeType { return model.NodeTransferCall }

// Node is a workflow node with its config decoded.
type Node struct {
	ID     string
	Name   string
	Type   model.NodeType
	Config Config
}

// IsTerminal reports whether reaching the node ends the conversation.
func (n *Node) IsTerminal() bool {
	return n != nil && (n.Type == model.NodeEndCall || n.Type == model.NodeTransferCall)
}

// Parse decodes spec once. Unknown types and configs that do not decode
// are configuration errors.
func Parse(spec model.NodeSpec) (*Node, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return nil, errx.Configuration(fmt.Errorf("node without id"), "invalid workflow node")
	}
	typ := model.NodeType(strings.ToLower(strings.TrimSpace(string(spec.Type))))
	if typ == "" {
		typ = model.NodeConversation
	}

	var cfg Config
	var err error
	switch typ {
	case model.NodeConversation:
		var c Conversation
		err = decode(spec.Config, &c)
		cfg = c
	case model.NodeEndCall:
		var c EndCall
		err = decode(spec.Config, &c)
		cfg = c
	case model.NodeAPIRequest:
		var c APIRequest
		if err = decode(spec.Config, &c); err == nil {
			err = c.normalize()
		}
		cfg = c
	case model.NodeTransferCall:
		var c TransferCall
		if err = decode(spec.Config, &c); err == nil && strings.TrimSpace(c.PhoneNumber) == "" {
			err = fmt.Errorf("phone_number is required")
		}
		cfg = c
	default:
		return nil, errx.Configuration(fmt.Errorf("node %q: unknown type %q", id, spec.Type), "invalid workflow node")
	}
	if err != nil {
		return nil, errx.Configuration(fmt.Errorf("node %q: %w", id, err), "invalid workflow node")
	}

	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = id
	}
	return &Node{ID: id, Name: name, Type: typ, Config: cfg}, nil
}

func decode(raw map[string]any, out any) error {
	if len(raw) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

func (c *APIRequest) normalize() error {
	u, err := url.Parse(strings.TrimSpace(c.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) url")
	}
	c.URL = u.String()
	c.Method = strings.ToUpper(strings.TrimSpace(c.Method))
	if c.Method == "" {
		c.Method = "GET"
	}
	if c.ResponseVariable == "" {
		c.ResponseVariable = "api_response"
	}
	return nil
}
