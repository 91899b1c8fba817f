// Package relay speaks the ConversationRelay websocket protocol: it decodes
// caller events for the engine and writes engine events back to the relay.
package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaycall-core/server/internal/agent/model"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type SetupMessage struct {
	Type             string            `json:"type"`
	SessionID        string            `json:"sessionId"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	Direction        string            `json:"direction"`
	CustomParameters map[string]string `json:"customParameters"`
}

type PromptMessage struct {
	Type        string `json:"type"`
	VoicePrompt string `json:"voicePrompt"`
	Lang        string `json:"lang"`
	Last        *bool  `json:"last"`
}

type InterruptMessage struct {
	Type                     string `json:"type"`
	UtteranceUntilInterrupt  string `json:"utteranceUntilInterrupt"`
	DurationUntilInterruptMs int64  `json:"durationUntilInterruptMs"`
}

type DTMFMessage struct {
	Type  string `json:"type"`
	Digit string `json:"digit"`
}

type ErrorMessage struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Decode parses one inbound frame. Malformed frames and unknown types give
// a *DecodeError.
func Decode(data []byte) (model.Inbound, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return model.Inbound{}, badRequest("invalid json", "")
	}

	switch model.InboundType(strings.TrimSpace(envelope.Type)) {
	case model.InboundSetup:
		var m SetupMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return model.Inbound{}, badRequest("invalid setup message", "")
		}
		id := m.CallSID
		if id == "" {
			id = m.SessionID
		}
		if id == "" {
			return model.Inbound{}, badRequest("setup requires callSid or sessionId", "callSid")
		}
		return model.Inbound{
			Type: model.InboundSetup,
			Setup: model.SetupInput{
				SessionID: id,
				Call: model.CallInfo{
					CallSID:    m.CallSID,
					From:       m.From,
					To:         m.To,
					AccountSID: m.AccountSID,
				},
				Parameters: m.CustomParameters,
			},
		}, nil

	case model.InboundPrompt:
		var m PromptMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return model.Inbound{}, badRequest("invalid prompt message", "")
		}
		last := true
		if m.Last != nil {
			last = *m.Last
		}
		return model.Inbound{Type: model.InboundPrompt, Text: m.VoicePrompt, Last: last}, nil

	case model.InboundInterrupt:
		var m InterruptMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return model.Inbound{}, badRequest("invalid interrupt message", "")
		}
		return model.Inbound{Type: model.InboundInterrupt, UtteranceUntilInterrupt: m.UtteranceUntilInterrupt}, nil

	case model.InboundDTMF:
		var m DTMFMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return model.Inbound{}, badRequest("invalid dtmf message", "")
		}
		return model.Inbound{Type: model.InboundDTMF, Digit: m.Digit}, nil

	case model.InboundError:
		var m ErrorMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return model.Inbound{}, badRequest("invalid error message", "")
		}
		return model.Inbound{Type: model.InboundError, Description: m.Description}, nil

	case "":
		return model.Inbound{}, badRequest("missing type", "type")
	default:
		return model.Inbound{}, unsupported("unknown message type", envelope.Type)
	}
}

type textMessage struct {
	Type    string `json:"type"`
	Token   string `json:"token"`
	Last    bool   `json:"last"`
	EndCall bool   `json:"endCall,omitempty"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type endMessage struct {
	Type        string `json:"type"`
	HandoffData string `json:"handoffData,omitempty"`
}

type readyMessage struct {
	Type string `json:"type"`
}

// Encode renders an engine event as a relay frame.
func Encode(ev model.Event) ([]byte, error) {
	switch ev.Type {
	case model.EventText:
		return json.Marshal(textMessage{Type: "text", Token: ev.Token, Last: ev.Last, EndCall: ev.EndCall})
	case model.EventError:
		return json.Marshal(errorMessage{Type: "error", Message: ev.Message})
	case model.EventEnd:
		return json.Marshal(endMessage{Type: "end", HandoffData: ev.HandoffData})
	case model.EventReady:
		return json.Marshal(readyMessage{Type: "ready"})
	default:
		return nil, fmt.Errorf("relay: cannot encode event type %q", ev.Type)
	}
}
