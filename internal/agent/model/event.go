package model

// EventType tags an outbound event.
type EventType string

const (
	EventText  EventType = "text"
	EventError EventType = "error"
	EventEnd   EventType = "end"
	EventReady EventType = "ready"
)

// Event is one outbound message to the caller's transport.
//
// A text event with Last set closes the turn. EndCall is only set on the
// final message of a terminating session.
type Event struct {
	Type        EventType
	Token       string
	Last        bool
	EndCall     bool
	Message     string
	HandoffData string
}

// TextEvent is a partial token.
func TextEvent(token string) Event {
	return Event{Type: EventText, Token: token}
}

// TerminalEvent closes a turn.
func TerminalEvent() Event {
	return Event{Type: EventText, Last: true}
}

// ErrorEvent reports a turn-level failure.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

// Sink receives outbound events in order. Send fails once the transport is
// gone; it never blocks past the transport's own write deadline.
type Sink interface {
	Send(ev Event) error
}
