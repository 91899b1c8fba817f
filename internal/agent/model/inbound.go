package model

// InboundType tags an event arriving from the caller's transport.
type InboundType string

const (
	InboundSetup     InboundType = "setup"
	InboundPrompt    InboundType = "prompt"
	InboundInterrupt InboundType = "interrupt"
	InboundDTMF      InboundType = "dtmf"
	InboundError     InboundType = "error"
	// InboundEnd is raised by the engine itself when an operator ends the
	// call; the relay never decodes it.
	InboundEnd InboundType = "end"
)

// Inbound is a decoded transport event. Only the fields of its Type are set.
type Inbound struct {
	Type InboundType

	// setup
	Setup SetupInput

	// prompt
	Text string
	Last bool

	// interrupt
	UtteranceUntilInterrupt string

	// dtmf
	Digit string

	// error
	Description string
}
