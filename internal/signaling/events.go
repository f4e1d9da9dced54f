package signaling

// CancelReason qualifies why an outgoing call ended before being answered.
type CancelReason int

const (
	CancelReasonNone CancelReason = iota
	CancelReasonTargetBusy
	CancelReasonCallDeclined
)

// SipEventKind discriminates the outgoing SipEvent bus (spec.md §6).
type SipEventKind int

const (
	EventCallStart SipEventKind = iota
	EventCallEnd
	EventCallCancelled
	EventButtonPress
)

// SipEvent is the single outgoing event type the core posts to whatever UI
// or higher-level consumer is listening (HTTP/WebSocket UI, relay actuator,
// etc. — all out of scope here per spec.md §1).
type SipEvent struct {
	Kind SipEventKind

	// EventCallCancelled
	CancelReason CancelReason

	// EventButtonPress
	Signal      rune
	DurationMS  uint16

	// EventCallStart: optional passthrough of the inbound P-Called-Party-ID
	// header, supplementing a doorbell with multiple configured numbers.
	CalledPartyID string
}

// Command is the inbound command interface (spec.md §6): dial and cancel.
type Command interface {
	isCommand()
}

// DialCommand requests an outgoing call. LocalNumber and CallerDisplay
// together let a physical doorbell button originate a ring with its own
// caller identity (original_source/main/button_handler.h).
type DialCommand struct {
	LocalNumber   string
	CallerDisplay string
}

func (DialCommand) isCommand() {}

// CancelCommand requests cancellation of the in-progress outgoing call. It
// only takes effect in Calling or later; a caller receives no direct reply,
// only the eventual CallCancelled event.
type CancelCommand struct{}

func (CancelCommand) isCommand() {}
