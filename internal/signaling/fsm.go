package signaling

import "github.com/looplab/fsm"

// State names, matching spec.md §4.6 exactly.
const (
	StateIdle                = "idle"
	StateWaitingForAuthReply = "waiting_for_auth_reply"
	StateRegistered          = "registered"
	StateCalling             = "calling"
	StateCallEstablished     = "call_established"
	StateCancelling          = "cancelling"
)

// Event names fired against the FSM. Several map to more than one wire
// condition (e.g. evChallenge covers both 401 and 407) because the spec
// table treats them identically; the caller distinguishes 401 vs 407 only
// to pick the Authorization vs Proxy-Authorization header (§4.5).
const (
	evStart             = "start"
	evChallenge         = "challenge"          // 401 | 407 while registering
	evReplyTimeout      = "reply_timeout"       // REGISTER reply timer fired
	evRegistered        = "registered"          // 200 to REGISTER
	evServerError       = "server_error"        // 500 to REGISTER
	evReregisterTimer   = "reregister_timer"
	evRequestCall       = "request_call"
	evInitiateCall      = "initiate_call"
	evRxInvite          = "rx_invite"
	evInviteChallenge   = "invite_challenge"    // 401 | 407 while calling
	evProvisional       = "provisional"         // 100 | 183
	evAnswered          = "answered"            // 200 to INVITE
	evCancelledByPeer   = "cancelled_by_peer"    // 487
	evBusy              = "busy"                 // 486
	evDeclined          = "declined"             // 603
	evCancelCall        = "cancel_call"
	evCancelProvisional = "cancel_provisional"   // 200 to CANCEL
	evCancelConfirmed   = "cancel_confirmed"     // 487 to the cancelled INVITE
	evRxBye             = "rx_bye"
	evRxInfo            = "rx_info"
)

// newFSM builds the signaling state machine of spec.md §4.6. callbacks
// supplies the entry actions for each state (send REGISTER/INVITE/ACK/etc,
// emit SipEvents, arm timers); see Agent for how they are wired.
func newFSM(callbacks fsm.Callbacks) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: evStart, Src: []string{StateIdle}, Dst: StateWaitingForAuthReply},

			{Name: evChallenge, Src: []string{StateWaitingForAuthReply}, Dst: StateWaitingForAuthReply},
			{Name: evReplyTimeout, Src: []string{StateWaitingForAuthReply}, Dst: StateWaitingForAuthReply},
			{Name: evRegistered, Src: []string{StateWaitingForAuthReply}, Dst: StateRegistered},
			{Name: evServerError, Src: []string{StateWaitingForAuthReply}, Dst: StateIdle},

			{Name: evReregisterTimer, Src: []string{StateRegistered}, Dst: StateWaitingForAuthReply},
			{Name: evRequestCall, Src: []string{StateRegistered}, Dst: StateRegistered},
			{Name: evInitiateCall, Src: []string{StateRegistered}, Dst: StateCalling},
			{Name: evRxInvite, Src: []string{StateRegistered}, Dst: StateCallEstablished},

			{Name: evInviteChallenge, Src: []string{StateCalling}, Dst: StateCalling},
			{Name: evProvisional, Src: []string{StateCalling}, Dst: StateCalling},
			{Name: evAnswered, Src: []string{StateCalling}, Dst: StateCallEstablished},
			{Name: evCancelledByPeer, Src: []string{StateCalling}, Dst: StateRegistered},
			{Name: evBusy, Src: []string{StateCalling}, Dst: StateRegistered},
			{Name: evDeclined, Src: []string{StateCalling}, Dst: StateRegistered},
			{Name: evCancelCall, Src: []string{StateCalling}, Dst: StateCancelling},

			{Name: evCancelProvisional, Src: []string{StateCancelling}, Dst: StateCancelling},
			{Name: evCancelConfirmed, Src: []string{StateCancelling}, Dst: StateRegistered},

			{Name: evRxBye, Src: []string{StateCallEstablished}, Dst: StateRegistered},
			{Name: evRxInfo, Src: []string{StateCallEstablished}, Dst: StateCallEstablished},
		},
		callbacks,
	)
}
