package signaling

import (
	"context"
	"fmt"
	"strings"

	"github.com/arzzra/doorbell-sip/internal/digestauth"
	"github.com/arzzra/doorbell-sip/internal/sipmsg"
	"github.com/looplab/fsm"
)

// callbacks builds the looplab/fsm callback map. Each entry is keyed by
// "after_<event>" rather than "enter_<state>": looplab/fsm skips
// enter_<state> callbacks on same-state transitions (the self-loops
// spec.md §4.6 uses for 401/407 retries), but after_<event> callbacks
// always fire, which lets each transition row of the spec map to exactly
// one callback.
func (a *Agent) callbacks() fsm.Callbacks {
	return fsm.Callbacks{
		"after_" + evStart:             a.onStart,
		"after_" + evChallenge:         a.onRegisterChallenge,
		"after_" + evReplyTimeout:      a.onReplyTimeout,
		"after_" + evRegistered:        a.onRegistered,
		"after_" + evServerError:       a.onServerError,
		"after_" + evReregisterTimer:   a.onReregisterTimer,
		"after_" + evInitiateCall:      a.onInitiateCall,
		"after_" + evRxInvite:          a.onRxInvite,
		"after_" + evInviteChallenge:   a.onInviteChallenge,
		"after_" + evAnswered:          a.onAnswered,
		"after_" + evCancelledByPeer:   a.onInviteRejected(CancelReasonNone),
		"after_" + evBusy:              a.onInviteRejected(CancelReasonTargetBusy),
		"after_" + evDeclined:          a.onInviteRejected(CancelReasonCallDeclined),
		"after_" + evCancelCall:        a.onCancelCall,
		"after_" + evCancelConfirmed:   a.onCancelConfirmed,
		"after_" + evRxBye:             a.onRxBye,
		"after_" + evRxInfo:            a.onRxInfo,
	}
}

// --- registration ---------------------------------------------------------

func (a *Agent) onStart(ctx context.Context, e *fsm.Event) {
	a.fromTag = a.newTag()
	a.branch = a.newBranch()
	a.cseq++
	if a.regCallID == "" {
		a.regCallID = fmt.Sprintf("%s@%s", a.rnd.Token(), a.cfg.LocalIP)
	}
	a.clearDigestState()
	a.sendRegister("", "")
	a.armReplyTimer()
}

func (a *Agent) onRegisterChallenge(ctx context.Context, e *fsm.Event) {
	// REGISTER always authenticates via Authorization, even on a 407
	// challenge (spec.md §4.5) — unlike INVITE, there is no proxy hop to
	// address separately here.
	a.realm = a.current.Realm
	a.nonce = a.current.Nonce
	a.cseq++
	uri := fmt.Sprintf("sip:%s", a.cfg.ServerHost)
	resp := a.digestResponse("REGISTER", uri)
	a.sendRegister("Authorization", digestauth.HeaderValue(
		digestauth.Challenge{Realm: a.realm, Nonce: a.nonce},
		digestauth.Credentials{User: a.cfg.User, Password: a.cfg.Password},
		"REGISTER", uri, resp))
	a.armReplyTimer()
}

func (a *Agent) onReplyTimeout(ctx context.Context, e *fsm.Event) {
	// Retransmit unauthenticated REGISTER, same tag/branch/cseq.
	a.sendRegister("", "")
	a.armReplyTimer()
}

func (a *Agent) onRegistered(ctx context.Context, e *fsm.Event) {
	a.cancelReplyTimer()
	a.clearDigestState()
	expires := a.current.ContactExpires
	if !a.current.HasExpires {
		expires = 0
	}
	a.armReregisterTimer(expires)
}

func (a *Agent) onServerError(ctx context.Context, e *fsm.Event) {
	a.cancelReplyTimer()
	a.armServerErrorTimer()
}

func (a *Agent) onReregisterTimer(ctx context.Context, e *fsm.Event) {
	a.cseq++
	a.fromTag = a.newTag()
	a.branch = a.newBranch()
	a.clearDigestState()
	a.sendRegister("", "")
	a.armReplyTimer()
}

func (a *Agent) sendRegister(authHeader, authValue string) {
	aor := a.aorURI()
	msg, err := sipmsg.BuildRequest(sipmsg.RequestParams{
		Method:          "REGISTER",
		RequestURI:      fmt.Sprintf("sip:%s", a.cfg.ServerHost),
		CSeq:            a.cseq,
		CallID:          a.regCallID,
		FromURI:         aor,
		FromTag:         a.fromTag,
		ToURI:           aor,
		ViaHost:         a.cfg.LocalIP,
		ViaPort:         a.cfg.localPortOrDefault(),
		Branch:          a.branch,
		ContactURI:      a.contactURI(),
		Expires:         defaultExpires,
		AuthHeaderName:  authHeader,
		AuthHeaderValue: authValue,
	})
	if err != nil {
		a.log.Error("building REGISTER failed", "error", err)
		return
	}
	a.send(msg)
}

func (a *Agent) aorURI() string {
	return fmt.Sprintf("sip:%s@%s", a.cfg.User, a.cfg.ServerHost)
}

func (a *Agent) contactURI() string {
	return fmt.Sprintf("sip:%s@%s:%d", a.cfg.User, a.cfg.LocalIP, a.cfg.localPortOrDefault())
}

// --- outgoing call ---------------------------------------------------------

func (a *Agent) onInitiateCall(ctx context.Context, e *fsm.Event) {
	a.cseq++
	a.fromTag = a.newTag()
	a.branch = a.newBranch()
	a.sdpSessionID = uint64(a.rnd.Uint32())
	a.dialog = Dialog{URI: a.targetURI}
	a.sendInvite("", "")
}

func (a *Agent) sendInvite(authHeader, authValue string) {
	rtpPort := a.cfg.LocalRTPPort
	if rtpPort == 0 {
		rtpPort = 7078
	}
	offer, err := sipmsg.BuildOffer(a.cfg.User, a.sdpSessionID, a.cfg.LocalIP, rtpPort)
	if err != nil {
		a.log.Error("building sdp offer failed", "error", err)
		return
	}
	from := fmt.Sprintf("\"%s\" <%s>", a.callerDisplay, a.aorURI())
	msg, err := sipmsg.BuildRequest(sipmsg.RequestParams{
		Method:          "INVITE",
		RequestURI:      a.targetURI,
		CSeq:            a.cseq,
		CallID:          a.callID,
		FromURI:         from,
		FromTag:         a.fromTag,
		ToURI:           fmt.Sprintf("<%s>", a.targetURI),
		ViaHost:         a.cfg.LocalIP,
		ViaPort:         a.cfg.localPortOrDefault(),
		Branch:          a.branch,
		ContactURI:      a.contactURI(),
		AuthHeaderName:  authHeader,
		AuthHeaderValue: authValue,
		ContentType:     "application/sdp",
		Body:            offer,
	})
	if err != nil {
		a.log.Error("building INVITE failed", "error", err)
		return
	}
	a.send(msg)
}

func (a *Agent) onInviteChallenge(ctx context.Context, e *fsm.Event) {
	// ACK the rejected INVITE to its original request-URI and branch
	// before retrying, per the non-2xx ACK invariant.
	a.sendAck(a.targetURI, "", a.branch)

	a.proxyAuth = a.current.Status == sipmsg.StatusProxyAuthRequired
	a.realm = a.current.Realm
	a.nonce = a.current.Nonce
	a.cseq++
	a.branch = a.newBranch()
	resp := a.digestResponse("INVITE", a.targetURI)
	a.sendInvite(digestauth.HeaderName(a.proxyAuth), digestauth.HeaderValue(
		digestauth.Challenge{Realm: a.realm, Nonce: a.nonce},
		digestauth.Credentials{User: a.cfg.User, Password: a.cfg.Password},
		"INVITE", a.targetURI, resp))
}

func (a *Agent) onAnswered(ctx context.Context, e *fsm.Event) {
	a.dialog.ToTag = a.current.ToTag
	a.dialog.ToContact = a.current.Contact
	a.dialog.RecordRoute = a.current.RecordRoute
	target := a.dialog.ToContact
	if target == "" {
		target = a.targetURI
	}
	a.sendAck(target, a.dialog.ToTag, a.newBranch())
	a.latchCodecFromSDP(a.current.SDPMedia)
	a.emit(SipEvent{Kind: EventCallStart, CalledPartyID: a.current.PCalledPartyID})
}

// onInviteRejected builds the after_<event> callback for the three final
// non-2xx outcomes (487/486/603), which share the same ACK-then-emit shape
// and differ only in the CancelReason reported on the bus.
func (a *Agent) onInviteRejected(reason CancelReason) fsm.Callback {
	return func(ctx context.Context, e *fsm.Event) {
		a.sendAck(a.targetURI, "", a.branch)
		a.emit(SipEvent{Kind: EventCallCancelled, CancelReason: reason})
	}
}

func (a *Agent) sendAck(requestURI, toTag, branch string) {
	msg, err := sipmsg.BuildRequest(sipmsg.RequestParams{
		Method:      "ACK",
		RequestURI:  requestURI,
		CSeq:        a.cseq,
		CallID:      a.callID,
		FromURI:     fmt.Sprintf("\"%s\" <%s>", a.callerDisplay, a.aorURI()),
		FromTag:     a.fromTag,
		ToURI:       fmt.Sprintf("<%s>", a.targetURI),
		ToTag:       toTag,
		ViaHost:     a.cfg.LocalIP,
		ViaPort:     a.cfg.localPortOrDefault(),
		Branch:      branch,
		RecordRoute: a.dialog.RecordRoute,
	})
	if err != nil {
		a.log.Error("building ACK failed", "error", err)
		return
	}
	a.send(msg)
}

// --- cancellation -----------------------------------------------------------

func (a *Agent) onCancelCall(ctx context.Context, e *fsm.Event) {
	// CANCEL reuses the outstanding INVITE's cseq, from-tag, call-id, and
	// branch exactly (spec.md §3 invariant).
	msg, err := sipmsg.BuildRequest(sipmsg.RequestParams{
		Method:     "CANCEL",
		RequestURI: a.targetURI,
		CSeq:       a.cseq,
		CallID:     a.callID,
		FromURI:    fmt.Sprintf("\"%s\" <%s>", a.callerDisplay, a.aorURI()),
		FromTag:    a.fromTag,
		ToURI:      fmt.Sprintf("<%s>", a.targetURI),
		ViaHost:    a.cfg.LocalIP,
		ViaPort:    a.cfg.localPortOrDefault(),
		Branch:     a.branch,
	})
	if err != nil {
		a.log.Error("building CANCEL failed", "error", err)
		return
	}
	a.send(msg)
}

func (a *Agent) onCancelConfirmed(ctx context.Context, e *fsm.Event) {
	a.sendAck(a.targetURI, "", a.branch)
	a.emit(SipEvent{Kind: EventCallCancelled, CancelReason: CancelReasonNone})
}

// --- inbound dialog ----------------------------------------------------------

func (a *Agent) onRxInvite(ctx context.Context, e *fsm.Event) {
	a.callID = a.current.CallID
	a.dialog = Dialog{ToTag: a.newTag()}
	a.replyOK(a.current, a.dialog.ToTag)
	a.latchCodecFromSDP(a.current.SDPMedia)
	a.emit(SipEvent{Kind: EventCallStart, CalledPartyID: a.current.PCalledPartyID})
}

func (a *Agent) onRxBye(ctx context.Context, e *fsm.Event) {
	a.replyOK(a.current, a.dialog.ToTag)
	a.emit(SipEvent{Kind: EventCallEnd})
}

func (a *Agent) onRxInfo(ctx context.Context, e *fsm.Event) {
	a.replyOK(a.current, a.dialog.ToTag)
	if a.current.ContentType != sipmsg.ContentTypeDtmfRelay || a.current.Signal == "" {
		return
	}
	a.emit(SipEvent{
		Kind:       EventButtonPress,
		Signal:     rune(a.current.Signal[0]),
		DurationMS: uint16(a.current.Duration),
	})
}

// dispatchRequest routes one parsed inbound request to the right event
// based on the current state, applying the inline guards spec.md §4.6
// names (self-reflection decline, stateless 200 OK outside expectation).
func (a *Agent) dispatchRequest(ctx context.Context, pkt *sipmsg.Packet) {
	switch pkt.Method {
	case sipmsg.MethodInvite:
		if a.State() != StateRegistered {
			a.replyStatus(pkt, 486, "Busy Here", "", "")
			return
		}
		if a.selfReflected(pkt) {
			a.replyStatus(pkt, 603, "Decline", a.newTag(), "")
			return
		}
		a.fire(ctx, evRxInvite)

	case sipmsg.MethodBye:
		if a.State() != StateCallEstablished {
			a.replyStatus(pkt, 200, "OK", "", "")
			return
		}
		a.fire(ctx, evRxBye)

	case sipmsg.MethodInfo:
		if a.State() != StateCallEstablished {
			a.replyStatus(pkt, 200, "OK", "", "")
			return
		}
		a.fire(ctx, evRxInfo)

	case sipmsg.MethodNotify:
		a.replyStatus(pkt, 200, "OK", "", "")

	default:
		a.log.Info("dropping unrecognized sip request", "request_uri", pkt.RequestURI)
	}
}

// selfReflected implements the "prevents reflection" guard: an inbound
// INVITE whose From display name equals our own caller_display is our own
// call looping back (e.g. via a misconfigured proxy) and must be declined.
func (a *Agent) selfReflected(pkt *sipmsg.Packet) bool {
	if a.callerDisplay == "" {
		return false
	}
	display := extractDisplayName(pkt.From)
	return display != "" && display == a.callerDisplay
}

func extractDisplayName(from string) string {
	from = strings.TrimSpace(from)
	if !strings.HasPrefix(from, "\"") {
		return ""
	}
	end := strings.Index(from[1:], "\"")
	if end < 0 {
		return ""
	}
	return from[1 : end+1]
}

func (a *Agent) dispatchResponse(ctx context.Context, pkt *sipmsg.Packet) {
	switch a.State() {
	case StateWaitingForAuthReply:
		switch pkt.Status {
		case sipmsg.StatusUnauthorized, sipmsg.StatusProxyAuthRequired:
			a.fire(ctx, evChallenge)
		case sipmsg.StatusOK:
			a.fire(ctx, evRegistered)
		case sipmsg.StatusInternalServerError:
			a.fire(ctx, evServerError)
		}

	case StateCalling:
		switch pkt.Status {
		case sipmsg.StatusUnauthorized, sipmsg.StatusProxyAuthRequired:
			a.fire(ctx, evInviteChallenge)
		case sipmsg.StatusTrying, sipmsg.StatusSessionProgress:
			// no state change
		case sipmsg.StatusOK:
			a.fire(ctx, evAnswered)
		case sipmsg.StatusRequestCancelled:
			a.fire(ctx, evCancelledByPeer)
		case sipmsg.StatusBusyHere:
			a.fire(ctx, evBusy)
		case sipmsg.StatusDecline:
			a.fire(ctx, evDeclined)
		}

	case StateCancelling:
		switch pkt.Status {
		case sipmsg.StatusOK:
			// provisional acknowledgement of CANCEL; remain until 487.
		case sipmsg.StatusRequestCancelled:
			a.fire(ctx, evCancelConfirmed)
		}
	}
}

func (a *Agent) replyOK(pkt *sipmsg.Packet, toTag string) {
	a.replyStatus(pkt, 200, "OK", toTag, "")
}

func (a *Agent) replyStatus(pkt *sipmsg.Packet, status int, reason, toTag, body string) {
	msg, err := sipmsg.BuildResponse(sipmsg.ResponseParams{
		Status: status,
		Reason: reason,
		Via:    pkt.Via,
		CSeq:   pkt.CSeqNumber,
		Method: pkt.CSeqMethod,
		CallID: pkt.CallID,
		From:   pkt.From,
		To:     pkt.To,
		ToTag:  toTag,
		Body:   body,
	})
	if err != nil {
		a.log.Error("building sip response failed", "error", err)
		return
	}
	a.send(msg)
}

// latchCodecFromSDP implements the "latch from first matching SDP line"
// half of the codec negotiation rule (spec.md §4.7); the RTP-side half
// (latch from first inbound RTP payload type) lives in the audio pump.
func (a *Agent) latchCodecFromSDP(mLines []string) {
	if a.negotiatedPT != -1 || len(mLines) == 0 {
		return
	}
	fields := strings.Fields(mLines[0])
	for _, f := range fields[3:] {
		switch f {
		case "0":
			a.negotiatedPT = 0
			return
		case "8":
			a.negotiatedPT = 8
			return
		}
	}
}
