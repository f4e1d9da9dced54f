package signaling

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/doorbell-sip/internal/digestauth"
	"github.com/stretchr/testify/require"
)

// fakeClock gives tests control over when armed timers fire, instead of
// waiting out real wall-clock durations. Each After() call is recorded in
// arrival order; fireLatest() fires the most recently armed one, which is
// always the live timer since Agent always Stops the previous one first.
type fakeClock struct {
	mu      sync.Mutex
	pending []chan time.Time
}

func (c *fakeClock) Now() time.Time { return time.Time{} }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.pending = append(c.pending, ch)
	c.mu.Unlock()
	return ch
}

func (c *fakeClock) fireLatest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return false
	}
	last := c.pending[len(c.pending)-1]
	c.pending = c.pending[:len(c.pending)-1]
	last <- time.Time{}
	return true
}

// fakeUDP is an in-memory ports.Udp: WriteTo records outgoing datagrams,
// ReadFrom blocks on an inbound channel tests push simulated packets into.
type fakeUDP struct {
	mu      sync.Mutex
	sent    []string
	inbound chan []byte
	closed  bool
}

func newFakeUDP() *fakeUDP { return &fakeUDP{inbound: make(chan []byte, 8)} }

func (u *fakeUDP) WriteTo(b []byte, addr net.Addr) (int, error) {
	u.mu.Lock()
	u.sent = append(u.sent, string(b))
	u.mu.Unlock()
	return len(b), nil
}

func (u *fakeUDP) ReadFrom(b []byte) (int, net.Addr, error) {
	data, ok := <-u.inbound
	if !ok {
		return 0, nil, net.ErrClosed
	}
	return copy(b, data), &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5060}, nil
}

func (u *fakeUDP) LocalAddr() net.Addr { return &net.UDPAddr{} }

func (u *fakeUDP) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.closed {
		close(u.inbound)
		u.closed = true
	}
	return nil
}

func (u *fakeUDP) deliver(raw string) { u.inbound <- []byte(raw) }

func (u *fakeUDP) lastSent() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.sent) == 0 {
		return ""
	}
	return u.sent[len(u.sent)-1]
}

func (u *fakeUDP) sentCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sent)
}

// fakeRandom hands out predictable, distinct tokens so tests can assert on
// exact header values without caring about their entropy source.
type fakeRandom struct {
	mu sync.Mutex
	n  int
}

func (r *fakeRandom) Token() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return "tok" + itoa(r.n)
}

func (r *fakeRandom) Uint32() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return uint32(r.n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func testConfig() SipConfig {
	return SipConfig{
		User:         "620",
		Password:     "secret",
		ServerHost:   "192.168.179.1",
		ServerPort:   5060,
		LocalIP:      "192.168.1.50",
		LocalPort:    5060,
		LocalRTPPort: 7078,
	}
}

type testHarness struct {
	agent  *Agent
	udp    *fakeUDP
	clock  *fakeClock
	rnd    *fakeRandom
	events chan SipEvent
	cmds   chan Command
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	udp := newFakeUDP()
	clock := &fakeClock{}
	rnd := &fakeRandom{}
	events := make(chan SipEvent, 16)
	cmds := make(chan Command, 4)

	agent, err := NewAgent(testConfig(), udp, clock, rnd, digestauth.MD5Hasher{}, cmds, events, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	h := &testHarness{agent: agent, udp: udp, clock: clock, rnd: rnd, events: events, cmds: cmds, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// waitState polls until the agent reaches want or the deadline passes.
func (h *testHarness) waitState(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.agent.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("agent did not reach state %q, stuck at %q", want, h.agent.State())
}

func (h *testHarness) waitSent(t *testing.T, minCount int) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.udp.sentCount() >= minCount {
			return h.udp.lastSent()
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected at least %d sent datagrams, got %d", minCount, h.udp.sentCount())
	return ""
}

const challenge401 = "SIP/2.0 401 Unauthorized\r\n" +
	"Via: SIP/2.0/UDP 192.168.1.50:5060;branch=z9hG4bK-tok2;rport\r\n" +
	"To: <sip:620@192.168.179.1>;tag=srv1\r\n" +
	"From: <sip:620@192.168.179.1>;tag=tok1\r\n" +
	"CSeq: 1 REGISTER\r\n" +
	"Call-ID: reg-call\r\n" +
	"WWW-Authenticate: Digest realm=\"asterisk\", nonce=\"n1\", algorithm=MD5\r\n" +
	"Content-Length: 0\r\n" +
	"\r\n"

const registerOK = "SIP/2.0 200 OK\r\n" +
	"Via: SIP/2.0/UDP 192.168.1.50:5060;branch=z9hG4bK-tok4;rport\r\n" +
	"To: <sip:620@192.168.179.1>;tag=srv1\r\n" +
	"From: <sip:620@192.168.179.1>;tag=tok3\r\n" +
	"CSeq: 2 REGISTER\r\n" +
	"Call-ID: reg-call\r\n" +
	"Contact: <sip:620@192.168.1.50:5060>;expires=3600\r\n" +
	"Content-Length: 0\r\n" +
	"\r\n"

// registerHappyPath drives an Agent from Idle through a 401 challenge to
// Registered, asserting that the latest datagram of each leg carries a
// monotonically increasing CSeq.
func registerHappyPath(t *testing.T, h *testHarness) {
	t.Helper()
	h.waitState(t, StateWaitingForAuthReply)
	first := h.waitSent(t, 1)
	require.Contains(t, first, "REGISTER sip:192.168.179.1 SIP/2.0")
	require.Contains(t, first, "CSeq: 1 REGISTER")
	require.NotContains(t, first, "Authorization")

	h.udp.deliver(challenge401)
	second := h.waitSent(t, 2)
	require.Contains(t, second, "CSeq: 2 REGISTER")
	require.Contains(t, second, "Authorization:")
	require.Contains(t, second, "asterisk")

	h.udp.deliver(registerOK)
	h.waitState(t, StateRegistered)
}

func TestRegisterHappyPath(t *testing.T) {
	h := newHarness(t)
	registerHappyPath(t, h)
}

// S6: a 500 to REGISTER falls back to Idle and waits serverErrorWait before
// retrying, at which point CSeq continues to climb rather than resetting.
func TestServerErrorThenRetryBumpsCSeq(t *testing.T) {
	h := newHarness(t)
	h.waitState(t, StateWaitingForAuthReply)
	h.waitSent(t, 1)

	serverError := "SIP/2.0 500 Internal Server Error\r\n" +
		"Via: SIP/2.0/UDP 192.168.1.50:5060;branch=z9hG4bK-tok2;rport\r\n" +
		"To: <sip:620@192.168.179.1>;tag=srv1\r\n" +
		"From: <sip:620@192.168.179.1>;tag=tok1\r\n" +
		"CSeq: 1 REGISTER\r\n" +
		"Call-ID: reg-call\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"
	h.udp.deliver(serverError)
	h.waitState(t, StateIdle)

	require.True(t, h.clock.fireLatest(), "expected server-error cooldown timer to be armed")
	h.waitState(t, StateWaitingForAuthReply)
	retry := h.waitSent(t, 2)
	require.Contains(t, retry, "CSeq: 2 REGISTER")
}

// P4: CANCEL must reuse the outstanding INVITE's CSeq, From-tag, Call-ID and
// branch exactly rather than incrementing CSeq like every other request.
func TestCancelReusesInviteTransactionIdentity(t *testing.T) {
	h := newHarness(t)
	registerHappyPath(t, h)

	h.cmds <- DialCommand{LocalNumber: "100", CallerDisplay: "Door"}
	h.waitState(t, StateCalling)
	invite := h.waitSent(t, 3)
	require.Contains(t, invite, "INVITE sip:100@192.168.179.1 SIP/2.0")

	inviteCSeqLine := findLine(invite, "CSeq:")
	inviteFromLine := findLine(invite, "From:")
	inviteCallIDLine := findLine(invite, "Call-ID:")
	inviteBranch := branchOf(findLine(invite, "Via:"))

	h.cmds <- CancelCommand{}
	h.waitState(t, StateCancelling)
	cancel := h.waitSent(t, 4)
	require.Contains(t, cancel, "CANCEL sip:100@192.168.179.1 SIP/2.0")

	require.Equal(t, strings.Replace(inviteCSeqLine, "INVITE", "CANCEL", 1), findLine(cancel, "CSeq:"))
	require.Equal(t, inviteFromLine, findLine(cancel, "From:"))
	require.Equal(t, inviteCallIDLine, findLine(cancel, "Call-ID:"))
	require.Equal(t, inviteBranch, branchOf(findLine(cancel, "Via:")))
}

// P6: after a 486/603 final rejection, no further INVITE is sent and the
// agent returns to Registered with exactly one ACK for the rejection.
func TestBusyEndsCallAttemptWithoutFurtherInvite(t *testing.T) {
	h := newHarness(t)
	registerHappyPath(t, h)

	h.cmds <- DialCommand{LocalNumber: "100", CallerDisplay: "Door"}
	h.waitState(t, StateCalling)
	sentAtInvite := h.udp.sentCount()

	busy := "SIP/2.0 486 Busy Here\r\n" +
		"Via: SIP/2.0/UDP 192.168.1.50:5060;branch=z9hG4bK-tok6;rport\r\n" +
		"To: <sip:100@192.168.179.1>;tag=peer1\r\n" +
		"From: \"Door\" <sip:620@192.168.179.1>;tag=tok5\r\n" +
		"CSeq: 3 INVITE\r\n" +
		"Call-ID: call-2\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"
	h.udp.deliver(busy)
	h.waitState(t, StateRegistered)

	ack := h.waitSent(t, sentAtInvite+1)
	require.Contains(t, ack, "ACK sip:100@192.168.179.1 SIP/2.0")
	require.Equal(t, sentAtInvite+1, h.udp.sentCount(), "expected exactly one ACK and no retried INVITE")

	select {
	case ev := <-h.events:
		require.Equal(t, EventCallCancelled, ev.Kind)
		require.Equal(t, CancelReasonTargetBusy, ev.CancelReason)
	default:
		t.Fatal("expected a CallCancelled event")
	}
}

// S3: an inbound INVITE whose From display name equals our own caller_display
// must be declined with 603, never reaching CallEstablished.
func TestInboundInviteFromSelfIsDeclined(t *testing.T) {
	h := newHarness(t)
	registerHappyPath(t, h)
	h.agent.callerDisplay = "Door"

	reflectedInvite := "INVITE sip:620@192.168.1.50:5060 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 192.168.179.1:5060;branch=z9hG4bK-loop\r\n" +
		"To: <sip:620@192.168.1.50>\r\n" +
		"From: \"Door\" <sip:620@192.168.179.1>;tag=loop1\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Call-ID: loop-call\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"
	before := h.udp.sentCount()
	h.udp.deliver(reflectedInvite)

	reply := h.waitSent(t, before+1)
	require.Contains(t, reply, "SIP/2.0 603 Decline")
	require.Equal(t, StateRegistered, h.agent.State())
}

// S2: an outgoing call cancelled before being answered ends in Registered
// with a CallCancelled(None) event after the 487 confirms cancellation.
func TestOutgoingCallCancelledBeforeAnswer(t *testing.T) {
	h := newHarness(t)
	registerHappyPath(t, h)

	h.cmds <- DialCommand{LocalNumber: "100", CallerDisplay: "Door"}
	h.waitState(t, StateCalling)
	h.waitSent(t, 3)

	h.cmds <- CancelCommand{}
	h.waitState(t, StateCancelling)
	h.waitSent(t, 4)

	cancelConfirmed := "SIP/2.0 487 Request Terminated\r\n" +
		"Via: SIP/2.0/UDP 192.168.1.50:5060;branch=z9hG4bK-tok6;rport\r\n" +
		"To: <sip:100@192.168.179.1>;tag=peer1\r\n" +
		"From: \"Door\" <sip:620@192.168.179.1>;tag=tok5\r\n" +
		"CSeq: 3 INVITE\r\n" +
		"Call-ID: call-2\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"
	h.udp.deliver(cancelConfirmed)
	h.waitState(t, StateRegistered)

	select {
	case ev := <-h.events:
		require.Equal(t, EventCallCancelled, ev.Kind)
		require.Equal(t, CancelReasonNone, ev.CancelReason)
	default:
		t.Fatal("expected a CallCancelled event")
	}
}

// The outgoing-call answer leg: a 200 OK to INVITE learns the remote
// Contact/to-tag, ACKs it with a fresh branch, latches CallEstablished, and
// emits CallStart.
func TestOutgoingCallAnsweredReachesCallEstablished(t *testing.T) {
	h := newHarness(t)
	registerHappyPath(t, h)

	h.cmds <- DialCommand{LocalNumber: "100", CallerDisplay: "Door"}
	h.waitState(t, StateCalling)
	h.waitSent(t, 3)

	answered := "SIP/2.0 200 OK\r\n" +
		"Via: SIP/2.0/UDP 192.168.1.50:5060;branch=z9hG4bK-tok5;rport\r\n" +
		"To: <sip:100@192.168.179.1>;tag=peer-called\r\n" +
		"From: \"Door\" <sip:620@192.168.179.1>;tag=tok4\r\n" +
		"CSeq: 3 INVITE\r\n" +
		"Call-ID: call-3\r\n" +
		"Contact: <sip:100@10.0.0.9:5060>\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"
	h.udp.deliver(answered)
	h.waitState(t, StateCallEstablished)

	ack := h.waitSent(t, 4)
	require.Contains(t, ack, "ACK sip:100@10.0.0.9:5060 SIP/2.0", "ACK for a 2xx must target the learned Contact")

	select {
	case ev := <-h.events:
		require.Equal(t, EventCallStart, ev.Kind)
	default:
		t.Fatal("expected a CallStart event")
	}
}

// S4: an established call receives an inbound INFO DTMF relay and a BYE
// teardown, driven through the real FSM rather than calling handlers
// directly.
func TestInboundCallDtmfThenByeTeardown(t *testing.T) {
	h := newHarness(t)
	registerHappyPath(t, h)

	invite := "INVITE sip:620@192.168.1.50:5060 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 192.168.1.1:5060;branch=z9hG4bK-3\r\n" +
		"To: <sip:620@192.168.1.50>\r\n" +
		"From: \"Caller\" <sip:619@192.168.1.1>;tag=remote2\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Call-ID: call-4\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"
	before := h.udp.sentCount()
	h.udp.deliver(invite)

	reply := h.waitSent(t, before+1)
	require.Contains(t, reply, "SIP/2.0 200 OK")
	h.waitState(t, StateCallEstablished)

	select {
	case ev := <-h.events:
		require.Equal(t, EventCallStart, ev.Kind)
	default:
		t.Fatal("expected a CallStart event for the inbound INVITE")
	}

	info := "INFO sip:620@192.168.1.50:5060 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 192.168.1.1:5060;branch=z9hG4bK-5\r\n" +
		"To: <sip:620@192.168.1.50>;tag=local1\r\n" +
		"From: \"Caller\" <sip:619@192.168.1.1>;tag=remote2\r\n" +
		"CSeq: 2 INFO\r\n" +
		"Call-ID: call-4\r\n" +
		"Content-Type: application/dtmf-relay\r\n" +
		"Content-Length: 24\r\n" +
		"\r\n" +
		"Signal=5\r\n" +
		"Duration=250\r\n"
	beforeInfo := h.udp.sentCount()
	h.udp.deliver(info)
	h.waitSent(t, beforeInfo+1)
	require.Equal(t, StateCallEstablished, h.agent.State(), "an INFO DTMF relay must not end the call")

	select {
	case ev := <-h.events:
		require.Equal(t, EventButtonPress, ev.Kind)
		require.Equal(t, '5', ev.Signal)
		require.EqualValues(t, 250, ev.DurationMS)
	default:
		t.Fatal("expected a ButtonPress event for the DTMF INFO")
	}

	bye := "BYE sip:620@192.168.1.50:5060 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 192.168.1.1:5060;branch=z9hG4bK-6\r\n" +
		"To: <sip:620@192.168.1.50>;tag=local1\r\n" +
		"From: \"Caller\" <sip:619@192.168.1.1>;tag=remote2\r\n" +
		"CSeq: 3 BYE\r\n" +
		"Call-ID: call-4\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"
	beforeBye := h.udp.sentCount()
	h.udp.deliver(bye)

	byeReply := h.waitSent(t, beforeBye+1)
	require.Contains(t, byeReply, "SIP/2.0 200 OK")
	h.waitState(t, StateRegistered)

	select {
	case ev := <-h.events:
		require.Equal(t, EventCallEnd, ev.Kind)
	default:
		t.Fatal("expected a CallEnd event for the BYE")
	}
}

func findLine(msg, prefix string) string {
	for _, line := range strings.Split(msg, "\r\n") {
		if strings.HasPrefix(line, prefix) {
			return line
		}
	}
	return ""
}

func branchOf(viaLine string) string {
	idx := strings.Index(viaLine, "branch=")
	if idx < 0 {
		return ""
	}
	rest := viaLine[idx+len("branch="):]
	if semi := strings.IndexByte(rest, ';'); semi >= 0 {
		rest = rest[:semi]
	}
	return rest
}
