package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/arzzra/doorbell-sip/internal/digestauth"
	"github.com/arzzra/doorbell-sip/internal/ports"
	"github.com/arzzra/doorbell-sip/internal/sipmsg"
	"github.com/looplab/fsm"
)

const (
	replyTimeout    = 5 * time.Second
	serverErrorWait = 5 * time.Second
	defaultExpires  = 3600
	minExpires      = 10
)

// Agent is the single-threaded cooperative reactor of spec.md §5: one loop
// owns the SIP UDP socket, its timers, and the command/event channels. No
// state here is touched from a second goroutine.
type Agent struct {
	cfg SipConfig
	udp ports.Udp

	serverAddr net.Addr

	clock ports.Clock
	rnd   ports.RandomSource
	md5   ports.Md5
	log   *slog.Logger

	commands <-chan Command
	events   chan<- SipEvent

	fsm *fsm.FSM

	// Session keys, spec.md §3.
	callID    string
	regCallID string // stable for the whole REGISTER binding lifetime
	cseq      uint32
	fromTag   string
	branch    string

	dialog Dialog

	nonce, realm string
	proxyAuth    bool

	targetURI     string
	callerDisplay string
	localNumber   string
	sdpSessionID  uint64

	// current holds the packet being processed by the callback currently
	// firing; only valid during a dispatch call.
	current *sipmsg.Packet

	replyTimer      *stoppableTimer
	reregisterTimer *stoppableTimer
	serverErrTimer  *stoppableTimer

	// negotiatedPT is latched by latchCodecFromSDP from the first SDP
	// m-line offering payload type 0 or 8, and exposed through
	// Negotiated(). It is not reset when a call ends, so later calls keep
	// the first latched value.
	negotiatedPT int // -1 until latched
}

// NewAgent wires the signaling state machine to its collaborators. events
// is the outgoing SipEvent bus; commands is where dial/cancel arrive.
func NewAgent(cfg SipConfig, udp ports.Udp, clock ports.Clock, rnd ports.RandomSource, md5 ports.Md5, commands <-chan Command, events chan<- SipEvent, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.serverPortOrDefault()))
	if err != nil {
		return nil, fmt.Errorf("signaling: resolve server address: %w", err)
	}

	a := &Agent{
		cfg:          cfg,
		udp:          udp,
		serverAddr:   addr,
		clock:        clock,
		rnd:          rnd,
		md5:          md5,
		log:          logger,
		commands:     commands,
		events:       events,
		negotiatedPT: -1,
	}
	a.fsm = newFSM(a.callbacks())
	return a, nil
}

// Negotiated returns the RTP payload type latched from SDP, or -1 if none
// has been latched yet.
func (a *Agent) Negotiated() int { return a.negotiatedPT }

// State returns the current signaling state name.
func (a *Agent) State() string { return a.fsm.Current() }

// Registered reports whether the agent currently holds a live binding,
// backing the metrics.Collector's registration gauge.
func (a *Agent) Registered() bool { return a.State() == StateRegistered || a.State() == StateCalling || a.State() == StateCallEstablished || a.State() == StateCancelling }

// Run drives the reactor until ctx is cancelled. It composes the three
// suspension points named in spec.md §5: inbound datagrams, timer expiry,
// and commands — none can starve another by more than one dequeue, since
// reads/timer fires/commands all funnel through one select.
func (a *Agent) Run(ctx context.Context) error {
	datagrams := make(chan []byte, 8)
	readErrs := make(chan error, 1)
	go a.readLoop(ctx, datagrams, readErrs)

	if a.cfg.RegisterJitter > 0 {
		select {
		case <-a.clock.After(jitter(a.rnd, a.cfg.RegisterJitter)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := a.fire(ctx, evStart); err != nil {
		a.log.Error("initial start transition failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw := <-datagrams:
			a.handleDatagram(ctx, raw)

		case err := <-readErrs:
			a.log.Error("sip socket read failed", "error", err)
			return err

		case cmd := <-a.commands:
			a.handleCommand(ctx, cmd)

		case <-a.fireableTimer(a.replyTimer):
			a.replyTimer = nil
			a.fire(ctx, evReplyTimeout)

		case <-a.fireableTimer(a.reregisterTimer):
			a.reregisterTimer = nil
			a.fire(ctx, evReregisterTimer)

		case <-a.fireableTimer(a.serverErrTimer):
			a.serverErrTimer = nil
			a.fire(ctx, evStart)
		}
	}
}

func jitter(rnd ports.RandomSource, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rnd.Uint32()) % max
}

// fireableTimer returns t's channel, or nil (which blocks forever in a
// select) when t is unset — the idiomatic Go way to make an optional timer
// a no-op select case.
func (a *Agent) fireableTimer(t *stoppableTimer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (a *Agent) readLoop(ctx context.Context, out chan<- []byte, errs chan<- error) {
	buf := make([]byte, 2048)
	for {
		n, _, err := a.udp.ReadFrom(buf)
		if err != nil {
			select {
			case errs <- err:
			case <-ctx.Done():
			}
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case out <- cp:
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) handleDatagram(ctx context.Context, raw []byte) {
	pkt, err := sipmsg.Parse(raw)
	if err != nil {
		// §7 ParseError: logged and dropped, no state transition.
		a.log.Info("dropping unparseable sip datagram", "error", err)
		return
	}
	a.current = pkt
	defer func() { a.current = nil }()

	if pkt.IsResponse {
		a.dispatchResponse(ctx, pkt)
		return
	}
	a.dispatchRequest(ctx, pkt)
}

func (a *Agent) handleCommand(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case DialCommand:
		if a.State() != StateRegistered {
			a.log.Warn("dial requested outside registered state", "state", a.State())
			return
		}
		a.localNumber = c.LocalNumber
		a.callerDisplay = c.CallerDisplay
		a.targetURI = fmt.Sprintf("sip:%s@%s", c.LocalNumber, a.cfg.ServerHost)
		a.callID = a.newCallID()
		if err := a.fire(ctx, evRequestCall); err != nil {
			a.log.Warn("request_call transition rejected", "error", err)
			return
		}
		a.fire(ctx, evInitiateCall)

	case CancelCommand:
		// Cancellation only takes effect in Calling or later; the caller
		// gets no direct reply, only the eventual CallCancelled event.
		a.fire(ctx, evCancelCall)
	}
}

func (a *Agent) fire(ctx context.Context, event string) error {
	err := a.fsm.Event(ctx, event)
	if err != nil {
		if _, ok := err.(fsm.NoTransitionError); ok {
			return nil
		}
	}
	return err
}

func (a *Agent) newCallID() string {
	return fmt.Sprintf("%s@%s", a.rnd.Token(), a.cfg.LocalIP)
}

func (a *Agent) newTag() string   { return a.rnd.Token() }
func (a *Agent) newBranch() string { return a.rnd.Token() }

func (a *Agent) emit(ev SipEvent) {
	select {
	case a.events <- ev:
	default:
		a.log.Warn("sip event bus full, dropping event", "kind", ev.Kind)
	}
}

func (a *Agent) send(msg string) {
	n, err := a.udp.WriteTo([]byte(msg), a.serverAddr)
	if err != nil || n != len(msg) {
		// §7 TransportSendFailed: logged, no state transition; relies on
		// the retry that the reply timer (or the next cadence tick) drives.
		a.log.Warn("sip send failed", "error", err, "n", n, "want", len(msg))
	}
}

func (a *Agent) armReplyTimer() {
	if a.replyTimer != nil {
		a.replyTimer.Stop()
	}
	a.replyTimer = newStoppableTimer(a.clock, replyTimeout)
}

func (a *Agent) cancelReplyTimer() {
	if a.replyTimer != nil {
		a.replyTimer.Stop()
		a.replyTimer = nil
	}
}

func (a *Agent) armReregisterTimer(expiresSeconds int) {
	if a.reregisterTimer != nil {
		a.reregisterTimer.Stop()
	}
	if expiresSeconds < minExpires {
		expiresSeconds = defaultExpires
	}
	a.reregisterTimer = newStoppableTimer(a.clock, time.Duration(expiresSeconds/2)*time.Second)
}

func (a *Agent) armServerErrorTimer() {
	if a.serverErrTimer != nil {
		a.serverErrTimer.Stop()
	}
	a.serverErrTimer = newStoppableTimer(a.clock, serverErrorWait)
}

// clearDigestState clears nonce/realm after a successful authenticated
// transaction, per the invariant in spec.md §3.
func (a *Agent) clearDigestState() {
	a.nonce = ""
	a.realm = ""
	a.proxyAuth = false
}

func (a *Agent) digestResponse(method, uri string) string {
	return digestauth.Response(a.md5,
		digestauth.Challenge{Realm: a.realm, Nonce: a.nonce},
		digestauth.Credentials{User: a.cfg.User, Password: a.cfg.Password},
		method, uri)
}
