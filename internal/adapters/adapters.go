// Package adapters provides the production implementations of the
// internal/ports collaborator interfaces: a real wall clock, a net.UDPConn
// transport, and crypto/rand-backed randomness. Swapped for fakes in tests,
// per the seams spec.md §5 calls out explicitly.
package adapters

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/doorbell-sip/internal/ports"
)

// SystemClock is the production ports.Clock, backed by the real wall clock
// and time.After.
type SystemClock struct{}

func (SystemClock) Now() time.Time                       { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// UDPConn adapts *net.UDPConn to ports.Udp.
type UDPConn struct {
	*net.UDPConn
}

// DialUDP resolves host:port and binds a UDP socket for it, mirroring how
// the teacher's transports open one socket per signaling/media plane.
func DialUDP(localAddr string) (*UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPConn{UDPConn: conn}, nil
}

// CryptoRandom is the production ports.RandomSource, backed by
// crypto/rand (via google/uuid for Token) rather than math/rand — SIP
// tags/branches/call-ids double as anti-collision and anti-guessing tokens.
type CryptoRandom struct{}

// Token returns a fresh UUIDv4 string, suitable as a SIP tag, branch
// qualifier, or call-id local part.
func (CryptoRandom) Token() string {
	return uuid.NewString()
}

// Uint32 returns a cryptographically random 32-bit value, used for SSRC
// and jitter delay selection.
func (CryptoRandom) Uint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is a platform-level emergency; fall back to a
		// fixed, clearly-non-random value rather than panicking the call.
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

// SilentFrames is a placeholder ports.FrameSource/ports.FrameSink pair that
// reads silence and discards what it's given. The doorbell's real I2S
// microphone/speaker driver lives above this core (spec.md §1 non-goal);
// this stub only keeps the audio pump runnable end-to-end without it.
type SilentFrames struct{}

func (SilentFrames) ReadFrame() (ports.PCMFrame, error) {
	return ports.PCMFrame{}, nil
}

func (SilentFrames) WriteFrame(ports.PCMFrame) error {
	return nil
}
