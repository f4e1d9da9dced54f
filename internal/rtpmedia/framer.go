// Package rtpmedia implements the RTP framing, jitter-reordering, and audio
// pump that carry one PCMU/PCMA (or a telephone-event advertisement) stream
// between the doorbell's microphone/speaker and the remote peer.
package rtpmedia

import (
	"fmt"

	"github.com/pion/rtp"
)

const (
	// PayloadLen is the fixed payload size of one 20 ms frame at 8 kHz.
	PayloadLen = 160

	// PayloadTypePCMU and PayloadTypePCMA are the RTP static payload type
	// numbers this core understands on ingress and ever emits on egress.
	PayloadTypePCMU = 0
	PayloadTypePCMA = 8

	// seqWrapFloor is the value outgoing sequence numbers wrap to instead
	// of 0. This is intentional per the reference firmware, not a bug —
	// see the RTP sequence wrap note in the design notes.
	seqWrapFloor = 256

	// tsWrapCeiling is the value the outgoing timestamp wraps to on
	// overflow past 2^32-1, instead of the RFC 3550-correct wrap to 0.
	// This deviation from RFC 3550 is preserved from the reference
	// firmware; see the design notes for the open question.
	tsWrapCeiling = 65536

	tsStep = PayloadLen
)

// RtpFrame is one decoded/to-be-encoded 20ms RTP payload.
type RtpFrame struct {
	PayloadType uint8
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
	Payload     [PayloadLen]byte
}

// Session owns the egress sequence/timestamp/SSRC state for one call. It
// replaces the teacher's process-wide mutable RTP globals with a value
// scoped to the audio pump, created fresh on each CallStart.
type Session struct {
	ssrc uint32
	seq  uint16
	ts   uint32
}

// NewSession creates a session with a process-wide SSRC chosen by the
// caller (typically via the RandomSource collaborator) and the outgoing
// sequence number starting at seqWrapFloor, per the reference firmware.
func NewSession(ssrc uint32) *Session {
	return &Session{ssrc: ssrc, seq: seqWrapFloor}
}

// SSRC returns the session's fixed synchronization source identifier.
func (s *Session) SSRC() uint32 { return s.ssrc }

// NextEgress builds the RTP packet for the next outgoing 20ms frame and
// advances the session's sequence/timestamp state for the following call
// to NextEgress.
func (s *Session) NextEgress(payloadType uint8, payload [PayloadLen]byte) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: payload[:],
	}

	if s.seq == 0xFFFF {
		s.seq = seqWrapFloor
	} else {
		s.seq++
	}

	if s.ts > ^uint32(0)-tsStep {
		s.ts = tsWrapCeiling
	} else {
		s.ts += tsStep
	}

	return pkt
}

// Encode serializes pkt to its wire bytes (12-byte header, no CSRC or
// extension on egress, as spec requires).
func Encode(pkt *rtp.Packet) ([]byte, error) {
	return pkt.Marshal()
}

// Decode parses an inbound RTP datagram into an RtpFrame. Unknown payload
// types (anything other than PCMU/PCMA) are rejected so the caller can drop
// the frame without any state change, per spec.
func Decode(b []byte) (RtpFrame, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		return RtpFrame{}, fmt.Errorf("rtp: unmarshal: %w", err)
	}

	pt := pkt.PayloadType & 0x7F
	if pt != PayloadTypePCMU && pt != PayloadTypePCMA {
		return RtpFrame{}, fmt.Errorf("rtp: unsupported payload type %d", pt)
	}

	var f RtpFrame
	f.PayloadType = pt
	f.Sequence = pkt.SequenceNumber
	f.Timestamp = pkt.Timestamp
	f.SSRC = pkt.SSRC
	n := copy(f.Payload[:], pkt.Payload)
	if n < PayloadLen {
		// Short payload: zero-fill the remainder rather than reject the
		// frame outright; the jitter buffer still orders it correctly.
		for i := n; i < PayloadLen; i++ {
			f.Payload[i] = 0
		}
	}
	return f, nil
}
