package rtpmedia

import (
	"context"
	"net"
	"time"

	"github.com/arzzra/doorbell-sip/internal/codec"
	"github.com/arzzra/doorbell-sip/internal/ports"
)

// FrameInterval is the fixed 20 ms TX cadence (spec.md §4.7); RX is driven
// by inbound datagrams rather than by this interval.
const FrameInterval = 20 * time.Millisecond

// Pump runs the two independent 20 ms cadences of one established call: TX
// reads from FrameSource, encodes, and sends RTP; RX decodes inbound RTP,
// reorders through a JitterBuffer, and delivers to FrameSink. The caller
// starts one Pump on CallStart and stops it on CallEnd/CallCancelled — the
// cadences themselves carry no notion of signaling state.
type Pump struct {
	udp        ports.Udp
	remoteAddr net.Addr
	clock      ports.Clock
	source     ports.FrameSource
	sink       ports.FrameSink

	session *Session
	jitter  *JitterBuffer

	// negotiatedPT is latched once, from whichever of the SDP offer or the
	// first inbound RTP datagram resolves it first (spec.md §4.7).
	negotiatedPT int

	framesSent     uint64
	framesReceived uint64
	jitterDrops    uint64
}

// FramesSent, FramesReceived, and JitterDrops back the metrics.Collector's
// RTP gauges; read-only from outside the pump's own goroutine.
func (p *Pump) FramesSent() uint64     { return p.framesSent }
func (p *Pump) FramesReceived() uint64 { return p.framesReceived }
func (p *Pump) JitterDrops() uint64    { return p.jitterDrops }

// Negotiated returns the latched RTP payload type, or -1 if none has
// resolved yet from either the SDP offer or the first inbound datagram.
func (p *Pump) Negotiated() int { return p.negotiatedPT }

// NewPump constructs a pump for one call. ssrc is the session's fixed
// egress SSRC, chosen by the caller via the RandomSource collaborator.
// negotiatedPT is the codec already latched from SDP, or -1 if none was.
func NewPump(udp ports.Udp, remoteAddr net.Addr, clock ports.Clock, source ports.FrameSource, sink ports.FrameSink, ssrc uint32, negotiatedPT int) *Pump {
	return &Pump{
		udp:          udp,
		remoteAddr:   remoteAddr,
		clock:        clock,
		source:       source,
		sink:         sink,
		session:      NewSession(ssrc),
		jitter:       NewJitterBuffer(),
		negotiatedPT: negotiatedPT,
	}
}

// Run drives both cadences until ctx is cancelled or reading from the Udp
// fails. A FrameSource error or a failed send only skips that tick's frame.
func (p *Pump) Run(ctx context.Context) error {
	datagrams := make(chan []byte, 8)
	readErrs := make(chan error, 1)
	go p.readLoop(ctx, datagrams, readErrs)

	tick := p.clock.After(FrameInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw := <-datagrams:
			p.handleInbound(raw)

		case err := <-readErrs:
			return err

		case <-tick:
			p.tx()
			tick = p.clock.After(FrameInterval)
		}
	}
}

func (p *Pump) readLoop(ctx context.Context, out chan<- []byte, errs chan<- error) {
	buf := make([]byte, 1500)
	for {
		n, _, err := p.udp.ReadFrom(buf)
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

func (p *Pump) tx() {
	frame, err := p.source.ReadFrame()
	if err != nil {
		return
	}
	pt := p.codec()
	payload := encodeFrame(pt, frame)
	pkt := p.session.NextEgress(pt, payload)
	wire, err := Encode(pkt)
	if err != nil {
		return
	}
	if _, err := p.udp.WriteTo(wire, p.remoteAddr); err == nil {
		p.framesSent++
	}
}

func (p *Pump) handleInbound(raw []byte) {
	f, err := Decode(raw)
	if err != nil {
		return
	}
	if p.negotiatedPT == -1 {
		p.negotiatedPT = int(f.PayloadType)
	}
	if dropped := p.jitter.Push(f); dropped {
		p.jitterDrops++
	} else {
		p.framesReceived++
	}
	if !p.jitter.Full() {
		return
	}
	lowest, ok := p.jitter.Pop()
	if !ok {
		return
	}
	p.deliver(lowest)
}

func (p *Pump) deliver(f RtpFrame) {
	var pcm ports.PCMFrame
	decodeFrame(f.PayloadType, f.Payload, &pcm)
	p.sink.WriteFrame(pcm)
}

// codec returns the latched payload type, defaulting to PCMU until one is
// latched from either SDP or the first inbound datagram.
func (p *Pump) codec() uint8 {
	if p.negotiatedPT == PayloadTypePCMA {
		return PayloadTypePCMA
	}
	return PayloadTypePCMU
}

func encodeFrame(pt uint8, frame ports.PCMFrame) [PayloadLen]byte {
	var out [PayloadLen]byte
	for i, sample := range frame {
		if pt == PayloadTypePCMA {
			out[i] = codec.LinearToAlaw(sample)
		} else {
			out[i] = codec.LinearToUlaw(sample)
		}
	}
	return out
}

// decodeFrame fills pcm from one RTP payload. Duplicating each sample into
// a stereo 32-bit word (spec.md §4.7) is a property of the concrete
// FrameSink driving real DMA hardware, not of this mono PCMFrame seam.
func decodeFrame(pt uint8, payload [PayloadLen]byte, pcm *ports.PCMFrame) {
	for i, b := range payload {
		var sample int16
		if pt == PayloadTypePCMA {
			sample = codec.AlawToLinear(b)
		} else {
			sample = codec.UlawToLinear(b)
		}
		pcm[i] = sample
	}
}
