// Package metrics exports the doorbell's Prometheus gauges/counters at
// scrape time, the same pull-model shape flowpbx/internal/metrics/metrics.go
// uses for its own Collector, scaled down from a multi-tenant PBX's many
// providers to this core's two: the signaling agent and the audio pump.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RegistrationStats exposes the signaling agent's binding state.
type RegistrationStats interface {
	Registered() bool
}

// PumpStats exposes one call's audio pump counters. Nil while no call is
// active; Collect skips the RTP gauges in that case.
type PumpStats interface {
	FramesSent() uint64
	FramesReceived() uint64
	JitterDrops() uint64
}

// Collector is a prometheus.Collector gathering the doorbell's metrics at
// scrape time, grounded on flowpbx's Collector.
type Collector struct {
	agent RegistrationStats
	pump  func() PumpStats // indirection: the active pump changes per call

	registeredDesc     *prometheus.Desc
	framesSentDesc     *prometheus.Desc
	framesReceivedDesc *prometheus.Desc
	jitterDropsDesc    *prometheus.Desc
}

// NewCollector builds a Collector. pump is called fresh on every scrape so
// the gauges always reflect whichever call (if any) is currently active.
func NewCollector(agent RegistrationStats, pump func() PumpStats) *Collector {
	return &Collector{
		agent: agent,
		pump:  pump,
		registeredDesc: prometheus.NewDesc(
			"doorbell_sip_registered",
			"1 if the SIP agent holds a live registration binding, else 0",
			nil, nil,
		),
		framesSentDesc: prometheus.NewDesc(
			"doorbell_rtp_frames_sent_total",
			"Total RTP frames sent on the active call's audio pump",
			nil, nil,
		),
		framesReceivedDesc: prometheus.NewDesc(
			"doorbell_rtp_frames_received_total",
			"Total RTP frames accepted into the jitter buffer",
			nil, nil,
		),
		jitterDropsDesc: prometheus.NewDesc(
			"doorbell_rtp_jitter_drops_total",
			"Total inbound RTP frames dropped for jitter buffer overflow",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.registeredDesc
	ch <- c.framesSentDesc
	ch <- c.framesReceivedDesc
	ch <- c.jitterDropsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.agent != nil {
		v := 0.0
		if c.agent.Registered() {
			v = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.registeredDesc, prometheus.GaugeValue, v)
	}

	var p PumpStats
	if c.pump != nil {
		p = c.pump()
	}
	if p == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.framesSentDesc, prometheus.CounterValue, float64(p.FramesSent()))
	ch <- prometheus.MustNewConstMetric(c.framesReceivedDesc, prometheus.CounterValue, float64(p.FramesReceived()))
	ch <- prometheus.MustNewConstMetric(c.jitterDropsDesc, prometheus.CounterValue, float64(p.JitterDrops()))
}
