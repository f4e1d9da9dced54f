package signaling

import "time"

// SipConfig mirrors spec.md §3/§6's recognized configuration keys.
type SipConfig struct {
	User       string
	Password   string
	ServerHost string
	ServerPort int // default 5060

	LocalIP      string
	LocalPort    int // default 5060
	LocalRTPPort int // default 7078

	// RegisterJitter adds a bounded random delay before the very first
	// REGISTER, so a fleet of doorbells rebooting together after a power
	// event does not all hit the registrar in the same instant
	// (original_source/sip_client/sip_client_internal.h). Zero (the
	// default) preserves spec.md's literal S1 timing.
	RegisterJitter time.Duration
}

func (c SipConfig) serverPortOrDefault() int {
	if c.ServerPort == 0 {
		return 5060
	}
	return c.ServerPort
}

func (c SipConfig) localPortOrDefault() int {
	if c.LocalPort == 0 {
		return 5060
	}
	return c.LocalPort
}

// Dialog is mutated only by the signaling state machine (spec.md §3).
type Dialog struct {
	URI         string
	ToURI       string
	ToContact   string
	ToTag       string
	RecordRoute []string // at most 5, arrival order
}
