//go:build linux || freebsd || darwin

package adapters

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ef46Dscp is the IP_TOS value for DSCP EF (Expedited Forwarding, RFC 3246)
// left-shifted into the upper 6 bits, the per-hop behavior voice traffic
// conventionally requests from a QoS-aware network.
const ef46Dscp = 46 << 2

// TagVoiceSocket marks c's outgoing datagrams as voice traffic (DSCP EF) so
// a QoS-aware network path prioritizes RTP over best-effort traffic. Safe
// to skip: a failure here degrades to best-effort delivery, not a hard
// error, so callers should log and continue rather than abort startup.
func TagVoiceSocket(c *UDPConn) error {
	raw, err := c.SyscallConn()
	if err != nil {
		return fmt.Errorf("adapters: syscall conn: %w", err)
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, ef46Dscp)
	})
	if err != nil {
		return fmt.Errorf("adapters: control: %w", err)
	}
	return setErr
}
