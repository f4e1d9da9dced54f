package sipmsg

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// BuildOffer renders the fixed SDP offer body spec.md §6 requires for
// outgoing INVITEs: a single recvonly audio m-line advertising PCMU, PCMA,
// and a telephone-event line that is advertised but never used on egress.
func BuildOffer(user string, sessionID uint64, localIP string, localRTPPort int) (string, error) {
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       user,
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "sip-client/0.0.1",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: localRTPPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0", "8", "101"},
				},
				Attributes: []sdp.Attribute{
					{Key: "recvonly"},
					{Key: "rtpmap", Value: "101 telephone-event/8000"},
					{Key: "fmtp", Value: "101 0-15"},
					{Key: "ptime", Value: "20"},
				},
			},
		},
	}

	raw, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("sipmsg: marshal sdp offer: %w", err)
	}
	return string(raw), nil
}
