package sipmsg

import (
	"bytes"
	"fmt"
)

// MaxMessageLen is the fixed capacity of the outgoing message buffer. A
// message that would overflow it is a bug, not a normal outcome:
// BuildRequest and BuildResponse return ErrOverflow so callers (or test builds) can assert on it rather
// than silently truncate, per the design notes.
const MaxMessageLen = 2048

// ErrOverflow is returned when a built message would exceed MaxMessageLen.
var ErrOverflow = fmt.Errorf("sipmsg: message exceeds %d byte budget", MaxMessageLen)

// RequestParams carries everything BuildRequest needs to serialize one outgoing
// SIP request. Not every field applies to every method; unused fields are
// simply left zero.
type RequestParams struct {
	Method     string
	RequestURI string

	CSeq   uint32
	CallID string

	FromURI string
	FromTag string

	ToURI string
	ToTag string // only emitted for ACK inside an established dialog

	ViaHost string
	ViaPort int
	Branch  string

	ContactURI string

	// AuthHeaderName is "Authorization" or "Proxy-Authorization"; empty
	// means no credentials are attached.
	AuthHeaderName  string
	AuthHeaderValue string

	// RecordRoute, echoed back on ACK as Route: headers in reverse order.
	RecordRoute []string

	Expires int // REGISTER only; 0 means omit

	ContentType string
	Body        string
}

const userAgent = "User-Agent: sip-client/0.0.1"

// BuildRequest serializes params into a complete SIP request datagram.
func BuildRequest(p RequestParams) (string, error) {
	var buf bytes.Buffer

	writeLine(&buf, fmt.Sprintf("%s %s SIP/2.0", p.Method, p.RequestURI))
	writeLine(&buf, fmt.Sprintf("CSeq: %d %s", p.CSeq, p.Method))
	writeLine(&buf, fmt.Sprintf("Call-ID: %s", p.CallID))
	writeLine(&buf, "Max-Forwards: 70")
	writeLine(&buf, userAgent)
	writeLine(&buf, fmt.Sprintf("From: %s;tag=%s", p.FromURI, p.FromTag))
	writeLine(&buf, fmt.Sprintf("Via: SIP/2.0/UDP %s:%d;branch=z9hG4bK-%s;rport", p.ViaHost, p.ViaPort, p.Branch))

	to := p.ToURI
	if p.ToTag != "" {
		to = fmt.Sprintf("%s;tag=%s", to, p.ToTag)
	}
	writeLine(&buf, fmt.Sprintf("To: %s", to))

	if p.ContactURI != "" {
		writeLine(&buf, fmt.Sprintf("Contact: <%s>", p.ContactURI))
	}

	if p.Expires > 0 {
		writeLine(&buf, fmt.Sprintf("Expires: %d", p.Expires))
	}

	if p.AuthHeaderName != "" {
		writeLine(&buf, fmt.Sprintf("%s: %s", p.AuthHeaderName, p.AuthHeaderValue))
	}

	for i := len(p.RecordRoute) - 1; i >= 0; i-- {
		writeLine(&buf, fmt.Sprintf("Route: %s", p.RecordRoute[i]))
	}

	if p.Body != "" {
		writeLine(&buf, fmt.Sprintf("Content-Type: %s", p.ContentType))
		writeLine(&buf, fmt.Sprintf("Content-Length: %d", len(p.Body)))
		writeLine(&buf, "")
		buf.WriteString(p.Body)
	} else {
		writeLine(&buf, "Content-Length: 0")
		writeLine(&buf, "")
	}

	if buf.Len() > MaxMessageLen {
		return "", ErrOverflow
	}
	return buf.String(), nil
}

// ResponseParams carries what BuildResponse needs to serialize a reply to an
// inbound request. The To header is echoed as given, with ";tag=<ToTag>"
// appended only when ToTag is non-empty; no tag is generated here.
type ResponseParams struct {
	Status int
	Reason string

	Via    []string
	CSeq   uint32
	Method string
	CallID string
	From   string
	To     string
	ToTag  string

	ContactURI string

	ContentType string
	Body        string
}

// BuildResponse serializes a reply to a previously-parsed request.
func BuildResponse(p ResponseParams) (string, error) {
	var buf bytes.Buffer

	writeLine(&buf, fmt.Sprintf("SIP/2.0 %d %s", p.Status, p.Reason))
	for _, v := range p.Via {
		writeLine(&buf, fmt.Sprintf("Via: %s", v))
	}
	writeLine(&buf, fmt.Sprintf("CSeq: %d %s", p.CSeq, p.Method))
	writeLine(&buf, fmt.Sprintf("Call-ID: %s", p.CallID))
	writeLine(&buf, userAgent)
	writeLine(&buf, fmt.Sprintf("From: %s", p.From))

	to := p.To
	if p.ToTag != "" {
		to = fmt.Sprintf("%s;tag=%s", to, p.ToTag)
	}
	writeLine(&buf, fmt.Sprintf("To: %s", to))

	if p.ContactURI != "" {
		writeLine(&buf, fmt.Sprintf("Contact: <%s>", p.ContactURI))
	}

	if p.Body != "" {
		writeLine(&buf, fmt.Sprintf("Content-Type: %s", p.ContentType))
		writeLine(&buf, fmt.Sprintf("Content-Length: %d", len(p.Body)))
		writeLine(&buf, "")
		buf.WriteString(p.Body)
	} else {
		writeLine(&buf, "Content-Length: 0")
		writeLine(&buf, "")
	}

	if buf.Len() > MaxMessageLen {
		return "", ErrOverflow
	}
	return buf.String(), nil
}

func writeLine(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteString("\r\n")
}
