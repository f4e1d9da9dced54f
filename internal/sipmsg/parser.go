package sipmsg

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Parse turns one received UDP datagram into a Packet. It is deliberately
// permissive: unknown headers are ignored, Content-Length mismatches with
// the actual body length are not enforced, and a malformed start line is
// the only condition that fails the parse outright (spec §4.4, §7
// ParseError).
func Parse(data []byte) (*Packet, error) {
	lines := splitCRLF(data)
	if len(lines) == 0 {
		return nil, fmt.Errorf("sipmsg: empty datagram")
	}

	p := &Packet{}
	if err := parseStartLine(p, lines[0]); err != nil {
		return nil, err
	}

	i := 1
	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			i++
			break
		}
		parseHeaderLine(p, line)
	}

	if i < len(lines) {
		body := strings.Join(lines[i:], "\n")
		parseBody(p, body)
	}

	return p, nil
}

// splitCRLF splits on CRLF, tolerating a trailing bare LF and trailing
// whitespace on the final boundary so that P5 (parser idempotence under
// inconsequential trailing whitespace) holds.
func splitCRLF(data []byte) []string {
	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	raw := strings.Split(string(normalized), "\n")
	// Drop a single trailing empty line produced by a final CRLF with no
	// further content; it is not a header/body boundary by itself.
	if len(raw) > 0 && raw[len(raw)-1] == "" {
		raw = raw[:len(raw)-1]
	}
	return raw
}

func parseStartLine(p *Packet, line string) error {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return fmt.Errorf("sipmsg: malformed start line %q", line)
	}

	if fields[0] == "SIP/2.0" {
		p.IsResponse = true
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("sipmsg: malformed status code %q", fields[1])
		}
		p.Status = statusFromCode(code)
		if len(fields) == 3 {
			p.Reason = fields[2]
		}
		return nil
	}

	if len(fields) < 3 || fields[2] != "SIP/2.0" {
		return fmt.Errorf("sipmsg: malformed request line %q", line)
	}
	p.Method = methodFromString(fields[0])
	p.RequestURI = fields[1]
	return nil
}

func statusFromCode(code int) Status {
	switch Status(code) {
	case StatusTrying, StatusSessionProgress, StatusOK, StatusUnauthorized,
		StatusProxyAuthRequired, StatusBusyHere, StatusRequestCancelled,
		StatusInternalServerError, StatusDecline:
		return Status(code)
	default:
		return StatusUnknown
	}
}

func methodFromString(s string) Method {
	switch s {
	case "NOTIFY":
		return MethodNotify
	case "BYE":
		return MethodBye
	case "INFO":
		return MethodInfo
	case "INVITE":
		return MethodInvite
	default:
		return MethodUnknown
	}
}

// parseHeaderLine matches one of the exact header prefixes spec.md §4.4
// names (case-sensitive, including the trailing space) and fills in the
// matching Packet field. Unrecognized headers are ignored.
func parseHeaderLine(p *Packet, line string) {
	switch {
	case hasPrefix(line, "Contact: "):
		parseContact(p, trimPrefix(line, "Contact: "))
	case hasPrefix(line, "To: "):
		parseTo(p, trimPrefix(line, "To: "))
	case hasPrefix(line, "From: "):
		p.From = trimPrefix(line, "From: ")
	case hasPrefix(line, "Via: "):
		if len(p.Via) < maxRepeatedHeaders {
			p.Via = append(p.Via, trimPrefix(line, "Via: "))
		}
	case hasPrefix(line, "Record-Route: "):
		if len(p.RecordRoute) < maxRepeatedHeaders {
			p.RecordRoute = append(p.RecordRoute, trimPrefix(line, "Record-Route: "))
		}
	case hasPrefix(line, "CSeq: "):
		parseCSeq(p, trimPrefix(line, "CSeq: "))
	case hasPrefix(line, "Call-ID: "):
		p.CallID = trimPrefix(line, "Call-ID: ")
	case hasPrefix(line, "Content-Type: "):
		parseContentType(p, trimPrefix(line, "Content-Type: "))
	case hasPrefix(line, "Content-Length: "):
		if n, err := strconv.Atoi(trimPrefix(line, "Content-Length: ")); err == nil {
			p.ContentLength = n
		}
	case hasPrefix(line, "P-Called-Party-ID: "):
		p.PCalledPartyID = trimPrefix(line, "P-Called-Party-ID: ")
	case hasPrefix(line, "WWW-Authenticate") || hasPrefix(line, "Proxy-Authenticate"):
		parseAuthenticate(p, line)
	}
}

func hasPrefix(line, prefix string) bool {
	return strings.HasPrefix(line, prefix)
}

func trimPrefix(line, prefix string) string {
	return strings.TrimSpace(strings.TrimPrefix(line, prefix))
}

// parseContact accepts "<uri>" with an optional trailing ";expires=<N>".
func parseContact(p *Packet, value string) {
	uri := value
	if start := strings.IndexByte(value, '<'); start >= 0 {
		if end := strings.IndexByte(value, '>'); end > start {
			uri = value[start+1 : end]
			rest := value[end+1:]
			if idx := strings.Index(rest, "expires="); idx >= 0 {
				numStr := rest[idx+len("expires="):]
				numStr = takeDigits(numStr)
				if n, err := strconv.Atoi(numStr); err == nil {
					p.ContactExpires = n
					p.HasExpires = true
				}
			}
		}
	}
	p.Contact = uri
}

// parseTo captures any ">;tag=" suffix into ToTag; the header value
// (sans tag) is retained verbatim in To.
func parseTo(p *Packet, value string) {
	p.To = value
	if idx := strings.Index(value, ";tag="); idx >= 0 {
		tag := value[idx+len(";tag="):]
		rest := ""
		if semi := strings.IndexByte(tag, ';'); semi >= 0 {
			rest = tag[semi:]
			tag = tag[:semi]
		}
		p.ToTag = strings.TrimSpace(tag)
		p.To = value[:idx] + rest
	}
}

// parseCSeq parses "<number> <METHOD>".
func parseCSeq(p *Packet, value string) {
	fields := strings.Fields(value)
	if len(fields) >= 1 {
		if n, err := strconv.ParseUint(fields[0], 10, 32); err == nil {
			p.CSeqNumber = uint32(n)
		}
	}
	if len(fields) >= 2 {
		p.CSeqMethod = fields[1]
	}
}

func parseContentType(p *Packet, value string) {
	if strings.Contains(value, "application/dtmf-relay") {
		p.ContentType = ContentTypeDtmfRelay
	} else {
		p.ContentType = ContentTypeUnknown
	}
}

// parseAuthenticate extracts realm="..." and nonce="..." by an exact
// key="value" scan, tolerant of either WWW-Authenticate or
// Proxy-Authenticate (both map to the same challenge fields; whether the
// challenge is 401 or 407 is already recorded on p.Status).
func parseAuthenticate(p *Packet, line string) {
	p.Realm = extractQuoted(line, "realm=")
	p.Nonce = extractQuoted(line, "nonce=")
}

func extractQuoted(s, key string) string {
	idx := strings.Index(s, key)
	if idx < 0 {
		return ""
	}
	rest := s[idx+len(key):]
	if len(rest) == 0 || rest[0] != '"' {
		return ""
	}
	rest = rest[1:]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func takeDigits(s string) string {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return s[:end]
}

// parseBody scans the body for the opaque SDP lines and/or the INFO/DTMF
// Signal=/Duration= fields. Both can be scanned unconditionally; a body
// belonging to the other kind simply contributes no matching lines.
func parseBody(p *Packet, body string) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "c=IN IP4 "):
			p.SDPConnection = strings.TrimSpace(strings.TrimPrefix(line, "c=IN IP4 "))
		case strings.HasPrefix(line, "m="):
			p.SDPMedia = append(p.SDPMedia, line)
		case strings.HasPrefix(line, "Signal="):
			s := strings.TrimPrefix(line, "Signal=")
			if len(s) > 0 {
				p.Signal = s[:1]
			}
		case strings.HasPrefix(line, "Duration="):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, "Duration=")); err == nil {
				p.Duration = n
			}
		}
	}
}
