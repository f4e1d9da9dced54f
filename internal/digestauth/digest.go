// Package digestauth implements RFC 2617 MD5-only digest authentication
// (spec.md §4.5): HA1/HA2/response computed through the injectable Md5
// collaborator, with challenge parsing and credential header formatting
// delegated to icholy/digest the way flowpbx/internal/sip/trunk.go drives
// its own client-side REGISTER digest flow.
package digestauth

import (
	"encoding/hex"
	"fmt"

	"github.com/arzzra/doorbell-sip/internal/ports"
	"github.com/icholy/digest"
)

// Challenge is the realm/nonce pair extracted from a 401/407 response.
type Challenge struct {
	Realm string
	Nonce string
}

// Credentials are the user/password pair the response is computed against.
type Credentials struct {
	User     string
	Password string
}

// Response computes the lowercase-hex digest response for one request,
// following the exact three-step formula in spec.md §4.5. md is the
// injected Md5 collaborator — production wiring plugs in crypto/md5, but
// the doorbell's reference hardware may delegate to an on-chip hasher.
func Response(md ports.Md5, chal Challenge, cred Credentials, method, uri string) string {
	ha1 := hexSum(md, fmt.Sprintf("%s:%s:%s", cred.User, chal.Realm, cred.Password))
	ha2 := hexSum(md, fmt.Sprintf("%s:%s", method, uri))
	return hexSum(md, fmt.Sprintf("%s:%s:%s", ha1, chal.Nonce, ha2))
}

func hexSum(md ports.Md5, s string) string {
	sum := md.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ParseChallenge extracts realm/nonce from a WWW-Authenticate or
// Proxy-Authenticate header value using icholy/digest's challenge parser,
// the same plumbing flowpbx's outbound REGISTER flow uses.
func ParseChallenge(headerValue string) (Challenge, error) {
	chal, err := digest.ParseChallenge(headerValue)
	if err != nil {
		return Challenge{}, fmt.Errorf("digestauth: parse challenge: %w", err)
	}
	return Challenge{Realm: chal.Realm, Nonce: chal.Nonce}, nil
}

// HeaderName returns "Authorization" or "Proxy-Authorization" depending on
// whether the triggering challenge was a 407. The REGISTER flow always uses
// Authorization, regardless of proxyAuth — spec.md §4.5.
func HeaderName(proxyAuth bool) string {
	if proxyAuth {
		return "Proxy-Authorization"
	}
	return "Authorization"
}

// HeaderValue formats the Authorization/Proxy-Authorization header value
// via icholy/digest's Credentials formatter, so the wire representation
// (quoting, ordering) matches what a standard digest client emits.
func HeaderValue(chal Challenge, cred Credentials, method, uri, response string) string {
	c := digest.Credentials{
		Username: cred.User,
		Realm:    chal.Realm,
		Nonce:    chal.Nonce,
		URI:      uri,
		Response: response,
	}
	return c.String()
}

// MD5Hasher is the production Md5 implementation backed by crypto/md5. It
// satisfies ports.Md5 for deployments without a dedicated hashing
// peripheral.
type MD5Hasher struct{}

func (MD5Hasher) Sum(data []byte) [16]byte {
	return md5Sum(data)
}
