// Package webhook signs outgoing payloads so receivers can authenticate the
// OTP verification callback and the run-completion delivery.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Header names attached to signed requests.
const (
	HeaderSignature = "X-Waypoint-Signature"
	HeaderTimestamp = "X-Waypoint-Timestamp"
)

// Signer produces HMAC-SHA256 signatures over request bodies using a
// per-organization API key.
type Signer struct {
	apiKey []byte
	now    func() time.Time
}

// NewSigner creates a signer for the given API key.
func NewSigner(apiKey string) *Signer {
	return &Signer{apiKey: []byte(apiKey), now: time.Now}
}

// Sign returns the headers to attach to a request carrying body. The
// signature covers "<unix-timestamp>.<body>" so replays are detectable.
func (s *Signer) Sign(body []byte) map[string]string {
	timestamp := strconv.FormatInt(s.now().Unix(), 10)

	mac := hmac.New(sha256.New, s.apiKey)
	fmt.Fprintf(mac, "%s.", timestamp)
	mac.Write(body)

	return map[string]string{
		HeaderSignature: hex.EncodeToString(mac.Sum(nil)),
		HeaderTimestamp: timestamp,
	}
}

// Verify checks a signature produced by Sign. Receivers should also bound
// the timestamp's age; that policy belongs to the caller.
func (s *Signer) Verify(body []byte, timestamp, signature string) bool {
	mac := hmac.New(sha256.New, s.apiKey)
	fmt.Fprintf(mac, "%s.", timestamp)
	mac.Write(body)

	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, mac.Sum(nil))
}
