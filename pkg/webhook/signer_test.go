package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedSigner(key string, at time.Time) *Signer {
	s := NewSigner(key)
	s.now = func() time.Time { return at }
	return s
}

func TestSignIsDeterministic(t *testing.T) {
	at := time.Unix(1700000000, 0)
	body := []byte(`{"run_id":"run-1"}`)

	h1 := fixedSigner("secret", at).Sign(body)
	h2 := fixedSigner("secret", at).Sign(body)

	assert.Equal(t, h1, h2)
	assert.Equal(t, "1700000000", h1[HeaderTimestamp])
	require.NotEmpty(t, h1[HeaderSignature])
}

func TestVerifyRoundTrip(t *testing.T) {
	s := NewSigner("secret")
	body := []byte(`{"run_id":"run-1","status":"completed"}`)

	headers := s.Sign(body)
	assert.True(t, s.Verify(body, headers[HeaderTimestamp], headers[HeaderSignature]))
}

func TestVerifyRejectsTampering(t *testing.T) {
	s := NewSigner("secret")
	body := []byte(`{"run_id":"run-1"}`)
	headers := s.Sign(body)

	assert.False(t, s.Verify([]byte(`{"run_id":"run-2"}`), headers[HeaderTimestamp], headers[HeaderSignature]),
		"modified body must not verify")
	assert.False(t, s.Verify(body, "1700000001", headers[HeaderSignature]),
		"modified timestamp must not verify")
	assert.False(t, NewSigner("other").Verify(body, headers[HeaderTimestamp], headers[HeaderSignature]),
		"wrong key must not verify")
	assert.False(t, s.Verify(body, headers[HeaderTimestamp], "zz-not-hex"),
		"malformed signature must not verify")
}
