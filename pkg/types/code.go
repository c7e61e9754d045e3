package types

import "time"

// CodeType classifies a submitted verification value.
type CodeType string

const (
	// CodeTypeTOTP is a short numeric one-time code.
	CodeTypeTOTP CodeType = "totp"

	// CodeTypeMagicLink is a sign-in link rather than a literal code.
	CodeTypeMagicLink CodeType = "magic_link"
)

// VerificationCode is a one-time code or magic link submitted by a webhook,
// a pre-configured secret, or a human operator. Records are created once and
// read-only afterward; resolution never overwrites them.
type VerificationCode struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`

	// RunID optionally correlates the code to the run that is waiting on it.
	RunID string `json:"run_id,omitempty"`

	// Identifier matches the code to the caller-provided identifier a
	// navigate block was configured with.
	Identifier string `json:"identifier,omitempty"`

	// Value is a 4-10 digit code or a link, depending on Type.
	Value string   `json:"value"`
	Type  CodeType `json:"type"`

	// Source records who submitted the code (webhook, secret, manual).
	Source string `json:"source,omitempty"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Expired reports whether the code is past its expiry at the given instant.
// Codes with no expiry never expire.
func (c *VerificationCode) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}
