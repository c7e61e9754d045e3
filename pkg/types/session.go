package types

import "time"

// BrowserSessionStatus represents the lifecycle state of a leased browser
// session. Closed is terminal and irreversible.
type BrowserSessionStatus string

const (
	BrowserSessionCreated BrowserSessionStatus = "created"
	BrowserSessionRunning BrowserSessionStatus = "running"
	BrowserSessionRetry   BrowserSessionStatus = "retry"
	BrowserSessionClosed  BrowserSessionStatus = "closed"
)

// BrowserSession is a leasable, timeout-bound live browser resource. A
// session has at most one occupant at a time; the pool enforces exclusivity,
// not the caller.
type BrowserSession struct {
	ID     string               `json:"id"`
	OrgID  string               `json:"org_id"`
	Status BrowserSessionStatus `json:"status"`

	// Proxy optionally routes the session's traffic.
	Proxy string `json:"proxy,omitempty"`

	// TimeoutMinutes bounds the session's lifetime from StartedAt. Renewal
	// extends it in fixed increments while enough time remains.
	TimeoutMinutes int `json:"timeout_minutes"`

	// Occupant binds the session exclusively to one runnable.
	OccupantKind string `json:"occupant_kind,omitempty"`
	OccupantID   string `json:"occupant_id,omitempty"`

	// Address is the live network address of the remote browser, when one
	// is attached.
	Address string `json:"address,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Occupied reports whether the session is exclusively bound to a runnable.
func (s *BrowserSession) Occupied() bool {
	return s.OccupantKind != "" && s.OccupantID != ""
}

// Deadline returns the instant the session times out, and false if the
// session has not started yet.
func (s *BrowserSession) Deadline() (time.Time, bool) {
	if s.StartedAt == nil {
		return time.Time{}, false
	}
	return s.StartedAt.Add(time.Duration(s.TimeoutMinutes) * time.Minute), true
}
