package domain

import "time"

// ParticipantRole identifies which side of the consultation a session link
// was issued for
type ParticipantRole string

const (
	RoleProvider ParticipantRole = "provider"
	RoleClient   ParticipantRole = "client"
)

// Valid reports whether the role is one of the closed set. Unknown role
// strings fall back to RoleClient at the API boundary.
func (r ParticipantRole) Valid() bool {
	return r == RoleProvider || r == RoleClient
}

// SessionWindow is the scheduled join window of one session. Immutable once
// credentials have been issued against it; updates are out of scope.
type SessionWindow struct {
	SessionID string          `json:"session_id"`
	StartMs   int64           `json:"start_time_ms"`
	EndMs     int64           `json:"end_time_ms"`
	CaseID    *int64          `json:"case_id,omitempty"`
	Role      ParticipantRole `json:"role"`
	JoinLink  string          `json:"join_link"`
	CreatedAt time.Time       `json:"created_at"`
}

// Contains reports whether nowMs falls within [StartMs, EndMs].
func (w *SessionWindow) Contains(nowMs int64) bool {
	return nowMs >= w.StartMs && nowMs <= w.EndMs
}

// NoShowReport records that the counterpart never joined a session.
// Best-effort bookkeeping only; never consulted for authorization.
type NoShowReport struct {
	SessionID   string    `json:"session_id"`
	ReporterUID uint32    `json:"reporter_uid"`
	ReportedAt  time.Time `json:"reported_at"`
}
