package session

import (
	"time"

	"telecare-backend/internal/domain"
	apperrors "telecare-backend/pkg/errors"
	"telecare-backend/pkg/rtctoken"
)

const (
	// GraceSeconds extends a credential slightly past the window end so an
	// in-progress call is not cut off mid-sentence
	GraceSeconds = 120

	// DefaultUnscheduledLifetime is granted when a session has no window
	DefaultUnscheduledLifetime = time.Hour
)

// Authorize gates credential issuance on the session's join window.
//
// A nil window (unscheduled session) is always authorized with the default
// lifetime. Otherwise issuance is rejected before the window opens and after
// it closes, and the granted lifetime is the remaining window plus grace,
// clamped to the issuer's bounds.
func Authorize(window *domain.SessionWindow, nowMs int64) (time.Duration, error) {
	if window == nil {
		return DefaultUnscheduledLifetime, nil
	}

	if nowMs < window.StartMs {
		return 0, apperrors.MeetingNotStartedError()
	}
	if window.EndMs > 0 && nowMs > window.EndMs {
		return 0, apperrors.MeetingEndedError()
	}

	// A window with no end bound never expires; remaining-window math
	// would go negative against a zero end.
	if window.EndMs == 0 {
		return DefaultUnscheduledLifetime, nil
	}

	remainingSeconds := (window.EndMs-nowMs)/1000 + GraceSeconds
	return rtctoken.ClampLifetime(time.Duration(remainingSeconds) * time.Second), nil
}
