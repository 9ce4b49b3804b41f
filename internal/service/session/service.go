package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"telecare-backend/internal/domain"
	apperrors "telecare-backend/pkg/errors"
	"telecare-backend/pkg/rtctoken"
)

// Repository is the narrow persistence contract the registry consumes
type Repository interface {
	Create(ctx context.Context, window *domain.SessionWindow) error
	GetByID(ctx context.Context, sessionID string) (*domain.SessionWindow, error)
	GetByCase(ctx context.Context, caseID int64) ([]*domain.SessionWindow, error)
	CreateNoShowReport(ctx context.Context, report *domain.NoShowReport) error
}

// Service is the session registry: it creates session records, derives
// join links, and issues window-gated access credentials
type Service struct {
	repo    Repository
	tokens  *rtctoken.Builder
	baseURL string

	// now is swapped in tests
	now func() time.Time
}

// NewService creates a new session service
func NewService(repo Repository, tokens *rtctoken.Builder, baseURL string) *Service {
	return &Service{
		repo:    repo,
		tokens:  tokens,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// DefaultDuration is used when neither an end time nor a duration is given
const DefaultDuration = 60 * time.Minute

// CreateSessionInput contains the resolved schedule for a new session.
// Zero-valued pointers mean "not provided".
type CreateSessionInput struct {
	StartMs         *int64
	EndMs           *int64
	DurationMinutes *int
	CaseID          *int64
	Role            domain.ParticipantRole
}

// CreateSession validates the window and persists a new session record.
// Each call creates a new identifier; idempotency across identical inputs
// is deliberately not guaranteed — callers needing it must key on the case
// identifier themselves.
func (s *Service) CreateSession(ctx context.Context, input *CreateSessionInput) (*domain.SessionWindow, error) {
	now := s.now()
	nowMs := now.UnixMilli()

	startMs := nowMs
	if input.StartMs != nil {
		startMs = *input.StartMs
	}

	endMs := startMs + DefaultDuration.Milliseconds()
	if input.EndMs != nil {
		endMs = *input.EndMs
	} else if input.DurationMinutes != nil && *input.DurationMinutes > 0 {
		endMs = startMs + int64(*input.DurationMinutes)*60_000
	}

	if startMs < 0 || endMs < 0 {
		return nil, apperrors.InvalidWindowError("startTime/endTime must be non-negative epoch milliseconds")
	}
	if endMs <= startMs {
		return nil, apperrors.InvalidWindowError("endTime must be after startTime")
	}

	role := input.Role
	if !role.Valid() {
		role = domain.RoleClient
	}

	sessionID := newSessionID()
	window := &domain.SessionWindow{
		SessionID: sessionID,
		StartMs:   startMs,
		EndMs:     endMs,
		CaseID:    input.CaseID,
		Role:      role,
		JoinLink:  s.BuildJoinLink(sessionID, role),
		CreatedAt: now,
	}

	if err := s.repo.Create(ctx, window); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	return window, nil
}

// SessionPair holds the two role-scoped sessions created for one case
type SessionPair struct {
	Provider *domain.SessionWindow `json:"provider"`
	Client   *domain.SessionWindow `json:"client"`
}

// CreateSessionPair creates separate provider and client sessions bound to
// the same case and window
func (s *Service) CreateSessionPair(ctx context.Context, input *CreateSessionInput) (*SessionPair, error) {
	if input.CaseID == nil {
		return nil, apperrors.MissingFieldError("case_id")
	}

	providerInput := *input
	providerInput.Role = domain.RoleProvider
	provider, err := s.CreateSession(ctx, &providerInput)
	if err != nil {
		return nil, err
	}

	clientInput := *input
	clientInput.Role = domain.RoleClient
	// Pin the client window to the provider's so the pair shares one schedule
	clientInput.StartMs = &provider.StartMs
	clientInput.EndMs = &provider.EndMs
	client, err := s.CreateSession(ctx, &clientInput)
	if err != nil {
		return nil, err
	}

	return &SessionPair{Provider: provider, Client: client}, nil
}

// CredentialOutput is the credential-fetch response payload
type CredentialOutput struct {
	Token       string                 `json:"token"`
	AppID       string                 `json:"app_id"`
	StartTimeMs int64                  `json:"start_time_ms"`
	EndTimeMs   int64                  `json:"end_time_ms"`
	Role        domain.ParticipantRole `json:"role"`
	CaseID      *int64                 `json:"case_id,omitempty"`
	ExpiresInS  int64                  `json:"expires_in_seconds"`
}

// IssueCredential authorizes against the session window and signs a
// credential for one participant. Scheduling violations surface as
// MEETING_NOT_STARTED / MEETING_ENDED; unknown sessions as
// SESSION_NOT_FOUND. Authorization is always re-checked here — client-side
// countdowns are display only.
func (s *Service) IssueCredential(ctx context.Context, sessionID string, uid uint32) (*CredentialOutput, error) {
	window, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if window == nil {
		return nil, apperrors.SessionNotFoundError()
	}

	lifetime, err := Authorize(window, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}

	cred, err := s.tokens.Build(sessionID, uid, rtctoken.RolePublisher, lifetime)
	if err != nil {
		return nil, err
	}

	return &CredentialOutput{
		Token:       cred.Token,
		AppID:       cred.AppID,
		StartTimeMs: window.StartMs,
		EndTimeMs:   window.EndMs,
		Role:        window.Role,
		CaseID:      window.CaseID,
		ExpiresInS:  cred.ExpiresInSeconds(),
	}, nil
}

// ScheduleOutput is the schedule-fetch response payload. NowMs is the server
// clock, used by clients purely for countdown display.
type ScheduleOutput struct {
	StartTimeMs *int64 `json:"start_time_ms"`
	EndTimeMs   *int64 `json:"end_time_ms"`
	NowMs       int64  `json:"now"`
}

// GetSchedule returns the session window, or nulls if none exists. Unknown
// identifiers are not an error here.
func (s *Service) GetSchedule(ctx context.Context, sessionID string) (*ScheduleOutput, error) {
	window, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	out := &ScheduleOutput{NowMs: s.now().UnixMilli()}
	if window != nil {
		out.StartTimeMs = &window.StartMs
		out.EndTimeMs = &window.EndMs
	}
	return out, nil
}

// IsActive reports whether a window exists for the session and now falls
// within it. Unknown identifiers return false rather than an error.
func (s *Service) IsActive(ctx context.Context, sessionID string, nowMs int64) (bool, error) {
	window, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return false, apperrors.DatabaseError(err)
	}
	if window == nil {
		return false, nil
	}
	return window.Contains(nowMs), nil
}

// GetSession returns the stored window for a session, nil when unknown
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.SessionWindow, error) {
	window, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return window, nil
}

// SessionsForCase returns all session windows linked to a case
func (s *Service) SessionsForCase(ctx context.Context, caseID int64) ([]*domain.SessionWindow, error) {
	windows, err := s.repo.GetByCase(ctx, caseID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return windows, nil
}

// ReportNoShow records that the counterpart never joined. The client treats
// this call as best-effort; failures here must not abort its teardown.
func (s *Service) ReportNoShow(ctx context.Context, sessionID string, reporterUID uint32) error {
	window, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	if window == nil {
		return apperrors.SessionNotFoundError()
	}

	report := &domain.NoShowReport{
		SessionID:   sessionID,
		ReporterUID: reporterUID,
		ReportedAt:  s.now(),
	}
	if err := s.repo.CreateNoShowReport(ctx, report); err != nil {
		return apperrors.DatabaseError(err)
	}
	return nil
}

// BuildJoinLink composes the role-scoped lobby URL for a session. Pure string
// composition; the link carries no secret.
func (s *Service) BuildJoinLink(sessionID string, role domain.ParticipantRole) string {
	return fmt.Sprintf("%s/lobby/%s?role=%s", s.baseURL, sessionID, role)
}

// newSessionID generates a short opaque session identifier
func newSessionID() string {
	return strings.SplitN(uuid.New().String(), "-", 2)[0]
}
