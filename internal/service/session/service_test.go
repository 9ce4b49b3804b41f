package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"telecare-backend/internal/domain"
	apperrors "telecare-backend/pkg/errors"
	"telecare-backend/pkg/rtctoken"
)

// Mocks
type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) Create(ctx context.Context, window *domain.SessionWindow) error {
	args := m.Called(ctx, window)
	return args.Error(0)
}

func (m *MockSessionRepository) GetByID(ctx context.Context, sessionID string) (*domain.SessionWindow, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SessionWindow), args.Error(1)
}

func (m *MockSessionRepository) GetByCase(ctx context.Context, caseID int64) ([]*domain.SessionWindow, error) {
	args := m.Called(ctx, caseID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.SessionWindow), args.Error(1)
}

func (m *MockSessionRepository) CreateNoShowReport(ctx context.Context, report *domain.NoShowReport) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

func newTestService(repo Repository) *Service {
	tokens := rtctoken.NewBuilder("test-app", "test-certificate-secret")
	return NewService(repo, tokens, "http://localhost:3001")
}

func int64Ptr(v int64) *int64 { return &v }
func intPtr(v int) *int       { return &v }

func TestCreateSession_DefaultWindow(t *testing.T) {
	repo := new(MockSessionRepository)
	repo.On("Create", mock.Anything, mock.AnythingOfType("*domain.SessionWindow")).Return(nil)

	svc := newTestService(repo)
	fixed := time.UnixMilli(1_700_000_000_000)
	svc.now = func() time.Time { return fixed }

	window, err := svc.CreateSession(context.Background(), &CreateSessionInput{})

	assert.NoError(t, err)
	assert.NotEmpty(t, window.SessionID)
	assert.Equal(t, fixed.UnixMilli(), window.StartMs)
	assert.Equal(t, fixed.UnixMilli()+3_600_000, window.EndMs)
	assert.Equal(t, domain.RoleClient, window.Role)
	assert.Equal(t, "http://localhost:3001/lobby/"+window.SessionID+"?role=client", window.JoinLink)
	repo.AssertExpectations(t)
}

func TestCreateSession_DurationMinutes(t *testing.T) {
	repo := new(MockSessionRepository)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)

	svc := newTestService(repo)

	start := int64(1_700_000_000_000)
	window, err := svc.CreateSession(context.Background(), &CreateSessionInput{
		StartMs:         int64Ptr(start),
		DurationMinutes: intPtr(30),
		Role:            domain.RoleProvider,
	})

	assert.NoError(t, err)
	assert.Equal(t, start, window.StartMs)
	assert.Equal(t, start+1_800_000, window.EndMs)
	assert.Equal(t, domain.RoleProvider, window.Role)
}

func TestCreateSession_InvalidWindow(t *testing.T) {
	repo := new(MockSessionRepository)
	svc := newTestService(repo)

	start := int64(1_700_000_000_000)
	cases := []struct {
		name  string
		input *CreateSessionInput
	}{
		{"end equals start", &CreateSessionInput{StartMs: int64Ptr(start), EndMs: int64Ptr(start)}},
		{"end before start", &CreateSessionInput{StartMs: int64Ptr(start), EndMs: int64Ptr(start - 1)}},
		{"negative start", &CreateSessionInput{StartMs: int64Ptr(-5), EndMs: int64Ptr(start)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			window, err := svc.CreateSession(context.Background(), tc.input)
			assert.Nil(t, window)
			assert.Equal(t, apperrors.ErrCodeInvalidWindow, apperrors.CodeOf(err))
		})
	}
	repo.AssertNotCalled(t, "Create")
}

func TestCreateSession_NewIDPerCall(t *testing.T) {
	repo := new(MockSessionRepository)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)

	svc := newTestService(repo)
	input := &CreateSessionInput{StartMs: int64Ptr(1_700_000_000_000), DurationMinutes: intPtr(30)}

	first, err := svc.CreateSession(context.Background(), input)
	assert.NoError(t, err)
	second, err := svc.CreateSession(context.Background(), input)
	assert.NoError(t, err)

	// Identical inputs are not idempotent: each call mints a new identifier
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestCreateSessionPair(t *testing.T) {
	repo := new(MockSessionRepository)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)

	svc := newTestService(repo)
	caseID := int64(42)

	pair, err := svc.CreateSessionPair(context.Background(), &CreateSessionInput{
		StartMs:         int64Ptr(1_700_000_000_000),
		DurationMinutes: intPtr(45),
		CaseID:          &caseID,
	})

	assert.NoError(t, err)
	assert.Equal(t, domain.RoleProvider, pair.Provider.Role)
	assert.Equal(t, domain.RoleClient, pair.Client.Role)
	assert.NotEqual(t, pair.Provider.SessionID, pair.Client.SessionID)
	assert.Equal(t, pair.Provider.StartMs, pair.Client.StartMs)
	assert.Equal(t, pair.Provider.EndMs, pair.Client.EndMs)
	repo.AssertNumberOfCalls(t, "Create", 2)
}

func TestCreateSessionPair_RequiresCase(t *testing.T) {
	repo := new(MockSessionRepository)
	svc := newTestService(repo)

	pair, err := svc.CreateSessionPair(context.Background(), &CreateSessionInput{})

	assert.Nil(t, pair)
	assert.Equal(t, apperrors.ErrCodeMissingField, apperrors.CodeOf(err))
}

func TestIssueCredential_WithinWindow(t *testing.T) {
	repo := new(MockSessionRepository)
	now := time.Now()
	caseID := int64(7)
	repo.On("GetByID", mock.Anything, "room-1").Return(&domain.SessionWindow{
		SessionID: "room-1",
		StartMs:   now.Add(-5 * time.Minute).UnixMilli(),
		EndMs:     now.Add(25 * time.Minute).UnixMilli(),
		CaseID:    &caseID,
		Role:      domain.RoleProvider,
	}, nil)

	svc := newTestService(repo)
	out, err := svc.IssueCredential(context.Background(), "room-1", 12345)

	assert.NoError(t, err)
	assert.NotEmpty(t, out.Token)
	assert.Equal(t, "test-app", out.AppID)
	assert.Equal(t, domain.RoleProvider, out.Role)
	assert.Equal(t, &caseID, out.CaseID)
	// remaining window plus grace, within clamp bounds
	assert.InDelta(t, 25*60+GraceSeconds, out.ExpiresInS, 2)
}

func TestIssueCredential_NotStarted(t *testing.T) {
	repo := new(MockSessionRepository)
	now := time.Now()
	repo.On("GetByID", mock.Anything, "room-1").Return(&domain.SessionWindow{
		SessionID: "room-1",
		StartMs:   now.Add(10 * time.Minute).UnixMilli(),
		EndMs:     now.Add(40 * time.Minute).UnixMilli(),
	}, nil)

	svc := newTestService(repo)
	out, err := svc.IssueCredential(context.Background(), "room-1", 12345)

	assert.Nil(t, out)
	assert.Equal(t, apperrors.ErrCodeMeetingNotStarted, apperrors.CodeOf(err))
}

func TestIssueCredential_Ended(t *testing.T) {
	repo := new(MockSessionRepository)
	now := time.Now()
	repo.On("GetByID", mock.Anything, "room-1").Return(&domain.SessionWindow{
		SessionID: "room-1",
		StartMs:   now.Add(-60 * time.Minute).UnixMilli(),
		EndMs:     now.Add(-30 * time.Minute).UnixMilli(),
	}, nil)

	svc := newTestService(repo)
	out, err := svc.IssueCredential(context.Background(), "room-1", 12345)

	assert.Nil(t, out)
	assert.Equal(t, apperrors.ErrCodeMeetingEnded, apperrors.CodeOf(err))
}

func TestIssueCredential_SessionNotFound(t *testing.T) {
	repo := new(MockSessionRepository)
	repo.On("GetByID", mock.Anything, "ghost").Return(nil, nil)

	svc := newTestService(repo)
	out, err := svc.IssueCredential(context.Background(), "ghost", 12345)

	assert.Nil(t, out)
	assert.Equal(t, apperrors.ErrCodeSessionNotFound, apperrors.CodeOf(err))
}

func TestIssueCredential_MissingSecretPairIsFatal(t *testing.T) {
	repo := new(MockSessionRepository)
	now := time.Now()
	repo.On("GetByID", mock.Anything, "room-1").Return(&domain.SessionWindow{
		SessionID: "room-1",
		StartMs:   now.Add(-time.Minute).UnixMilli(),
		EndMs:     now.Add(time.Hour).UnixMilli(),
	}, nil)

	svc := NewService(repo, rtctoken.NewBuilder("", ""), "http://localhost:3001")
	out, err := svc.IssueCredential(context.Background(), "room-1", 12345)

	// Never a forged or empty token
	assert.Nil(t, out)
	assert.Equal(t, apperrors.ErrCodeConfig, apperrors.CodeOf(err))
}

func TestIsActive(t *testing.T) {
	repo := new(MockSessionRepository)
	start := int64(1_700_000_000_000)
	end := start + 1_800_000
	repo.On("GetByID", mock.Anything, "room-1").Return(&domain.SessionWindow{
		SessionID: "room-1",
		StartMs:   start,
		EndMs:     end,
	}, nil)
	repo.On("GetByID", mock.Anything, "ghost").Return(nil, nil)

	svc := newTestService(repo)

	active, err := svc.IsActive(context.Background(), "room-1", start+60_000)
	assert.NoError(t, err)
	assert.True(t, active)

	active, err = svc.IsActive(context.Background(), "room-1", end+1)
	assert.NoError(t, err)
	assert.False(t, active)

	active, err = svc.IsActive(context.Background(), "ghost", start)
	assert.NoError(t, err)
	assert.False(t, active)
}

func TestGetSchedule_UnknownSessionReturnsNulls(t *testing.T) {
	repo := new(MockSessionRepository)
	repo.On("GetByID", mock.Anything, "ghost").Return(nil, nil)

	svc := newTestService(repo)
	out, err := svc.GetSchedule(context.Background(), "ghost")

	assert.NoError(t, err)
	assert.Nil(t, out.StartTimeMs)
	assert.Nil(t, out.EndTimeMs)
	assert.NotZero(t, out.NowMs)
}

func TestReportNoShow(t *testing.T) {
	repo := new(MockSessionRepository)
	repo.On("GetByID", mock.Anything, "room-1").Return(&domain.SessionWindow{SessionID: "room-1"}, nil)
	repo.On("CreateNoShowReport", mock.Anything, mock.MatchedBy(func(r *domain.NoShowReport) bool {
		return r.SessionID == "room-1" && r.ReporterUID == 99
	})).Return(nil)

	svc := newTestService(repo)
	err := svc.ReportNoShow(context.Background(), "room-1", 99)

	assert.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestBuildJoinLink(t *testing.T) {
	svc := newTestService(new(MockSessionRepository))

	assert.Equal(t, "http://localhost:3001/lobby/abc123?role=provider", svc.BuildJoinLink("abc123", domain.RoleProvider))
}
