package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"telecare-backend/internal/domain"
	sessionService "telecare-backend/internal/service/session"
	"telecare-backend/pkg/metrics"
	"telecare-backend/pkg/rtctoken"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) Create(ctx context.Context, window *domain.SessionWindow) error {
	args := m.Called(ctx, window)
	return args.Error(0)
}

func (m *mockRepo) GetByID(ctx context.Context, sessionID string) (*domain.SessionWindow, error) {
	args := m.Called(ctx, sessionID)
	if w := args.Get(0); w != nil {
		return w.(*domain.SessionWindow), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepo) GetByCase(ctx context.Context, caseID int64) ([]*domain.SessionWindow, error) {
	args := m.Called(ctx, caseID)
	if w := args.Get(0); w != nil {
		return w.([]*domain.SessionWindow), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepo) CreateNoShowReport(ctx context.Context, report *domain.NoShowReport) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

var testMetrics = metrics.NewMetrics("session-service-test")

func newTestRouter(repo *mockRepo) *gin.Engine {
	gin.SetMode(gin.TestMode)
	svc := sessionService.NewService(repo, rtctoken.NewBuilder("test-app", "test-cert"), "https://app.example.com")
	h := NewHandler(svc, testMetrics)

	r := gin.New()
	v1 := r.Group("/v1/sessions")
	{
		v1.POST("", h.CreateSession)
		v1.POST("/pair", h.CreateSessionPair)
		v1.GET("/token", h.GetCredential)
		v1.GET("/schedule", h.GetSchedule)
		v1.GET("/by-case", h.GetSessionsByCase)
		v1.GET("/:id/status", h.GetStatus)
		v1.POST("/:id/no-show", h.ReportNoShow)
	}
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	return w, parsed
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected an error object in the envelope")
	return errObj["code"].(string)
}

func activeWindow(id string) *domain.SessionWindow {
	now := time.Now().UnixMilli()
	return &domain.SessionWindow{
		SessionID: id,
		StartMs:   now - 60_000,
		EndMs:     now + 1_800_000,
		Role:      domain.RoleClient,
	}
}

func TestCreateSession_Defaults(t *testing.T) {
	repo := new(mockRepo)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)
	r := newTestRouter(repo)

	w, body := doJSON(t, r, http.MethodPost, "/v1/sessions", gin.H{})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]any)
	assert.NotEmpty(t, data["session_id"])
	assert.NotEmpty(t, data["join_link"])
	repo.AssertExpectations(t)
}

func TestCreateSession_AcceptsEpochAndISOTimes(t *testing.T) {
	repo := new(mockRepo)
	repo.On("Create", mock.Anything, mock.MatchedBy(func(w *domain.SessionWindow) bool {
		return w.EndMs-w.StartMs == 30*60*1000
	})).Return(nil)
	r := newTestRouter(repo)

	start := time.Now().Add(time.Hour).UTC()
	end := start.Add(30 * time.Minute)
	w, _ := doJSON(t, r, http.MethodPost, "/v1/sessions", gin.H{
		"start_time": start.Format(time.RFC3339),
		"end_time":   end.UnixMilli(),
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	repo.AssertExpectations(t)
}

func TestCreateSession_InvalidWindow(t *testing.T) {
	repo := new(mockRepo)
	r := newTestRouter(repo)

	now := time.Now().UnixMilli()
	w, body := doJSON(t, r, http.MethodPost, "/v1/sessions", gin.H{
		"start_time": now,
		"end_time":   now - 1000,
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_WINDOW", errorCode(t, body))
	repo.AssertNotCalled(t, "Create")
}

func TestCreateSession_MalformedTime(t *testing.T) {
	repo := new(mockRepo)
	r := newTestRouter(repo)

	w, body := doJSON(t, r, http.MethodPost, "/v1/sessions", gin.H{
		"start_time": "tomorrow-ish",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_WINDOW", errorCode(t, body))
}

func TestCreateSessionPair_RequiresCaseID(t *testing.T) {
	repo := new(mockRepo)
	r := newTestRouter(repo)

	w, body := doJSON(t, r, http.MethodPost, "/v1/sessions/pair", gin.H{})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "MISSING_FIELD", errorCode(t, body))
}

func TestCreateSessionPair_CreatesBothRoles(t *testing.T) {
	repo := new(mockRepo)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil).Twice()
	r := newTestRouter(repo)

	w, body := doJSON(t, r, http.MethodPost, "/v1/sessions/pair", gin.H{"case_id": 321})

	assert.Equal(t, http.StatusCreated, w.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, float64(321), data["case_id"])
	sessions := data["sessions"].(map[string]any)
	assert.NotNil(t, sessions["provider"])
	assert.NotNil(t, sessions["client"])
	repo.AssertExpectations(t)
}

func TestGetCredential_WithinWindow(t *testing.T) {
	repo := new(mockRepo)
	repo.On("GetByID", mock.Anything, "s-1").Return(activeWindow("s-1"), nil)
	r := newTestRouter(repo)

	w, body := doJSON(t, r, http.MethodGet, "/v1/sessions/token?session=s-1&uid=42", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]any)
	assert.NotEmpty(t, data["token"])
	assert.Equal(t, "test-app", data["app_id"])
	assert.Greater(t, data["expires_in_seconds"].(float64), float64(0))
}

func TestGetCredential_BeforeWindow(t *testing.T) {
	window := activeWindow("s-1")
	window.StartMs = time.Now().UnixMilli() + 600_000
	repo := new(mockRepo)
	repo.On("GetByID", mock.Anything, "s-1").Return(window, nil)
	r := newTestRouter(repo)

	w, body := doJSON(t, r, http.MethodGet, "/v1/sessions/token?session=s-1&uid=42", nil)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "MEETING_NOT_STARTED", errorCode(t, body))
}

func TestGetCredential_AfterWindow(t *testing.T) {
	window := activeWindow("s-1")
	window.EndMs = time.Now().UnixMilli() - 600_000
	repo := new(mockRepo)
	repo.On("GetByID", mock.Anything, "s-1").Return(window, nil)
	r := newTestRouter(repo)

	w, body := doJSON(t, r, http.MethodGet, "/v1/sessions/token?session=s-1&uid=42", nil)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "MEETING_ENDED", errorCode(t, body))
}

func TestGetCredential_UnknownSession(t *testing.T) {
	repo := new(mockRepo)
	repo.On("GetByID", mock.Anything, "ghost").Return(nil, nil)
	r := newTestRouter(repo)

	w, body := doJSON(t, r, http.MethodGet, "/v1/sessions/token?session=ghost&uid=42", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", errorCode(t, body))
}

func TestGetCredential_ValidatesUID(t *testing.T) {
	repo := new(mockRepo)
	r := newTestRouter(repo)

	tests := []string{
		"/v1/sessions/token?session=s-1",
		"/v1/sessions/token?uid=42",
		"/v1/sessions/token?session=s-1&uid=-5",
		fmt.Sprintf("/v1/sessions/token?session=s-1&uid=%d", int64(1)<<40),
	}
	for _, path := range tests {
		w, _ := doJSON(t, r, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestGetSchedule_ReturnsNullsForUnknownSession(t *testing.T) {
	repo := new(mockRepo)
	repo.On("GetByID", mock.Anything, "ghost").Return(nil, nil)
	r := newTestRouter(repo)

	w, body := doJSON(t, r, http.MethodGet, "/v1/sessions/schedule?session=ghost", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]any)
	assert.Nil(t, data["start_time_ms"])
	assert.Nil(t, data["end_time_ms"])
	assert.Greater(t, data["now"].(float64), float64(0))
}

func TestGetStatus_ActiveSession(t *testing.T) {
	repo := new(mockRepo)
	repo.On("GetByID", mock.Anything, "s-1").Return(activeWindow("s-1"), nil)
	r := newTestRouter(repo)

	w, body := doJSON(t, r, http.MethodGet, "/v1/sessions/s-1/status", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, true, data["active"])
}

func TestGetSessionsByCase(t *testing.T) {
	repo := new(mockRepo)
	repo.On("GetByCase", mock.Anything, int64(9)).
		Return([]*domain.SessionWindow{activeWindow("s-1"), activeWindow("s-2")}, nil)
	r := newTestRouter(repo)

	w, body := doJSON(t, r, http.MethodGet, "/v1/sessions/by-case?case_id=9", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]any)
	assert.Len(t, data["sessions"], 2)
}

func TestReportNoShow_Accepted(t *testing.T) {
	repo := new(mockRepo)
	repo.On("GetByID", mock.Anything, "s-1").Return(activeWindow("s-1"), nil)
	repo.On("CreateNoShowReport", mock.Anything, mock.MatchedBy(func(rep *domain.NoShowReport) bool {
		return rep.SessionID == "s-1" && rep.ReporterUID == 42
	})).Return(nil)
	r := newTestRouter(repo)

	w, body := doJSON(t, r, http.MethodPost, "/v1/sessions/s-1/no-show", gin.H{"reporter_uid": 42})

	assert.Equal(t, http.StatusAccepted, w.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, true, data["reported"])
	repo.AssertExpectations(t)
}

func TestReportNoShow_RequiresReporterUID(t *testing.T) {
	repo := new(mockRepo)
	r := newTestRouter(repo)

	w, _ := doJSON(t, r, http.MethodPost, "/v1/sessions/s-1/no-show", gin.H{})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	repo.AssertNotCalled(t, "CreateNoShowReport")
}
