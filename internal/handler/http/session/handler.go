package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"telecare-backend/internal/domain"
	sessionService "telecare-backend/internal/service/session"
	apperrors "telecare-backend/pkg/errors"
	"telecare-backend/pkg/metrics"
	"telecare-backend/pkg/response"
)

// Handler handles session HTTP requests
type Handler struct {
	sessionService *sessionService.Service
	metrics        *metrics.Metrics
}

// NewHandler creates a new session handler
func NewHandler(svc *sessionService.Service, m *metrics.Metrics) *Handler {
	return &Handler{
		sessionService: svc,
		metrics:        m,
	}
}

// CreateSessionRequest represents session creation input. start_time and
// end_time accept either an ISO-8601 string or epoch milliseconds.
type CreateSessionRequest struct {
	StartTime       json.RawMessage `json:"start_time,omitempty"`
	EndTime         json.RawMessage `json:"end_time,omitempty"`
	DurationMinutes *int            `json:"duration_minutes,omitempty"`
	CaseID          *int64          `json:"case_id,omitempty"`
	Role            string          `json:"role,omitempty"`
}

func (r *CreateSessionRequest) toInput() (*sessionService.CreateSessionInput, error) {
	startMs, err := parseFlexibleTime(r.StartTime)
	if err != nil {
		return nil, fmt.Errorf("start_time: %w", err)
	}
	endMs, err := parseFlexibleTime(r.EndTime)
	if err != nil {
		return nil, fmt.Errorf("end_time: %w", err)
	}

	return &sessionService.CreateSessionInput{
		StartMs:         startMs,
		EndMs:           endMs,
		DurationMinutes: r.DurationMinutes,
		CaseID:          r.CaseID,
		Role:            domain.ParticipantRole(r.Role),
	}, nil
}

// CreateSession creates a new scheduled session
// POST /v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	input, err := req.toInput()
	if err != nil {
		response.AppError(c, apperrors.InvalidWindowError(err.Error()))
		return
	}

	window, err := h.sessionService.CreateSession(c.Request.Context(), input)
	if err != nil {
		response.AppError(c, err)
		return
	}

	h.metrics.RecordSessionCreated(string(window.Role))
	response.Success(c, http.StatusCreated, window)
}

// CreateSessionPair creates provider and client sessions for one case
// POST /v1/sessions/pair
func (h *Handler) CreateSessionPair(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if req.CaseID == nil {
		response.AppError(c, apperrors.MissingFieldError("case_id"))
		return
	}

	input, err := req.toInput()
	if err != nil {
		response.AppError(c, apperrors.InvalidWindowError(err.Error()))
		return
	}

	pair, err := h.sessionService.CreateSessionPair(c.Request.Context(), input)
	if err != nil {
		response.AppError(c, err)
		return
	}

	h.metrics.RecordSessionCreated(string(domain.RoleProvider))
	h.metrics.RecordSessionCreated(string(domain.RoleClient))
	response.Success(c, http.StatusCreated, gin.H{
		"case_id":       *req.CaseID,
		"start_time_ms": pair.Provider.StartMs,
		"end_time_ms":   pair.Provider.EndMs,
		"sessions":      pair,
	})
}

// GetCredential issues a window-gated access credential
// GET /v1/sessions/token?session=<id>&uid=<n>
func (h *Handler) GetCredential(c *gin.Context) {
	sessionID := c.Query("session")
	uidStr := c.Query("uid")
	if sessionID == "" || uidStr == "" {
		response.ValidationError(c, "session and uid are required")
		return
	}

	uid, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		response.ValidationError(c, "uid must be an unsigned 32-bit integer")
		return
	}

	output, err := h.sessionService.IssueCredential(c.Request.Context(), sessionID, uint32(uid))
	if err != nil {
		h.metrics.RecordCredentialDenied(string(apperrors.CodeOf(err)))
		response.AppError(c, err)
		return
	}

	h.metrics.RecordCredentialIssued()
	response.Success(c, http.StatusOK, output)
}

// GetSchedule returns the session window or nulls, plus the server clock
// GET /v1/sessions/schedule?session=<id>
func (h *Handler) GetSchedule(c *gin.Context) {
	sessionID := c.Query("session")
	if sessionID == "" {
		response.ValidationError(c, "session is required")
		return
	}

	output, err := h.sessionService.GetSchedule(c.Request.Context(), sessionID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, output)
}

// GetStatus reports whether the session is currently inside its window
// GET /v1/sessions/:id/status
func (h *Handler) GetStatus(c *gin.Context) {
	sessionID := c.Param("id")

	nowMs := time.Now().UnixMilli()
	active, err := h.sessionService.IsActive(c.Request.Context(), sessionID, nowMs)
	if err != nil {
		response.AppError(c, err)
		return
	}

	window, err := h.sessionService.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"session_id": sessionID,
		"active":     active,
		"schedule":   window,
	})
}

// GetSessionsByCase lists all session windows linked to a case
// GET /v1/sessions/by-case?case_id=<n>
func (h *Handler) GetSessionsByCase(c *gin.Context) {
	caseIDStr := c.Query("case_id")
	if caseIDStr == "" {
		response.ValidationError(c, "case_id is required")
		return
	}

	caseID, err := strconv.ParseInt(caseIDStr, 10, 64)
	if err != nil {
		response.ValidationError(c, "case_id must be an integer")
		return
	}

	windows, err := h.sessionService.SessionsForCase(c.Request.Context(), caseID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"case_id":  caseID,
		"sessions": windows,
	})
}

// ReportNoShowRequest identifies who is reporting the absence
type ReportNoShowRequest struct {
	ReporterUID uint32 `json:"reporter_uid" binding:"required"`
}

// ReportNoShow records that the counterpart never joined. Accepted rather
// than created: the client fires this best-effort during teardown.
// POST /v1/sessions/:id/no-show
func (h *Handler) ReportNoShow(c *gin.Context) {
	sessionID := c.Param("id")

	var req ReportNoShowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.sessionService.ReportNoShow(c.Request.Context(), sessionID, req.ReporterUID); err != nil {
		response.AppError(c, err)
		return
	}

	h.metrics.RecordNoShowReport()
	response.Success(c, http.StatusAccepted, gin.H{
		"session_id": sessionID,
		"reported":   true,
	})
}

// parseFlexibleTime accepts epoch milliseconds or an ISO-8601 timestamp
func parseFlexibleTime(raw json.RawMessage) (*int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return &ms, nil
	}

	var iso string
	if err := json.Unmarshal(raw, &iso); err == nil {
		t, err := time.Parse(time.RFC3339, iso)
		if err != nil {
			return nil, fmt.Errorf("not a valid ISO-8601 timestamp: %q", iso)
		}
		v := t.UnixMilli()
		return &v, nil
	}

	return nil, fmt.Errorf("must be epoch milliseconds or an ISO-8601 string")
}
