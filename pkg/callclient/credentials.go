package callclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "telecare-backend/pkg/errors"
)

// Credential is one issued join credential together with the schedule
// window it was clamped against.
type Credential struct {
	Token       string
	AppID       string
	StartTimeMs int64
	EndTimeMs   int64
	Role        string
	CaseID      *int64
	ExpiresIn   time.Duration
}

// CredentialFetcher acquires a join credential for a session participant
type CredentialFetcher interface {
	Fetch(ctx context.Context, sessionID string, uid uint32) (*Credential, error)
}

// NoShowReporter records that the counterpart never joined a session
type NoShowReporter interface {
	ReportNoShow(ctx context.Context, sessionID string, uid uint32) error
}

// HTTPCredentialFetcher fetches credentials from the session service over
// its JSON API. It also implements NoShowReporter.
type HTTPCredentialFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCredentialFetcher creates a fetcher against the given session
// service base URL (scheme and host, no trailing slash). A nil client
// falls back to a 15-second-timeout default.
func NewHTTPCredentialFetcher(baseURL string, client *http.Client) *HTTPCredentialFetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPCredentialFetcher{baseURL: baseURL, client: client}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type credentialPayload struct {
	Token       string `json:"token"`
	AppID       string `json:"app_id"`
	StartTimeMs int64  `json:"start_time_ms"`
	EndTimeMs   int64  `json:"end_time_ms"`
	Role        string `json:"role"`
	CaseID      *int64 `json:"case_id"`
	ExpiresInS  int64  `json:"expires_in_seconds"`
}

// Fetch requests a credential for sessionID/uid. Schedule rejections come
// back as AppErrors carrying the server's error code, so callers can
// distinguish a not-yet-started session from an ended one.
func (f *HTTPCredentialFetcher) Fetch(ctx context.Context, sessionID string, uid uint32) (*Credential, error) {
	q := url.Values{}
	q.Set("session", sessionID)
	q.Set("uid", strconv.FormatUint(uint64(uid), 10))
	endpoint := f.baseURL + "/v1/sessions/token?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build credential request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch credential: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read credential response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode credential response: %w", err)
	}
	if !env.Success {
		return nil, decodeAPIError(env, resp.StatusCode)
	}

	var payload credentialPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode credential payload: %w", err)
	}
	if payload.Token == "" {
		return nil, apperrors.InternalError("credential response missing token")
	}

	return &Credential{
		Token:       payload.Token,
		AppID:       payload.AppID,
		StartTimeMs: payload.StartTimeMs,
		EndTimeMs:   payload.EndTimeMs,
		Role:        payload.Role,
		CaseID:      payload.CaseID,
		ExpiresIn:   time.Duration(payload.ExpiresInS) * time.Second,
	}, nil
}

// ReportNoShow posts a no-show report. The server replies 202 regardless
// of whether the report could be recorded.
func (f *HTTPCredentialFetcher) ReportNoShow(ctx context.Context, sessionID string, uid uint32) error {
	endpoint := fmt.Sprintf("%s/v1/sessions/%s/no-show", f.baseURL, url.PathEscape(sessionID))
	payload := fmt.Sprintf(`{"reporter_uid":%d}`, uid)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build no-show request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to report no-show: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("no-show report rejected with status %d", resp.StatusCode)
	}
	return nil
}

func decodeAPIError(env envelope, status int) error {
	if env.Error == nil {
		return apperrors.InternalError(fmt.Sprintf("credential request failed with status %d", status))
	}
	code := apperrors.ErrorCode(env.Error.Code)
	switch code {
	case apperrors.ErrCodeMeetingNotStarted:
		return apperrors.MeetingNotStartedError()
	case apperrors.ErrCodeMeetingEnded:
		return apperrors.MeetingEndedError()
	case apperrors.ErrCodeSessionNotFound:
		return apperrors.SessionNotFoundError()
	default:
		return apperrors.NewWithStatus(code, env.Error.Message, status)
	}
}
