package callclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "telecare-backend/pkg/errors"
)

func TestHTTPCredentialFetcher_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/token", r.URL.Path)
		assert.Equal(t, "s-abc", r.URL.Query().Get("session"))
		assert.Equal(t, "12345", r.URL.Query().Get("uid"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"token":              "signed-token",
				"app_id":             "app-1",
				"start_time_ms":      1700000000000,
				"end_time_ms":        1700003600000,
				"role":               "client",
				"expires_in_seconds": 1860,
			},
		})
	}))
	defer srv.Close()

	fetcher := NewHTTPCredentialFetcher(srv.URL, nil)
	cred, err := fetcher.Fetch(context.Background(), "s-abc", 12345)
	require.NoError(t, err)

	assert.Equal(t, "signed-token", cred.Token)
	assert.Equal(t, "app-1", cred.AppID)
	assert.Equal(t, int64(1700000000000), cred.StartTimeMs)
	assert.Equal(t, 1860*time.Second, cred.ExpiresIn)
	assert.Equal(t, "client", cred.Role)
	assert.Nil(t, cred.CaseID)
}

func TestHTTPCredentialFetcher_ScheduleRejection(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		wantCode apperrors.ErrorCode
	}{
		{"not started", "MEETING_NOT_STARTED", apperrors.ErrCodeMeetingNotStarted},
		{"ended", "MEETING_ENDED", apperrors.ErrCodeMeetingEnded},
		{"unknown session", "SESSION_NOT_FOUND", apperrors.ErrCodeSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]any{
					"success": false,
					"error":   map[string]string{"code": tt.code, "message": "rejected"},
				})
			}))
			defer srv.Close()

			fetcher := NewHTTPCredentialFetcher(srv.URL, nil)
			_, err := fetcher.Fetch(context.Background(), "s-abc", 1)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apperrors.CodeOf(err))
		})
	}
}

func TestHTTPCredentialFetcher_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	fetcher := NewHTTPCredentialFetcher(srv.URL, nil)
	_, err := fetcher.Fetch(context.Background(), "s-abc", 1)
	require.Error(t, err)
}

func TestHTTPCredentialFetcher_ReportNoShow(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	fetcher := NewHTTPCredentialFetcher(srv.URL, nil)
	require.NoError(t, fetcher.ReportNoShow(context.Background(), "s-abc", 77))

	assert.Equal(t, "/v1/sessions/s-abc/no-show", gotPath)
	assert.Equal(t, float64(77), gotBody["reporter_uid"])
}

func TestHTTPCredentialFetcher_ReportNoShowRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	fetcher := NewHTTPCredentialFetcher(srv.URL, nil)
	assert.Error(t, fetcher.ReportNoShow(context.Background(), "s-abc", 77))
}
