package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dragstor/fraudgate/internal/admission"
	"github.com/dragstor/fraudgate/internal/analytics"
	"github.com/dragstor/fraudgate/internal/blacklist"
	"github.com/dragstor/fraudgate/internal/captcha"
	"github.com/dragstor/fraudgate/internal/config"
	"github.com/dragstor/fraudgate/internal/risk"
	"github.com/dragstor/fraudgate/internal/signals"
	"github.com/dragstor/fraudgate/internal/store"
)

type alwaysValidVerifier struct{}

func (alwaysValidVerifier) VerifyWithKey(ctx context.Context, token, remoteIP, presentedKey string) (captcha.Result, error) {
	return captcha.Result{Valid: true, EphemeralID: "device-http-1"}, nil
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open("sqlite3", ":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Defaults()
	bl := blacklist.New(st, cfg.Timeouts)
	collector := signals.New(st, nil, nil, cfg.Detection, zerolog.Nop())
	scorer := risk.New(cfg.Risk, cfg.Detection)
	ctrl := admission.New(st, alwaysValidVerifier{}, bl, collector, scorer, cfg, zerolog.Nop())
	analyticsSvc := analytics.New(st)

	return New(ctrl, analyticsSvc, "test-api-key", zerolog.Nop()), st
}

func TestHandleSubmitAcceptsValidSubmission(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]string{
		"firstName": "Ada", "lastName": "Lovelace", "email": "ada@example.com", "turnstileToken": "tok-1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/submissions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp submissionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotNil(t, resp.SubmissionID)
}

func TestHandleSubmitRejectsMalformedJSON(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/submissions", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSubmitReportsValidationErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]string{
		"firstName": "Ada", "lastName": "Lovelace", "email": "not-an-email", "turnstileToken": "tok-1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/submissions", bytes.NewReader(body))
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "Validation failed", resp["error"])
	require.NotEmpty(t, resp["details"])
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestHandleGeoReflectsCountryHeader(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/geo", nil)
	req.Header.Set("cf-ipcountry", "US")
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "US", resp["countryCode"])
}

func TestAnalyticsRoutesRequireAPIKey(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/analytics/stats", nil)
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAnalyticsStatsWithValidAPIKey(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/analytics/stats", nil)
	req.Header.Set("X-API-KEY", "test-api-key")
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAnalyticsExportCSV(t *testing.T) {
	srv, _ := newTestServer(t)

	// Seed one submission through the public endpoint first.
	body, _ := json.Marshal(map[string]string{
		"firstName": "Ada", "lastName": "Lovelace", "email": "ada@example.com", "turnstileToken": "tok-export",
	})
	submitReq := httptest.NewRequest(http.MethodPost, "/api/submissions", bytes.NewReader(body))
	srv.Router().ServeHTTP(httptest.NewRecorder(), submitReq)

	req := httptest.NewRequest(http.MethodGet, "/api/analytics/export?format=csv", nil)
	req.Header.Set("X-API-KEY", "test-api-key")
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	require.Contains(t, w.Body.String(), "ada@example.com")
}

func TestAnalyticsGetSubmissionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/analytics/submissions/999", nil)
	req.Header.Set("X-API-KEY", "test-api-key")
	w := httptest.NewRecorder()

	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}
