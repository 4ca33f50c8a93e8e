// Package httpapi wires the admission controller and the analytics service
// to gorilla/mux routes (§6), the same router library virtengine's
// provider_daemon package uses for its offering-management API.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dragstor/fraudgate/internal/admission"
	"github.com/dragstor/fraudgate/internal/analytics"
	"github.com/dragstor/fraudgate/internal/fingerprint"
	"github.com/dragstor/fraudgate/internal/validate"
)

// Server bundles the HTTP handlers and their collaborators.
type Server struct {
	admission *admission.Controller
	analytics *analytics.Service
	apiKey    string
	log       zerolog.Logger
}

// New builds a Server. apiKey gates every /api/analytics/* route.
func New(ctrl *admission.Controller, analyticsSvc *analytics.Service, apiKey string, log zerolog.Logger) *Server {
	return &Server{admission: ctrl, analytics: analyticsSvc, apiKey: apiKey, log: log.With().Str("component", "httpapi").Logger()}
}

// Router builds the full route table (§6).
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)

	r.HandleFunc("/api/submissions", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/geo", s.handleGeo).Methods(http.MethodGet)

	analyticsRouter := r.PathPrefix("/api/analytics").Subrouter()
	analyticsRouter.Use(s.requireAPIKey)
	analyticsRouter.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	analyticsRouter.HandleFunc("/submissions", s.handleListSubmissions).Methods(http.MethodGet)
	analyticsRouter.HandleFunc("/submissions/{id}", s.handleGetSubmission).Methods(http.MethodGet)
	analyticsRouter.HandleFunc("/countries", s.handleCountries).Methods(http.MethodGet)
	analyticsRouter.HandleFunc("/bot-scores", s.handleBotScores).Methods(http.MethodGet)
	analyticsRouter.HandleFunc("/export", s.handleExport).Methods(http.MethodGet)

	return r
}

type requestIDKey struct{}

// requestIDMiddleware stamps every request with a correlation ID, the way
// fluxbase and virtengine thread a google/uuid value through their request
// lifecycle for log correlation.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// requireAPIKey enforces the shared X-API-KEY header on analytics routes (§6).
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-API-KEY")
		if s.apiKey == "" || !constantTimeEqual(presented, s.apiKey) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// submissionRequest is the JSON request body for POST /api/submissions.
type submissionRequest struct {
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	Address        string `json:"address"`
	DateOfBirth    string `json:"dateOfBirth"`
	TurnstileToken string `json:"turnstileToken"`
	JSDetected     bool   `json:"jsDetected"`
}

// submissionResponse is the shared shape for every /api/submissions outcome (§6).
type submissionResponse struct {
	Success      bool   `json:"success"`
	SubmissionID *int64 `json:"submissionId,omitempty"`
	Message      string `json:"message"`
	UserMessage  string `json:"userMessage,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submissionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "Validation failed",
			"details": []validate.FieldError{{Field: "body", Message: "malformed JSON"}},
		})
		return
	}

	outcome := s.admission.Admit(r.Context(), admission.Request{
		HTTP: r,
		Form: validate.Input{
			FirstName:    body.FirstName,
			LastName:     body.LastName,
			Email:        body.Email,
			Phone:        body.Phone,
			Address:      body.Address,
			DateOfBirth:  body.DateOfBirth,
			CaptchaToken: body.TurnstileToken,
		},
		Edge:               edgeFromHeaders(r),
		JSDetected:         body.JSDetected,
		PresentedBypassKey: r.Header.Get("X-API-KEY"),
	})

	if len(outcome.ValidationErrors) > 0 {
		writeJSON(w, outcome.StatusCode, map[string]interface{}{
			"error":   outcome.Message,
			"details": outcome.ValidationErrors,
		})
		return
	}

	if outcome.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(outcome.RetryAfterSeconds))
	}
	writeJSON(w, outcome.StatusCode, submissionResponse{
		Success:      outcome.Success,
		SubmissionID: outcome.SubmissionID,
		Message:      outcome.Message,
		UserMessage:  outcome.UserMessage,
	})
}

// edgeFromHeaders builds the trusted edge bundle from reverse-proxy headers.
// In production these headers are stripped and re-set by the trusted edge
// layer in front of this service, never accepted verbatim from the public
// internet (§4.1's non-goal of re-implementing edge trust itself).
func edgeFromHeaders(r *http.Request) fingerprint.Edge {
	return fingerprint.Edge{
		Country:    r.Header.Get("cf-ipcountry"),
		ASN:        r.Header.Get("x-edge-asn"),
		Colo:       r.Header.Get("x-edge-colo"),
		TLSVersion: r.Header.Get("x-edge-tls-version"),
		TLSCipher:  r.Header.Get("x-edge-tls-cipher"),
		BotScore:   atoiOr(r.Header.Get("x-edge-bot-score"), 0),
		TrustScore: atoiOr(r.Header.Get("x-edge-trust-score"), 0),
		JA3Hash:    r.Header.Get("x-edge-ja3"),
		JA4:        r.Header.Get("x-edge-ja4"),
	}
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleGeo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"countryCode": r.Header.Get("cf-ipcountry")})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
