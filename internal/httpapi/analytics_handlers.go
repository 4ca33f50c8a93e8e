package httpapi

import (
	"encoding/csv"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/dragstor/fraudgate/internal/store"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.analytics.Stats(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("stats query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	countries, err := s.analytics.TopCountries(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("countries query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, countries)
}

func (s *Server) handleBotScores(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.analytics.BotScoreHistogram(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("bot score histogram query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	items, err := s.analytics.ListSubmissions(r.Context(), r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid filter parameters"})
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	idParam := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(idParam, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	sub, err := s.analytics.Submission(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleExport serves GET /api/analytics/export, honoring the same filter
// set as the paged listing, in either JSON (default) or CSV (?format=csv).
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	items, err := s.analytics.ListSubmissions(r.Context(), r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid filter parameters"})
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		writeCSV(w, items)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func writeCSV(w http.ResponseWriter, items []store.SubmissionListItem) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="submissions.csv"`)

	cw := csv.NewWriter(w)
	defer cw.Flush()

	_ = cw.Write([]string{"id", "created_at", "first_name", "last_name", "email", "country", "bot_score", "allowed", "risk_score"})
	for _, item := range items {
		allowed := ""
		if item.Allowed != nil {
			allowed = strconv.FormatBool(*item.Allowed)
		}
		riskScore := ""
		if item.RiskScore != nil {
			riskScore = strconv.FormatFloat(*item.RiskScore, 'f', 1, 64)
		}
		_ = cw.Write([]string{
			strconv.FormatInt(item.ID, 10),
			item.CreatedAt.Format("2006-01-02 15:04:05"),
			item.FirstName,
			item.LastName,
			item.Email,
			item.Meta.Country,
			strconv.Itoa(item.Meta.BotScore),
			allowed,
			riskScore,
		})
	}
}
