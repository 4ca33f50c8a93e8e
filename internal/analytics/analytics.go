// Package analytics is the read-only business-logic layer over the event
// store's aggregate queries (§4.10): it parses the HTTP query parameters
// into a store.SubmissionFilter and renders results into the shapes the
// HTTP layer serializes, without ever writing to the store.
package analytics

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dragstor/fraudgate/internal/store"
)

// Service wraps the store's analytics queries.
type Service struct {
	store *store.Store
}

// New builds a Service backed by st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// Stats returns the top-level summary (§6, GET /api/analytics/stats).
func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	return s.store.Stats(ctx)
}

// TopCountries returns the top-20 country breakdown (§6, GET /api/analytics/countries).
func (s *Service) TopCountries(ctx context.Context) ([]store.CountryCount, error) {
	return s.store.TopCountries(ctx)
}

// BotScoreHistogram returns the five-bucket bot-score histogram (§6, GET
// /api/analytics/bot-scores).
func (s *Service) BotScoreHistogram(ctx context.Context) ([]store.BotScoreBucket, error) {
	return s.store.BotScoreHistogram(ctx)
}

// Submission returns one submission by ID (§6, GET /api/analytics/submissions/:id).
func (s *Service) Submission(ctx context.Context, id int64) (store.Submission, error) {
	return s.store.GetSubmission(ctx, id)
}

// ListSubmissions parses q into a filter and returns the paged listing
// (§6, GET /api/analytics/submissions and the export endpoint).
func (s *Service) ListSubmissions(ctx context.Context, q url.Values) ([]store.SubmissionListItem, error) {
	filter, err := parseFilter(q)
	if err != nil {
		return nil, err
	}
	return s.store.ListSubmissions(ctx, filter)
}

// BlockedValidations returns recent rejected validations (§6 dashboard support).
func (s *Service) BlockedValidations(ctx context.Context, limit, offset int) ([]store.Validation, error) {
	return s.store.ListBlockedValidations(ctx, limit, offset)
}

const dateLayout = "2006-01-02"

// parseFilter translates the query parameters shared by the listing and
// export endpoints (§6) into a store.SubmissionFilter.
func parseFilter(q url.Values) (store.SubmissionFilter, error) {
	var f store.SubmissionFilter

	f.Search = strings.TrimSpace(q.Get("search"))
	if countries := q.Get("countries"); countries != "" {
		for _, c := range strings.Split(countries, ",") {
			if c = strings.TrimSpace(c); c != "" {
				f.Countries = append(f.Countries, c)
			}
		}
	}

	if v, err := parseOptionalInt(q.Get("botScoreMin")); err != nil {
		return f, err
	} else {
		f.BotScoreMin = v
	}
	if v, err := parseOptionalInt(q.Get("botScoreMax")); err != nil {
		return f, err
	} else {
		f.BotScoreMax = v
	}

	if v, err := parseOptionalDate(q.Get("startDate")); err != nil {
		return f, err
	} else {
		f.StartDate = v
	}
	if v, err := parseOptionalDate(q.Get("endDate")); err != nil {
		return f, err
	} else {
		f.EndDate = v
	}

	if v, err := parseOptionalBool(q.Get("allowed")); err != nil {
		return f, err
	} else {
		f.Allowed = v
	}
	if v, err := parseOptionalBool(q.Get("fingerprintVerifiedBot")); err != nil {
		return f, err
	} else {
		f.VerifiedBot = v
	}
	if v, err := parseOptionalBool(q.Get("fingerprintJsDetected")); err != nil {
		return f, err
	} else {
		f.JSDetected = v
	}

	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	f.SortBy = q.Get("sortBy")
	f.SortOrder = q.Get("sortOrder")

	return f, nil
}

func parseOptionalInt(raw string) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func parseOptionalBool(raw string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func parseOptionalDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
