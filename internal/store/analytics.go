package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Stats is the aggregate summary served by GET /api/analytics/stats.
type Stats struct {
	TotalSubmissions  int     `json:"totalSubmissions"`
	TotalValidations  int     `json:"totalValidations"`
	SuccessRate       float64 `json:"successRate"` // validations with success=true / total validations
	AdmitRate         float64 `json:"admitRate"`   // validations with allowed=true / total validations
	AverageRiskScore  float64 `json:"averageRiskScore"`
	UniqueDeviceCount int     `json:"uniqueDeviceCount"`
}

// Stats computes the top-level analytics summary (§4.10, GET /api/analytics/stats).
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions`).Scan(&out.TotalSubmissions); err != nil {
		return Stats{}, fmt.Errorf("store: stats total submissions: %w", err)
	}

	var totalValidations, successCount, allowedCount int
	var avgScore float64
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN allowed = 1 THEN 1 ELSE 0 END),
			COALESCE(AVG(risk_score), 0)
		FROM turnstile_validations`)
	if err := row.Scan(&totalValidations, &successCount, &allowedCount, &avgScore); err != nil {
		return Stats{}, fmt.Errorf("store: stats validations: %w", err)
	}
	out.TotalValidations = totalValidations
	out.AverageRiskScore = avgScore
	if totalValidations > 0 {
		out.SuccessRate = float64(successCount) / float64(totalValidations)
		out.AdmitRate = float64(allowedCount) / float64(totalValidations)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT ephemeral_id) FROM turnstile_validations WHERE ephemeral_id IS NOT NULL AND ephemeral_id <> ''
	`).Scan(&out.UniqueDeviceCount); err != nil {
		return Stats{}, fmt.Errorf("store: stats unique devices: %w", err)
	}
	return out, nil
}

// CountryCount is one row of the top-20 country breakdown.
type CountryCount struct {
	Country string `json:"country"`
	Count   int    `json:"count"`
}

// TopCountries returns the top-20 countries by submission count (§4.10,
// GET /api/analytics/countries).
func (s *Store) TopCountries(ctx context.Context) ([]CountryCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT country, COUNT(*) AS cnt FROM submissions
		WHERE country IS NOT NULL AND country <> ''
		GROUP BY country ORDER BY cnt DESC LIMIT 20`)
	if err != nil {
		return nil, fmt.Errorf("store: top countries: %w", err)
	}
	defer rows.Close()
	out := []CountryCount{}
	for rows.Next() {
		var c CountryCount
		if err := rows.Scan(&c.Country, &c.Count); err != nil {
			return nil, fmt.Errorf("store: scan country count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// BotScoreBucket is one bucket of the five-bucket bot-score histogram.
type BotScoreBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// botScoreBuckets defines the five fixed buckets from §6.
var botScoreBuckets = []struct {
	label    string
	min, max int
}{
	{"0-29", 0, 29},
	{"30-49", 30, 49},
	{"50-69", 50, 69},
	{"70-89", 70, 89},
	{"90-100", 90, 100},
}

// BotScoreHistogram computes the five-bucket bot-score histogram over
// submissions (§6, GET /api/analytics/bot-scores).
func (s *Store) BotScoreHistogram(ctx context.Context) ([]BotScoreBucket, error) {
	out := make([]BotScoreBucket, 0, len(botScoreBuckets))
	for _, b := range botScoreBuckets {
		var n int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM submissions WHERE bot_score >= ? AND bot_score <= ?`, b.min, b.max).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("store: bot score histogram %s: %w", b.label, err)
		}
		out = append(out, BotScoreBucket{Label: b.label, Count: n})
	}
	return out, nil
}

// SubmissionFilter is the filter set shared by the paged listing and the
// export endpoint (§6).
type SubmissionFilter struct {
	Search       string
	Countries    []string
	BotScoreMin  *int
	BotScoreMax  *int
	StartDate    *time.Time
	EndDate      *time.Time
	Allowed      *bool // filters the joined validation's allowed flag
	VerifiedBot  *bool
	JSDetected   *bool

	Limit     int
	Offset    int
	SortBy    string // "created_at" | "risk_score" | "bot_score"
	SortOrder string // "asc" | "desc"
}

// SubmissionListItem is one row of the paged listing / export, joining a
// submission with its admitting validation's risk score when present.
type SubmissionListItem struct {
	Submission
	Allowed   *bool    `json:"allowed,omitempty"`
	RiskScore *float64 `json:"riskScore,omitempty"`
}

var allowedSortColumns = map[string]string{
	"created_at": "s.created_at",
	"risk_score": "v.risk_score",
	"bot_score":  "s.bot_score",
}

// ListSubmissions returns a filtered, sorted, paged listing of submissions
// joined with their validation outcome (§6, GET /api/analytics/submissions
// and the export endpoint share this query).
func (s *Store) ListSubmissions(ctx context.Context, f SubmissionFilter) ([]SubmissionListItem, error) {
	where, args := buildSubmissionWhere(f)

	sortCol, ok := allowedSortColumns[f.SortBy]
	if !ok {
		sortCol = "s.created_at"
	}
	order := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		order = "ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT s.id, s.created_at, s.first_name, s.last_name, s.email, s.phone, s.address, s.date_of_birth,
			s.remote_ip, s.country, s.region, s.city, s.asn, s.colo, s.http_protocol,
			s.tls_version, s.tls_cipher, s.bot_score, s.trust_score, s.verified_bot, s.js_detected,
			s.detection_ids, s.ja3_hash, s.ja4, s.ja4_signals, s.header_hash, s.ephemeral_id,
			v.allowed, v.risk_score
		FROM submissions s
		LEFT JOIN turnstile_validations v ON v.submission_id = s.id
		%s
		ORDER BY %s %s
		LIMIT ? OFFSET ?`, where, sortCol, order)

	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list submissions: %w", err)
	}
	defer rows.Close()

	out := []SubmissionListItem{}
	for rows.Next() {
		item, err := scanListItem(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan submission list item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanListItem(row scanner) (SubmissionListItem, error) {
	var (
		item                     SubmissionListItem
		createdAt                string
		phone, address, dob      sql.NullString
		detectionIDs, ja4Signals string
		verifiedBot, jsDetected  int
		headerHash, ephemeralID  sql.NullString
		allowed                  sql.NullBool
		riskScore                sql.NullFloat64
	)
	err := row.Scan(
		&item.ID, &createdAt, &item.FirstName, &item.LastName, &item.Email, &phone, &address, &dob,
		&item.Meta.RemoteIP, &item.Meta.Country, &item.Meta.Region, &item.Meta.City, &item.Meta.ASN, &item.Meta.Colo, &item.Meta.HTTPProtocol,
		&item.Meta.TLSVersion, &item.Meta.TLSCipher, &item.Meta.BotScore, &item.Meta.TrustScore, &verifiedBot, &jsDetected,
		&detectionIDs, &item.Meta.JA3Hash, &item.Meta.JA4, &ja4Signals, &headerHash, &ephemeralID,
		&allowed, &riskScore,
	)
	if err != nil {
		return SubmissionListItem{}, err
	}
	item.CreatedAt, _ = time.ParseInLocation(sqlTimeFormat, createdAt, time.UTC)
	item.Phone = phone.String
	item.Address = address.String
	item.DateOfBirth = dob.String
	item.Meta.VerifiedBot = verifiedBot != 0
	item.Meta.JSDetected = jsDetected != 0
	item.Meta.HeaderHash = headerHash.String
	item.Meta.EphemeralID = ephemeralID.String
	_ = json.Unmarshal([]byte(detectionIDs), &item.Meta.DetectionIDs)
	_ = json.Unmarshal([]byte(ja4Signals), &item.Meta.JA4Signals)
	if allowed.Valid {
		v := allowed.Bool
		item.Allowed = &v
	}
	if riskScore.Valid {
		v := riskScore.Float64
		item.RiskScore = &v
	}
	return item, nil
}

func buildSubmissionWhere(f SubmissionFilter) (string, []interface{}) {
	clauses := []string{}
	args := []interface{}{}

	if f.Search != "" {
		clauses = append(clauses, "(s.email LIKE ? OR s.first_name LIKE ? OR s.last_name LIKE ?)")
		like := "%" + f.Search + "%"
		args = append(args, like, like, like)
	}
	if len(f.Countries) > 0 {
		placeholders := make([]string, len(f.Countries))
		for i, c := range f.Countries {
			placeholders[i] = "?"
			args = append(args, c)
		}
		clauses = append(clauses, "s.country IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.BotScoreMin != nil {
		clauses = append(clauses, "s.bot_score >= ?")
		args = append(args, *f.BotScoreMin)
	}
	if f.BotScoreMax != nil {
		clauses = append(clauses, "s.bot_score <= ?")
		args = append(args, *f.BotScoreMax)
	}
	if f.StartDate != nil {
		clauses = append(clauses, "s.created_at >= ?")
		args = append(args, Normalize(*f.StartDate))
	}
	if f.EndDate != nil {
		clauses = append(clauses, "s.created_at <= ?")
		args = append(args, Normalize(*f.EndDate))
	}
	if f.Allowed != nil {
		clauses = append(clauses, "v.allowed = ?")
		args = append(args, boolInt(*f.Allowed))
	}
	if f.VerifiedBot != nil {
		clauses = append(clauses, "s.verified_bot = ?")
		args = append(args, boolInt(*f.VerifiedBot))
	}
	if f.JSDetected != nil {
		clauses = append(clauses, "s.js_detected = ?")
		args = append(args, boolInt(*f.JSDetected))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// BlockedValidation is one row of the "recent blocked validations" listing
// used by the dashboard alongside submissions.
type BlockedValidation struct {
	Validation
}

// ListBlockedValidations returns recent validations with allowed=false,
// most recent first.
func (s *Store) ListBlockedValidations(ctx context.Context, limit, offset int) ([]Validation, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token_hash, success, allowed, block_reason, challenge_ts, hostname, action,
			ephemeral_id, risk_score, error_codes, submission_id, created_at,
			remote_ip, country, region, city, asn, colo, http_protocol,
			tls_version, tls_cipher, bot_score, trust_score, verified_bot, js_detected,
			detection_ids, ja3_hash, ja4, ja4_signals, header_hash
		FROM turnstile_validations
		WHERE allowed = 0
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list blocked validations: %w", err)
	}
	defer rows.Close()

	out := []Validation{}
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan blocked validation: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
