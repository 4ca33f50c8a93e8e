package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dragstor/fraudgate/internal/fingerprint"
)

// Validation is the persisted record of one CAPTCHA verification attempt,
// success or failure, admitted or rejected (§3). Immutable after insert.
type Validation struct {
	ID           int64     `json:"id"`
	TokenHash    string    `json:"-"`
	Success      bool      `json:"success"`
	Allowed      bool      `json:"allowed"`
	BlockReason  string    `json:"blockReason,omitempty"`
	ChallengeTS  string    `json:"challengeTs,omitempty"`
	Hostname     string    `json:"hostname,omitempty"`
	Action       string    `json:"action,omitempty"`
	EphemeralID  string    `json:"ephemeralId,omitempty"`
	RiskScore    float64   `json:"riskScore"`
	ErrorCodes   []string  `json:"errorCodes,omitempty"`
	SubmissionID *int64    `json:"submissionId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`

	Meta fingerprint.Metadata `json:"fingerprint"`
}

// ErrDuplicateToken is returned when an insert collides with the unique
// index on token_hash — i.e. a genuine replay raced the lookup.
var ErrDuplicateToken = errors.New("store: token hash already recorded")

// InsertValidation inserts v. The database's UNIQUE index on token_hash is
// the system's sole replay guard (§3 invariants): concurrent attempts
// sharing a token serialize here, and the loser gets ErrDuplicateToken.
func (s *Store) InsertValidation(ctx context.Context, v Validation, now time.Time) (int64, error) {
	errorCodes, err := json.Marshal(v.ErrorCodes)
	if err != nil {
		return 0, fmt.Errorf("store: marshal error codes: %w", err)
	}
	detectionIDs, err := json.Marshal(v.Meta.DetectionIDs)
	if err != nil {
		return 0, fmt.Errorf("store: marshal detection ids: %w", err)
	}
	ja4Signals, err := json.Marshal(v.Meta.JA4Signals)
	if err != nil {
		return 0, fmt.Errorf("store: marshal ja4 signals: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO turnstile_validations (
			token_hash, success, allowed, block_reason, challenge_ts, hostname, action,
			ephemeral_id, risk_score, error_codes, submission_id, created_at,
			remote_ip, country, region, city, asn, colo, http_protocol,
			tls_version, tls_cipher, bot_score, trust_score, verified_bot, js_detected,
			detection_ids, ja3_hash, ja4, ja4_signals, header_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.TokenHash, boolInt(v.Success), boolInt(v.Allowed), nullable(v.BlockReason), nullable(v.ChallengeTS), nullable(v.Hostname), nullable(v.Action),
		nullable(v.EphemeralID), v.RiskScore, string(errorCodes), v.SubmissionID, Normalize(now),
		v.Meta.RemoteIP, v.Meta.Country, v.Meta.Region, v.Meta.City, v.Meta.ASN, v.Meta.Colo, v.Meta.HTTPProtocol,
		v.Meta.TLSVersion, v.Meta.TLSCipher, v.Meta.BotScore, v.Meta.TrustScore, boolInt(v.Meta.VerifiedBot), boolInt(v.Meta.JSDetected),
		string(detectionIDs), v.Meta.JA3Hash, v.Meta.JA4, string(ja4Signals), nullable(v.Meta.HeaderHash),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateToken
		}
		return 0, fmt.Errorf("store: insert validation: %w", err)
	}
	return res.LastInsertId()
}

// TokenReused reports whether tokenHash already appears in
// turnstile_validations — the replay guard's read path (§4.6 signal 1).
// Fail-secure: callers treat a query error as "reused" (§4.8 step 3, §7).
func (s *Store) TokenReused(ctx context.Context, tokenHash string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turnstile_validations WHERE token_hash = ?`, tokenHash).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: token replay lookup: %w", err)
	}
	return count >= 1, nil
}

// scanValidation scans one row shaped like the SELECT list in
// ListBlockedValidations into a Validation.
func scanValidation(row scanner) (Validation, error) {
	var (
		v                                  Validation
		createdAt                          string
		blockReason, challengeTS, hostname sql.NullString
		action, ephemeralID                sql.NullString
		errorCodes                         string
		submissionID                       sql.NullInt64
		detectionIDs, ja4Signals           string
		verifiedBot, jsDetected            int
		headerHash                         sql.NullString
	)
	err := row.Scan(
		&v.ID, &v.TokenHash, new(boolScanner).bind(&v.Success), new(boolScanner).bind(&v.Allowed), &blockReason, &challengeTS, &hostname, &action,
		&ephemeralID, &v.RiskScore, &errorCodes, &submissionID, &createdAt,
		&v.Meta.RemoteIP, &v.Meta.Country, &v.Meta.Region, &v.Meta.City, &v.Meta.ASN, &v.Meta.Colo, &v.Meta.HTTPProtocol,
		&v.Meta.TLSVersion, &v.Meta.TLSCipher, &v.Meta.BotScore, &v.Meta.TrustScore, &verifiedBot, &jsDetected,
		&detectionIDs, &v.Meta.JA3Hash, &v.Meta.JA4, &ja4Signals, &headerHash,
	)
	if err != nil {
		return Validation{}, err
	}
	v.CreatedAt, _ = time.ParseInLocation(sqlTimeFormat, createdAt, time.UTC)
	v.BlockReason = blockReason.String
	v.ChallengeTS = challengeTS.String
	v.Hostname = hostname.String
	v.Action = action.String
	v.EphemeralID = ephemeralID.String
	v.Meta.VerifiedBot = verifiedBot != 0
	v.Meta.JSDetected = jsDetected != 0
	v.Meta.HeaderHash = headerHash.String
	if submissionID.Valid {
		id := submissionID.Int64
		v.SubmissionID = &id
	}
	_ = json.Unmarshal([]byte(errorCodes), &v.ErrorCodes)
	_ = json.Unmarshal([]byte(detectionIDs), &v.Meta.DetectionIDs)
	_ = json.Unmarshal([]byte(ja4Signals), &v.Meta.JA4Signals)
	return v, nil
}

// boolScanner adapts SQLite's INTEGER 0/1 columns to a *bool destination.
type boolScanner struct {
	dst *bool
}

func (b *boolScanner) bind(dst *bool) *boolScanner {
	b.dst = dst
	return b
}

func (b *boolScanner) Scan(src interface{}) error {
	switch v := src.(type) {
	case int64:
		*b.dst = v != 0
	case bool:
		*b.dst = v
	case nil:
		*b.dst = false
	default:
		return fmt.Errorf("store: unsupported bool scan source %T", src)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// mattn/go-sqlite3 reports unique violations with this substring in
	// the error message; there is no typed sentinel to assert against
	// without importing the driver's internal error type.
	return err != nil && (containsFold(err.Error(), "UNIQUE constraint failed") || containsFold(err.Error(), "constraint failed: UNIQUE"))
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	// small case-sensitive substring search is sufficient here: sqlite3's
	// message casing is stable ("UNIQUE constraint failed: ...").
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// DeviceSubmissionCount24h counts submissions in the last 24h keyed by
// ephemeral_id (§4.6 signal 3), not including the current attempt.
func (s *Store) DeviceSubmissionCount24h(ctx context.Context, ephemeralID string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM submissions
		WHERE ephemeral_id = ? AND created_at >= ?`,
		ephemeralID, Normalize(now.Add(-24*time.Hour)),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: device submission count: %w", err)
	}
	return n, nil
}

// DeviceValidationCount1h counts validations in the last 1h keyed by
// ephemeral_id (§4.6 signal 4), not including the current attempt.
func (s *Store) DeviceValidationCount1h(ctx context.Context, ephemeralID string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM turnstile_validations
		WHERE ephemeral_id = ? AND created_at >= ?`,
		ephemeralID, Normalize(now.Add(-1*time.Hour)),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: device validation count: %w", err)
	}
	return n, nil
}

// UniqueIPCount24h returns COUNT(DISTINCT remote_ip) over the UNION of
// submissions and validations in the last 24h for ephemeralID (§4.6
// signal 5).
func (s *Store) UniqueIPCount24h(ctx context.Context, ephemeralID string, now time.Time) (int, error) {
	var n int
	since := Normalize(now.Add(-24 * time.Hour))
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT remote_ip) FROM (
			SELECT remote_ip FROM submissions WHERE ephemeral_id = ? AND created_at >= ?
			UNION
			SELECT remote_ip FROM turnstile_validations WHERE ephemeral_id = ? AND created_at >= ?
		)`,
		ephemeralID, since, ephemeralID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: unique ip count: %w", err)
	}
	return n, nil
}

// IPSubmissionCount1h counts submissions from ip in the last hour (§4.6
// signal 7, the IP-rate input).
func (s *Store) IPSubmissionCount1h(ctx context.Context, ip string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM submissions
		WHERE remote_ip = ? AND created_at >= ?`,
		ip, Normalize(now.Add(-1*time.Hour)),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: ip submission count: %w", err)
	}
	return n, nil
}

// DistinctJA4Count24h returns the number of distinct JA4 fingerprints seen
// for key (ephemeral_id or remote_ip) in the last 24h, across both tables
// (§4.6.1 input 1).
func (s *Store) DistinctJA4Count24h(ctx context.Context, ephemeralID, ip string, now time.Time) (int, error) {
	var n int
	since := Normalize(now.Add(-24 * time.Hour))
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT ja4) FROM (
			SELECT ja4 FROM submissions WHERE (ephemeral_id = ? OR remote_ip = ?) AND created_at >= ? AND ja4 <> ''
			UNION
			SELECT ja4 FROM turnstile_validations WHERE (ephemeral_id = ? OR remote_ip = ?) AND created_at >= ? AND ja4 <> ''
		)`,
		ephemeralID, ip, since, ephemeralID, ip, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: distinct ja4 count: %w", err)
	}
	return n, nil
}

// JA4Observation is one (timestamp, JA4) pair used to detect fingerprint
// hopping over time.
type JA4Observation struct {
	At  time.Time
	JA4 string
}

// RecentJA4Observations returns (timestamp, ja4) pairs for key in the last
// 24h, ascending by time, used to detect time-clustered switching (≥2
// distinct JA4s in <5 min, §4.6.1 input 2) and switching rate.
func (s *Store) RecentJA4Observations(ctx context.Context, ephemeralID, ip string, now time.Time) ([]JA4Observation, error) {
	since := Normalize(now.Add(-24 * time.Hour))
	rows, err := s.db.QueryContext(ctx, `
		SELECT created_at, ja4 FROM (
			SELECT created_at, ja4 FROM submissions WHERE (ephemeral_id = ? OR remote_ip = ?) AND created_at >= ? AND ja4 <> ''
			UNION ALL
			SELECT created_at, ja4 FROM turnstile_validations WHERE (ephemeral_id = ? OR remote_ip = ?) AND created_at >= ? AND ja4 <> ''
		) ORDER BY created_at ASC`,
		ephemeralID, ip, since, ephemeralID, ip, since,
	)
	if err != nil {
		return nil, fmt.Errorf("store: recent ja4 observations: %w", err)
	}
	defer rows.Close()
	var out []JA4Observation
	for rows.Next() {
		var ts, ja4 string
		if err := rows.Scan(&ts, &ja4); err != nil {
			return nil, fmt.Errorf("store: scan ja4 observation: %w", err)
		}
		t, err := time.ParseInLocation(sqlTimeFormat, ts, time.UTC)
		if err != nil {
			continue
		}
		out = append(out, JA4Observation{At: t, JA4: ja4})
	}
	return out, rows.Err()
}

// SeenTLSCombos returns the set of "tlsVersion|tlsCipher" combinations
// previously observed for ja4, across both tables and with no time limit
// (§4.6 signal 9, TLS anomaly).
func (s *Store) SeenTLSCombos(ctx context.Context, ja4 string) (map[string]bool, error) {
	if ja4 == "" {
		return map[string]bool{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tls_version, tls_cipher FROM (
			SELECT tls_version, tls_cipher FROM submissions WHERE ja4 = ?
			UNION
			SELECT tls_version, tls_cipher FROM turnstile_validations WHERE ja4 = ?
		)`, ja4, ja4)
	if err != nil {
		return nil, fmt.Errorf("store: seen tls combos: %w", err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var version, cipher sql.NullString
		if err := rows.Scan(&version, &cipher); err != nil {
			return nil, fmt.Errorf("store: scan tls combo: %w", err)
		}
		out[version.String+"|"+cipher.String] = true
	}
	return out, rows.Err()
}

// HeaderStackReuseCount counts the distinct IPs and distinct JA4s that have
// shared headerHash in the last window (§4.6 signal 8): the same
// client-tooling header stack showing up from many addresses or many TLS
// fingerprints is a sign of distributed, scripted submission.
func (s *Store) HeaderStackReuseCount(ctx context.Context, headerHash string, now time.Time, window time.Duration) (distinctIPs, distinctJA4s int, err error) {
	if headerHash == "" {
		return 0, 0, nil
	}
	since := Normalize(now.Add(-window))
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT remote_ip), COUNT(DISTINCT ja4) FROM (
			SELECT remote_ip, ja4 FROM submissions WHERE header_hash = ? AND created_at >= ?
			UNION ALL
			SELECT remote_ip, ja4 FROM turnstile_validations WHERE header_hash = ? AND created_at >= ?
		)`, headerHash, since, headerHash, since).Scan(&distinctIPs, &distinctJA4s)
	if err != nil {
		return 0, 0, fmt.Errorf("store: header stack reuse count: %w", err)
	}
	return distinctIPs, distinctJA4s, nil
}
