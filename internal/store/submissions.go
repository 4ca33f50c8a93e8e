package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dragstor/fraudgate/internal/fingerprint"
)

// Submission is the persisted, immutable record of an admitted form
// submission (§3).
type Submission struct {
	ID          int64     `json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
	FirstName   string    `json:"firstName"`
	LastName    string    `json:"lastName"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone,omitempty"`
	Address     string    `json:"address,omitempty"`
	DateOfBirth string    `json:"dateOfBirth,omitempty"`

	Meta fingerprint.Metadata `json:"fingerprint"`
}

// InsertSubmission inserts s and returns its generated ID. Submission rows
// are inserted before their corresponding validation row so the
// validation can reference the submission ID (§4.8 persistence ordering).
func (s *Store) InsertSubmission(ctx context.Context, sub Submission, now time.Time) (int64, error) {
	detectionIDs, err := json.Marshal(sub.Meta.DetectionIDs)
	if err != nil {
		return 0, fmt.Errorf("store: marshal detection ids: %w", err)
	}
	ja4Signals, err := json.Marshal(sub.Meta.JA4Signals)
	if err != nil {
		return 0, fmt.Errorf("store: marshal ja4 signals: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (
			created_at, first_name, last_name, email, phone, address, date_of_birth,
			remote_ip, country, region, city, asn, colo, http_protocol,
			tls_version, tls_cipher, bot_score, trust_score, verified_bot, js_detected,
			detection_ids, ja3_hash, ja4, ja4_signals, header_hash, ephemeral_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Normalize(now), sub.FirstName, sub.LastName, sub.Email, nullable(sub.Phone), nullable(sub.Address), nullable(sub.DateOfBirth),
		sub.Meta.RemoteIP, sub.Meta.Country, sub.Meta.Region, sub.Meta.City, sub.Meta.ASN, sub.Meta.Colo, sub.Meta.HTTPProtocol,
		sub.Meta.TLSVersion, sub.Meta.TLSCipher, sub.Meta.BotScore, sub.Meta.TrustScore, boolInt(sub.Meta.VerifiedBot), boolInt(sub.Meta.JSDetected),
		string(detectionIDs), sub.Meta.JA3Hash, sub.Meta.JA4, string(ja4Signals), nullable(sub.Meta.HeaderHash), nullable(sub.Meta.EphemeralID),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert submission: %w", err)
	}
	return res.LastInsertId()
}

// EmailUsedBy returns the number of prior admitted submissions using email,
// feeding the duplicateEmail deterministic trigger (§4.7): the same address
// behind several distinct identities is a common fraud pattern even when no
// single request looks risky on its own.
func (s *Store) EmailUsedBy(ctx context.Context, email string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE email = ?`, email).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: email usage count: %w", err)
	}
	return n, nil
}

// GetSubmission returns the full submission record for id.
func (s *Store) GetSubmission(ctx context.Context, id int64) (Submission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, first_name, last_name, email, phone, address, date_of_birth,
			remote_ip, country, region, city, asn, colo, http_protocol,
			tls_version, tls_cipher, bot_score, trust_score, verified_bot, js_detected,
			detection_ids, ja3_hash, ja4, ja4_signals, header_hash, ephemeral_id
		FROM submissions WHERE id = ?`, id)
	return scanSubmission(row)
}

func scanSubmission(row *sql.Row) (Submission, error) {
	var (
		sub                      Submission
		createdAt                string
		phone, address, dob      sql.NullString
		detectionIDs, ja4Signals string
		verifiedBot, jsDetected  int
		headerHash, ephemeralID  sql.NullString
	)
	err := row.Scan(
		&sub.ID, &createdAt, &sub.FirstName, &sub.LastName, &sub.Email, &phone, &address, &dob,
		&sub.Meta.RemoteIP, &sub.Meta.Country, &sub.Meta.Region, &sub.Meta.City, &sub.Meta.ASN, &sub.Meta.Colo, &sub.Meta.HTTPProtocol,
		&sub.Meta.TLSVersion, &sub.Meta.TLSCipher, &sub.Meta.BotScore, &sub.Meta.TrustScore, &verifiedBot, &jsDetected,
		&detectionIDs, &sub.Meta.JA3Hash, &sub.Meta.JA4, &ja4Signals, &headerHash, &ephemeralID,
	)
	if err != nil {
		return Submission{}, err
	}
	sub.CreatedAt, _ = time.ParseInLocation(sqlTimeFormat, createdAt, time.UTC)
	sub.Phone = phone.String
	sub.Address = address.String
	sub.DateOfBirth = dob.String
	sub.Meta.VerifiedBot = verifiedBot != 0
	sub.Meta.JSDetected = jsDetected != 0
	sub.Meta.HeaderHash = headerHash.String
	sub.Meta.EphemeralID = ephemeralID.String
	_ = json.Unmarshal([]byte(detectionIDs), &sub.Meta.DetectionIDs)
	_ = json.Unmarshal([]byte(ja4Signals), &sub.Meta.JA4Signals)
	return sub, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
