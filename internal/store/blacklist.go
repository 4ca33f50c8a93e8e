package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Confidence grades how certain a blacklist entry is, controlling its
// duration (§3, §4.5). IP-keyed entries may never be graded High — IPs are
// shared by NAT/proxies.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// BlacklistEntry is one append-only blacklist row (§3). A request is
// blocked while expires_at > now; multiple expired entries may accumulate
// and the offense count carries across them.
type BlacklistEntry struct {
	ID                 int64
	EphemeralID        string // "" if IP-keyed
	IPAddress          string // "" if device-keyed
	BlockReason        string
	Confidence         Confidence
	BlockedAt          time.Time
	ExpiresAt          time.Time
	OffenseCount       int
	DetectionMetadata  map[string]interface{}
}

// AddBlacklistEntry inserts e, stamping BlockedAt=now. e.ExpiresAt must
// already be computed by the caller (see package blacklist for the
// progressive-timeout schedule).
func (s *Store) AddBlacklistEntry(ctx context.Context, e BlacklistEntry, now time.Time) (int64, error) {
	meta, err := json.Marshal(e.DetectionMetadata)
	if err != nil {
		return 0, fmt.Errorf("store: marshal detection metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO blacklist (ephemeral_id, ip_address, block_reason, confidence, blocked_at, expires_at, offense_count, detection_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullable(e.EphemeralID), nullable(e.IPAddress), e.BlockReason, string(e.Confidence), Normalize(now), Normalize(e.ExpiresAt), e.OffenseCount, string(meta),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert blacklist entry: %w", err)
	}
	return res.LastInsertId()
}

// BlacklistHit is the result of a Check call: whether the request matched
// an active entry, and if so, why and how confidently.
type BlacklistHit struct {
	Blocked    bool
	Reason     string
	Confidence Confidence
}

// CheckBlacklist reports whether an unexpired entry matches ephemeralID
// (when present) or ip (§4.5). Checking both in one query keeps the
// pre-verify (IP-only) and post-verify (device-ID) probes in §4.8 sharing
// one code path.
func (s *Store) CheckBlacklist(ctx context.Context, ephemeralID, ip string, now time.Time) (BlacklistHit, error) {
	var (
		reason     string
		confidence string
	)
	var row *sql.Row
	if ephemeralID != "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT block_reason, confidence FROM blacklist
			WHERE expires_at > ? AND (ephemeral_id = ? OR ip_address = ?)
			ORDER BY expires_at DESC LIMIT 1`, Normalize(now), ephemeralID, ip)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT block_reason, confidence FROM blacklist
			WHERE expires_at > ? AND ip_address = ?
			ORDER BY expires_at DESC LIMIT 1`, Normalize(now), ip)
	}
	err := row.Scan(&reason, &confidence)
	if err == sql.ErrNoRows {
		return BlacklistHit{Blocked: false}, nil
	}
	if err != nil {
		return BlacklistHit{}, fmt.Errorf("store: check blacklist: %w", err)
	}
	return BlacklistHit{Blocked: true, Reason: reason, Confidence: Confidence(confidence)}, nil
}

// CountOffenses counts all prior entries (active or expired) keyed by
// ephemeralID or ip, used to drive progressive-timeout escalation (§4.5).
// When ephemeralID is set, IP is ignored — device identity is the
// stronger key once known.
func (s *Store) CountOffenses(ctx context.Context, ephemeralID, ip string) (int, error) {
	var n int
	var err error
	if ephemeralID != "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blacklist WHERE ephemeral_id = ?`, ephemeralID).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blacklist WHERE ip_address = ? AND ephemeral_id IS NULL`, ip).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("store: count offenses: %w", err)
	}
	return n, nil
}
