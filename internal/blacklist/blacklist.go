// Package blacklist implements the progressive-timeout blacklist keyed by
// device identity or network address (§4.5).
package blacklist

import (
	"context"
	"fmt"
	"time"

	"github.com/dragstor/fraudgate/internal/config"
	"github.com/dragstor/fraudgate/internal/store"
)

// Blacklist wraps the event store with the progressive-timeout and
// confidence-grading policy.
type Blacklist struct {
	store    *store.Store
	schedule []int // seconds, ordered
	maximum  int   // seconds
}

// New builds a Blacklist from the given store and timeout configuration.
func New(st *store.Store, cfg config.TimeoutsConfig) *Blacklist {
	schedule := cfg.Schedule
	if len(schedule) == 0 {
		schedule = []int{3600, 14400, 28800, 43200, 86400}
	}
	maximum := cfg.Maximum
	if maximum == 0 {
		maximum = 86400
	}
	return &Blacklist{store: st, schedule: schedule, maximum: maximum}
}

// Hit mirrors store.BlacklistHit for callers outside this package.
type Hit = store.BlacklistHit

// Check reports whether ephemeralID (if present) or ip currently matches
// an active (non-expired) entry (§4.5 Check).
func (b *Blacklist) Check(ctx context.Context, ephemeralID, ip string, now time.Time) (Hit, error) {
	return b.store.CheckBlacklist(ctx, ephemeralID, ip, now)
}

// BaseDuration returns the n-th offense's base timeout per the progressive
// schedule, capped at the configured maximum (§4.5):
//
//	duration(n) = min(schedule[min(n-1, len(schedule)-1)], maximum)
func (b *Blacklist) BaseDuration(offenseNumber int) time.Duration {
	if offenseNumber < 1 {
		offenseNumber = 1
	}
	idx := offenseNumber - 1
	if idx >= len(b.schedule) {
		idx = len(b.schedule) - 1
	}
	secs := b.schedule[idx]
	if secs > b.maximum {
		secs = b.maximum
	}
	return time.Duration(secs) * time.Second
}

// confidenceMultiplier scales the base duration by confidence (§4.5):
// device-keyed entries may use high=7x, medium=3x, low=1x; IP-keyed
// entries cap at 3x (medium) and never use high.
func confidenceMultiplier(confidence store.Confidence) int {
	switch confidence {
	case store.ConfidenceHigh:
		return 7
	case store.ConfidenceMedium:
		return 3
	default:
		return 1
	}
}

// Duration computes the final timeout for offenseNumber at the given
// confidence, capped at the configured maximum. isIPKeyed forces
// confidence down to at most Medium, per §4.5's "IP entries ... never use
// high confidence" and §4.9's "never > 3x base" rule.
func (b *Blacklist) Duration(offenseNumber int, confidence store.Confidence, isIPKeyed bool) time.Duration {
	if isIPKeyed && confidence == store.ConfidenceHigh {
		confidence = store.ConfidenceMedium
	}
	base := b.BaseDuration(offenseNumber)
	d := base * time.Duration(confidenceMultiplier(confidence))
	max := time.Duration(b.maximum) * time.Second
	if isIPKeyed {
		capped := base * 3
		if capped < max {
			max = capped
		}
	}
	if d > max {
		d = max
	}
	return d
}

// CountOffenses returns the number of prior entries (active or expired)
// for the given key, to compute the next offense number.
func (b *Blacklist) CountOffenses(ctx context.Context, ephemeralID, ip string) (int, error) {
	return b.store.CountOffenses(ctx, ephemeralID, ip)
}

// Entry is the input to Add: everything needed to compute and persist one
// blacklist row.
type Entry struct {
	EphemeralID       string // "" if IP-keyed
	IPAddress         string // "" if device-keyed
	BlockReason       string
	Confidence        store.Confidence
	DetectionMetadata map[string]interface{}
}

// Add computes the next offense number and duration for e's key, then
// inserts the entry (§4.5 Add, §4.9 Auto-blacklisting policy).
func (b *Blacklist) Add(ctx context.Context, e Entry, now time.Time) (store.BlacklistEntry, error) {
	isIPKeyed := e.EphemeralID == ""
	if isIPKeyed && e.Confidence == store.ConfidenceHigh {
		e.Confidence = store.ConfidenceMedium
	}

	priorOffenses, err := b.CountOffenses(ctx, e.EphemeralID, e.IPAddress)
	if err != nil {
		return store.BlacklistEntry{}, fmt.Errorf("blacklist: count offenses: %w", err)
	}
	offenseNumber := priorOffenses + 1
	duration := b.Duration(offenseNumber, e.Confidence, isIPKeyed)

	entry := store.BlacklistEntry{
		EphemeralID:       e.EphemeralID,
		IPAddress:         e.IPAddress,
		BlockReason:       e.BlockReason,
		Confidence:        e.Confidence,
		ExpiresAt:         now.Add(duration),
		OffenseCount:      offenseNumber,
		DetectionMetadata: e.DetectionMetadata,
	}
	id, err := b.store.AddBlacklistEntry(ctx, entry, now)
	if err != nil {
		return store.BlacklistEntry{}, fmt.Errorf("blacklist: add entry: %w", err)
	}
	entry.ID = id
	entry.BlockedAt = now
	return entry, nil
}
