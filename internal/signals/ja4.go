package signals

import (
	"context"
	"time"

	"github.com/dragstor/fraudgate/internal/store"
)

// sqlJA4HoppingDetector computes the raw 0-230 JA4 fingerprint-hopping
// composite from the recent observation history for a key (§4.6.1). The
// composite has three components:
//
//  1. breadth: (distinct JA4 count - 1) * 40, capped at 160 — more distinct
//     TLS fingerprints for the same identity is stronger evidence.
//  2. clustering: +50 if two or more distinct JA4s were observed within a
//     5-minute window — a real client's TLS stack does not change mid-session.
//  3. switching rate: up to +20, scaled by how often consecutive
//     observations differ in JA4 relative to the total observation count.
//
// The three components sum to a maximum of exactly 230, matching the
// documented output range.
type sqlJA4HoppingDetector struct {
	store *store.Store
}

// NewSQLJA4HoppingDetector returns the default JA4HoppingDetector, backed
// by st's recent-observation and distinct-count queries.
func NewSQLJA4HoppingDetector(st *store.Store) JA4HoppingDetector {
	return &sqlJA4HoppingDetector{store: st}
}

const clusterWindow = 5 * time.Minute

func (d *sqlJA4HoppingDetector) RawScore(ctx context.Context, ephemeralID, ip string, now time.Time) (float64, error) {
	if ephemeralID == "" && ip == "" {
		return 0, nil
	}

	distinctCount, err := d.store.DistinctJA4Count24h(ctx, ephemeralID, ip, now)
	if err != nil {
		return 0, err
	}
	if distinctCount <= 1 {
		return 0, nil
	}

	observations, err := d.store.RecentJA4Observations(ctx, ephemeralID, ip, now)
	if err != nil {
		return 0, err
	}

	breadth := float64(distinctCount-1) * 40
	if breadth > 160 {
		breadth = 160
	}

	clustered := false
	switches := 0
	for i := 1; i < len(observations); i++ {
		if observations[i].JA4 != observations[i-1].JA4 {
			switches++
			if observations[i].At.Sub(observations[i-1].At) <= clusterWindow {
				clustered = true
			}
		}
	}

	clustering := 0.0
	if clustered {
		clustering = 50
	}

	switchRate := 0.0
	if len(observations) > 1 {
		switchRate = float64(switches) / float64(len(observations)-1)
	}
	switching := switchRate * 20

	total := breadth + clustering + switching
	if total > 230 {
		total = 230
	}
	return total, nil
}
