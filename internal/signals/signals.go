// Package signals implements the signal collector (§4.6): rolling-window
// aggregations over submissions and validations, fused into a Bundle the
// risk scorer consumes.
//
// Every query is parameterized and binds normalized "YYYY-MM-DD HH:MM:SS"
// UTC timestamps (store.Normalize); windows are 1 hour and 24 hours.
// Collection is fail-open: a query error yields a zeroed Bundle and a
// "Signal collection error" warning, because a transient DB blip must not
// create a denial-of-service on legitimate users — the replay and
// blacklist checks upstream already cover the most dangerous cases.
package signals

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dragstor/fraudgate/internal/config"
	"github.com/dragstor/fraudgate/internal/fingerprint"
	"github.com/dragstor/fraudgate/internal/store"
)

// Bundle is the full set of raw signals for one request, before
// normalization (normalization and weighting happen in package risk).
type Bundle struct {
	TokenReplay bool

	EmailFraudScore float64 // 0-100, pass-through

	DeviceSubmissionCount int // includes current attempt
	ValidationAttemptCount int // includes current attempt
	UniqueIPCount         int

	JA4RawScore float64 // 0-230, see §4.6.1

	IPRateScore           float64 // 0-100
	HeaderFingerprintScore float64 // 0-100
	TLSAnomalyScore        float64 // 0-100
	LatencyMismatchScore   float64 // 0-100

	// Warning is non-empty when collection fell back to a zeroed bundle
	// after a query error (fail-open).
	Warning string
}

// EmailRiskClassifier scores the fraud likelihood of an email address,
// 0-100. The original system's production classifier is an external ML
// model outside this repository's scope (§9 Open Questions); on failure
// implementations must return 0, never an elevated score, so a classifier
// outage cannot itself cause blocking.
type EmailRiskClassifier interface {
	Score(ctx context.Context, email string) (float64, error)
}

// JA4HoppingDetector computes the raw (0-230) JA4 fingerprint-hopping
// composite for a key (§4.6.1). The detector's internals are outside this
// spec's scope; only its output contract is specified.
type JA4HoppingDetector interface {
	RawScore(ctx context.Context, ephemeralID, ip string, now time.Time) (float64, error)
}

// Collector computes a Bundle for one request.
type Collector struct {
	store      *store.Store
	email      EmailRiskClassifier
	ja4        JA4HoppingDetector
	detection  config.DetectionConfig
	log        zerolog.Logger
}

// New builds a Collector. email and ja4 may be nil, in which case the
// default heuristic implementations in this package are used.
func New(st *store.Store, email EmailRiskClassifier, ja4 JA4HoppingDetector, detection config.DetectionConfig, log zerolog.Logger) *Collector {
	if email == nil {
		email = NewDefaultEmailRiskClassifier()
	}
	if ja4 == nil {
		ja4 = NewSQLJA4HoppingDetector(st)
	}
	return &Collector{store: st, email: email, ja4: ja4, detection: detection, log: log.With().Str("component", "signal-collector").Logger()}
}

// Collect gathers every signal in §4.6 for the current request. tokenHash
// is checked against the validation table (signal 1); email feeds the
// email-pattern classifier (signal 2); meta carries the request
// fingerprint used by every other signal.
func (c *Collector) Collect(ctx context.Context, tokenHash, email string, meta fingerprint.Metadata) Bundle {
	bundle, err := c.collect(ctx, tokenHash, email, meta)
	if err != nil {
		c.log.Warn().Err(err).Msg("Signal collection error")
		return Bundle{Warning: "Signal collection error"}
	}
	return bundle
}

func (c *Collector) collect(ctx context.Context, tokenHash, email string, meta fingerprint.Metadata) (Bundle, error) {
	now := time.Now()
	var b Bundle

	replay, err := c.store.TokenReused(ctx, tokenHash)
	if err != nil {
		return Bundle{}, err
	}
	b.TokenReplay = replay

	// Email classifier failure is fail-open per §4.6 signal 2: score 0,
	// not an elevated score, and does not abort signal collection.
	if emailScore, err := c.email.Score(ctx, email); err == nil {
		b.EmailFraudScore = emailScore
	}

	if meta.EphemeralID != "" {
		subCount, err := c.store.DeviceSubmissionCount24h(ctx, meta.EphemeralID, now)
		if err != nil {
			return Bundle{}, err
		}
		b.DeviceSubmissionCount = subCount + 1

		valCount, err := c.store.DeviceValidationCount1h(ctx, meta.EphemeralID, now)
		if err != nil {
			return Bundle{}, err
		}
		b.ValidationAttemptCount = valCount + 1

		uniqueIPs, err := c.store.UniqueIPCount24h(ctx, meta.EphemeralID, now)
		if err != nil {
			return Bundle{}, err
		}
		// A device with no stored history still has the current request's
		// IP, so the count never drops below 1.
		if uniqueIPs < 1 {
			uniqueIPs = 1
		}
		b.UniqueIPCount = uniqueIPs
	} else {
		// No device ID yet: device-ID-dependent signals are omitted,
		// per §3's invariant for CAPTCHA successes without a device ID.
		b.DeviceSubmissionCount = 1
		b.ValidationAttemptCount = 1
		b.UniqueIPCount = 1
	}

	ipCount, err := c.store.IPSubmissionCount1h(ctx, meta.RemoteIP, now)
	if err != nil {
		return Bundle{}, err
	}
	b.IPRateScore = ipRateTier(ipCount + 1)

	ja4Raw, err := c.ja4.RawScore(ctx, meta.EphemeralID, meta.RemoteIP, now)
	if err != nil {
		return Bundle{}, err
	}
	b.JA4RawScore = ja4Raw

	distinctIPs, distinctJA4s, err := c.store.HeaderStackReuseCount(ctx, meta.HeaderHash, now, time.Hour)
	if err != nil {
		return Bundle{}, err
	}
	b.HeaderFingerprintScore = headerReuseScore(distinctIPs, distinctJA4s)

	seenCombos, err := c.store.SeenTLSCombos(ctx, meta.JA4)
	if err != nil {
		return Bundle{}, err
	}
	b.TLSAnomalyScore = tlsAnomalyScore(meta, seenCombos)

	b.LatencyMismatchScore = latencyMismatchScore(meta)

	return b, nil
}
