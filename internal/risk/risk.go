// Package risk implements the weighted-sum risk scorer (§4.7): ten
// normalized signal components combined into a single 0-100 total, with
// re-normalization, force-block overrides, and deterministic-trigger
// promotions.
package risk

import (
	"math"

	"github.com/dragstor/fraudgate/internal/config"
	"github.com/dragstor/fraudgate/internal/signals"
)

// Component is one scored signal's contribution to the total.
type Component struct {
	Name         string
	Score        float64 // normalized 0-100
	Weight       float64
	Contribution float64
	RawScore     float64 // pre-normalization value, when meaningful (e.g. JA4 raw)
	Reason       string
}

// Result is the scorer's full output (§4.7): the capped, rounded total plus
// a breakdown of every component for audit and the admission controller's
// reject-reason selection.
type Result struct {
	Total        float64
	PerComponent []Component
	// Trigger names the deterministic trigger that promoted Total to the
	// block threshold, when one fired, for audit. Auto-blacklist
	// eligibility (§4.9) is decided from PerComponent, not from this field.
	// Empty in additive mode or when no trigger condition held.
	Trigger string
}

// deterministicTrigger names one of the promotable categorical reasons.
type deterministicTrigger string

const (
	triggerEphemeralIDFraud    deterministicTrigger = "ephemeral_id_fraud"
	triggerValidationFrequency deterministicTrigger = "validation_frequency"
	triggerJA4SessionHopping   deterministicTrigger = "ja4_session_hopping"
	triggerEmailFraud          deterministicTrigger = "email_fraud"
	triggerDuplicateEmail      deterministicTrigger = "duplicate_email"
	triggerRepeatOffender      deterministicTrigger = "repeat_offender"
)

// Scorer computes a Result from a signal Bundle and detection thresholds.
type Scorer struct {
	cfg       config.RiskConfig
	detection config.DetectionConfig
}

// New builds a Scorer from the risk and detection sections of Config.
func New(cfg config.RiskConfig, detection config.DetectionConfig) *Scorer {
	return &Scorer{cfg: cfg, detection: detection}
}

// Input bundles everything the scorer needs beyond the signal Bundle:
// whether the CAPTCHA verification itself failed (a force-block override),
// and whether this email has already been used by a distinct prior
// submission (feeds the duplicateEmail deterministic trigger).
type Input struct {
	Signals        signals.Bundle
	CaptchaFailed  bool
	DuplicateEmail bool
	RepeatOffender bool
}

// Score computes the full weighted-sum result for one request (§4.7).
func (s *Scorer) Score(in Input) Result {
	w := s.cfg.Weights
	b := in.Signals

	ephemeralScore := normalizeEphemeralID(float64(b.DeviceSubmissionCount), float64(s.detection.EphemeralIDSubmissionThreshold), s.cfg.BlockThreshold)
	validationScore := normalizeValidationFrequency(float64(b.ValidationAttemptCount), float64(s.detection.ValidationFrequencyWarnThreshold), float64(s.detection.ValidationFrequencyBlockThreshold))
	ipDiversityScore := normalizeIPDiversity(float64(b.UniqueIPCount), float64(s.detection.IPDiversityThreshold))
	emailScore := clamp(b.EmailFraudScore)
	ja4Score := normalizeJA4(b.JA4RawScore, s.cfg.BlockThreshold)
	ipRateScore := clamp(b.IPRateScore)
	headerScore := clamp(b.HeaderFingerprintScore)
	tlsScore := clamp(b.TLSAnomalyScore)
	latencyScore := clamp(b.LatencyMismatchScore)

	tokenReplayScore := 0.0
	if b.TokenReplay {
		tokenReplayScore = 100
	}

	components := []Component{
		{Name: "tokenReplay", Score: tokenReplayScore, Weight: w.TokenReplay},
		{Name: "ephemeralId", Score: ephemeralScore, Weight: w.EphemeralID},
		{Name: "emailFraud", Score: emailScore, Weight: w.EmailFraud},
		{Name: "validationFrequency", Score: validationScore, Weight: w.ValidationFrequency},
		{Name: "ipDiversity", Score: ipDiversityScore, Weight: w.IPDiversity},
		{Name: "ipRateLimit", Score: ipRateScore, Weight: w.IPRateLimit},
		{Name: "headerFingerprint", Score: headerScore, Weight: w.HeaderFingerprint},
		{Name: "ja4SessionHopping", Score: ja4Score, Weight: w.JA4SessionHopping, RawScore: b.JA4RawScore},
		{Name: "tlsAnomaly", Score: tlsScore, Weight: w.TLSAnomaly},
		{Name: "latencyMismatch", Score: latencyScore, Weight: w.LatencyMismatch},
	}

	var weighted float64
	for i := range components {
		components[i].Contribution = components[i].Score * components[i].Weight
		weighted += components[i].Contribution
	}

	total := weighted
	var trigger deterministicTrigger

	if s.cfg.Mode != config.ModeAdditive {
		// Re-normalization: when tokenReplay is inapplicable (false), its
		// weight share is dead weight, so scale the remaining sum back up
		// to keep the block threshold's meaning intact (§4.7). Additive
		// mode's testable property requires total to equal the raw sum of
		// contributions, so this step only applies outside additive mode.
		if !b.TokenReplay && w.TokenReplay < 1 {
			total = total / (1 - w.TokenReplay)
		}
		total, trigger = s.applyPromotions(total, in, components)
	}

	// Force-block overrides take precedence over promotions and caps
	// (§4.7): a replayed token is always total=100.
	if b.TokenReplay {
		total = 100
	} else if in.CaptchaFailed {
		total = math.Max(total, s.cfg.BlockThreshold)
	}

	total = math.Min(100, math.Round(total*10)/10)

	return Result{Total: total, PerComponent: components, Trigger: string(trigger)}
}

// applyPromotions implements the deterministic-trigger promotion rule
// (§4.7): certain categorical signals promote the total to at least
// blockThreshold. Only the JA4 session-hopping trigger requires a
// corroborating companion signal (ipRateLimit >= 25); the ephemeral-ID,
// validation-frequency, email-fraud, duplicate-email and repeat-offender
// triggers each promote on their own condition alone. The first trigger to
// fire is reported; later ones leave total unchanged (it is already at
// least blockThreshold) and do not overwrite the reported trigger.
func (s *Scorer) applyPromotions(total float64, in Input, components []Component) (float64, deterministicTrigger) {
	threshold := s.cfg.BlockThreshold
	b := in.Signals
	var fired deterministicTrigger

	promote := func(condition bool, name deterministicTrigger) {
		if condition {
			total = math.Max(threshold, total)
			if fired == "" {
				fired = name
			}
		}
	}

	ephemeralScore := componentScore(components, "ephemeralId")
	validationScore := componentScore(components, "validationFrequency")
	ipRateScore := componentScore(components, "ipRateLimit")

	promote(ephemeralScore >= threshold, triggerEphemeralIDFraud)
	promote(validationScore >= 100, triggerValidationFrequency)
	promote(b.JA4RawScore >= 140 && ipRateScore >= 25, triggerJA4SessionHopping)
	promote(b.EmailFraudScore >= 80, triggerEmailFraud)
	promote(in.DuplicateEmail, triggerDuplicateEmail)
	promote(in.RepeatOffender, triggerRepeatOffender)

	return total, fired
}

func componentScore(components []Component, name string) float64 {
	for _, c := range components {
		if c.Name == name {
			return c.Score
		}
	}
	return 0
}

// lerp linearly interpolates count between two knots (x0,y0) and (x1,y1).
func lerp(count, x0, y0, x1, y1 float64) float64 {
	if x1 == x0 {
		return y1
	}
	frac := (count - x0) / (x1 - x0)
	return y0 + frac*(y1-y0)
}

// normalizeEphemeralID implements the four-knot table from §4.7:
// 0→0, 1→10, threshold→blockThreshold, above threshold→100.
func normalizeEphemeralID(count, threshold, blockThreshold float64) float64 {
	switch {
	case count <= 0:
		return 0
	case count <= 1:
		return clamp(lerp(count, 0, 0, 1, 10))
	case threshold <= 1:
		return 100
	case count <= threshold:
		return clamp(lerp(count, 1, 10, threshold, blockThreshold))
	default:
		return 100
	}
}

// normalizeValidationFrequency implements §4.7's table: 1→0, warn
// threshold→40, block threshold→100.
func normalizeValidationFrequency(count, warnThreshold, blockThresholdCount float64) float64 {
	switch {
	case count <= 1:
		return 0
	case warnThreshold <= 1:
		return 100
	case count <= warnThreshold:
		return clamp(lerp(count, 1, 0, warnThreshold, 40))
	case blockThresholdCount <= warnThreshold:
		return 100
	case count <= blockThresholdCount:
		return clamp(lerp(count, warnThreshold, 40, blockThresholdCount, 100))
	default:
		return 100
	}
}

// normalizeIPDiversity implements §4.7's table: 1→0, threshold→50, above→100.
func normalizeIPDiversity(count, threshold float64) float64 {
	switch {
	case count <= 1:
		return 0
	case threshold <= 1:
		return 100
	case count <= threshold:
		return clamp(lerp(count, 1, 0, threshold, 50))
	default:
		return 100
	}
}

// normalizeJA4 maps the raw 0-230 composite to 0-100, identity below the
// block threshold and compressed linearly above it (§4.6.1):
//
//	below T: raw (identity)
//	at/above T: T + (raw-T)/(230-T) * (100-T)
func normalizeJA4(raw, blockThreshold float64) float64 {
	raw = math.Max(0, math.Min(230, raw))
	if raw < blockThreshold {
		return raw
	}
	span := 230 - blockThreshold
	if span <= 0 {
		return 100
	}
	return blockThreshold + (raw-blockThreshold)/span*(100-blockThreshold)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
