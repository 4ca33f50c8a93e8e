package risk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dragstor/fraudgate/internal/config"
	"github.com/dragstor/fraudgate/internal/signals"
)

func testScorer() *Scorer {
	cfg := config.Defaults()
	return New(cfg.Risk, cfg.Detection)
}

func TestScoreNeverExceeds100(t *testing.T) {
	s := testScorer()
	result := s.Score(Input{
		Signals: signals.Bundle{
			TokenReplay:            true,
			EmailFraudScore:        100,
			DeviceSubmissionCount:  50,
			ValidationAttemptCount: 50,
			UniqueIPCount:          50,
			JA4RawScore:            230,
			IPRateScore:            100,
			HeaderFingerprintScore: 100,
			TLSAnomalyScore:        100,
			LatencyMismatchScore:   100,
		},
		CaptchaFailed: true,
	})
	require.Equal(t, 100.0, result.Total)
}

func TestScoreTokenReplayForcesMax(t *testing.T) {
	s := testScorer()
	result := s.Score(Input{Signals: signals.Bundle{TokenReplay: true}})
	require.Equal(t, 100.0, result.Total)
}

func TestScoreCaptchaFailureForcesAtLeastBlockThreshold(t *testing.T) {
	s := testScorer()
	result := s.Score(Input{
		Signals:       signals.Bundle{DeviceSubmissionCount: 1, ValidationAttemptCount: 1, UniqueIPCount: 1},
		CaptchaFailed: true,
	})
	require.GreaterOrEqual(t, result.Total, 70.0)
}

func TestScoreAdditiveModeSkipsPromotions(t *testing.T) {
	cfg := config.Defaults()
	cfg.Risk.Mode = config.ModeAdditive
	s := New(cfg.Risk, cfg.Detection)

	// A lone ephemeralId excess would normally promote to block threshold,
	// but additive mode must report the raw weighted sum instead.
	result := s.Score(Input{
		Signals: signals.Bundle{
			DeviceSubmissionCount:  10,
			ValidationAttemptCount: 1,
			UniqueIPCount:          1,
		},
	})
	require.Empty(t, result.Trigger)
	require.Less(t, result.Total, cfg.Risk.BlockThreshold)
}

func TestScoreEphemeralIDExcessPromotes(t *testing.T) {
	s := testScorer()
	cfg := config.Defaults()
	result := s.Score(Input{
		Signals: signals.Bundle{
			DeviceSubmissionCount:  cfg.Detection.EphemeralIDSubmissionThreshold,
			ValidationAttemptCount: 1,
			UniqueIPCount:          1,
		},
	})
	require.Equal(t, string(triggerEphemeralIDFraud), result.Trigger)
	require.GreaterOrEqual(t, result.Total, cfg.Risk.BlockThreshold)
}

func TestScoreValidationFrequencyExcessPromotes(t *testing.T) {
	s := testScorer()
	cfg := config.Defaults()
	result := s.Score(Input{
		Signals: signals.Bundle{
			DeviceSubmissionCount:  1,
			ValidationAttemptCount: cfg.Detection.ValidationFrequencyBlockThreshold,
			UniqueIPCount:          1,
		},
	})
	require.Equal(t, string(triggerValidationFrequency), result.Trigger)
}

func TestScoreDuplicateEmailPromotes(t *testing.T) {
	s := testScorer()
	cfg := config.Defaults()
	result := s.Score(Input{
		Signals: signals.Bundle{
			DeviceSubmissionCount:  1,
			ValidationAttemptCount: 1,
			UniqueIPCount:          1,
		},
		DuplicateEmail: true,
	})
	require.Equal(t, string(triggerDuplicateEmail), result.Trigger)
	require.GreaterOrEqual(t, result.Total, cfg.Risk.BlockThreshold)
}

func TestScoreRepeatOffenderPromotes(t *testing.T) {
	s := testScorer()
	result := s.Score(Input{
		Signals: signals.Bundle{
			DeviceSubmissionCount:  1,
			ValidationAttemptCount: 1,
			UniqueIPCount:          1,
		},
		RepeatOffender: true,
	})
	require.Equal(t, string(triggerRepeatOffender), result.Trigger)
}

func TestScoreReNormalizationWhenTokenReplayInapplicable(t *testing.T) {
	cfg := config.Defaults()
	s := New(cfg.Risk, cfg.Detection)

	// With TokenReplay=false, its weight share must be redistributed
	// across the rest of the sum rather than silently discarded: a
	// maximal email-fraud score alone should score higher than its raw
	// weighted contribution once re-normalized. EmailFraudScore is kept
	// below the triggerEmailFraud promotion threshold (80) so the
	// promotion path can't mask the re-normalization arithmetic being
	// tested here.
	result := s.Score(Input{
		Signals: signals.Bundle{
			EmailFraudScore:        60,
			DeviceSubmissionCount:  1,
			ValidationAttemptCount: 1,
			UniqueIPCount:          1,
		},
	})
	rawContribution := 60 * cfg.Risk.Weights.EmailFraud
	require.Greater(t, result.Total, rawContribution)
}

func TestScoreAdditiveModeTotalEqualsSumOfContributions(t *testing.T) {
	cfg := config.Defaults()
	cfg.Risk.Mode = config.ModeAdditive
	s := New(cfg.Risk, cfg.Detection)

	result := s.Score(Input{
		Signals: signals.Bundle{
			EmailFraudScore:        60,
			DeviceSubmissionCount:  1,
			ValidationAttemptCount: 1,
			UniqueIPCount:          1,
		},
	})

	var sum float64
	for _, c := range result.PerComponent {
		sum += c.Contribution
	}
	require.Equal(t, math.Round(sum*10)/10, result.Total)
}

func TestNormalizeEphemeralIDKnots(t *testing.T) {
	require.Equal(t, 0.0, normalizeEphemeralID(0, 2, 70))
	require.Equal(t, 10.0, normalizeEphemeralID(1, 2, 70))
	require.Equal(t, 70.0, normalizeEphemeralID(2, 2, 70))
	require.Equal(t, 100.0, normalizeEphemeralID(3, 2, 70))
}

func TestNormalizeValidationFrequencyKnots(t *testing.T) {
	require.Equal(t, 0.0, normalizeValidationFrequency(1, 2, 3))
	require.Equal(t, 40.0, normalizeValidationFrequency(2, 2, 3))
	require.Equal(t, 100.0, normalizeValidationFrequency(3, 2, 3))
	require.Equal(t, 100.0, normalizeValidationFrequency(4, 2, 3))
}

func TestNormalizeIPDiversityKnots(t *testing.T) {
	require.Equal(t, 0.0, normalizeIPDiversity(1, 2))
	require.Equal(t, 50.0, normalizeIPDiversity(2, 2))
	require.Equal(t, 100.0, normalizeIPDiversity(3, 2))
}

func TestNormalizeJA4IdentityBelowThresholdCompressedAbove(t *testing.T) {
	require.Equal(t, 50.0, normalizeJA4(50, 70))
	require.Equal(t, 70.0, normalizeJA4(70, 70))
	require.Equal(t, 100.0, normalizeJA4(230, 70))

	mid := normalizeJA4(150, 70)
	require.Greater(t, mid, 70.0)
	require.Less(t, mid, 100.0)
}

func TestClamp(t *testing.T) {
	require.Equal(t, 0.0, clamp(-5))
	require.Equal(t, 100.0, clamp(150))
	require.Equal(t, 42.0, clamp(42))
}
