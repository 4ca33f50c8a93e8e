package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFromJSONEmptyYieldsDefaults(t *testing.T) {
	cfg, err := LoadFromJSON(nil)
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)

	cfg2, err := LoadFromJSON([]byte("{}"))
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg2)
}

func TestLoadFromJSONDeepMergesOntoDefaults(t *testing.T) {
	cfg, err := LoadFromJSON([]byte(`{"risk":{"blockThreshold":50}}`))
	require.NoError(t, err)

	require.Equal(t, 50.0, cfg.Risk.BlockThreshold)
	// Everything else in the Risk section, and every other section, must
	// still carry its compiled-in default.
	defaults := Defaults()
	require.Equal(t, defaults.Risk.Weights, cfg.Risk.Weights)
	require.Equal(t, defaults.Detection, cfg.Detection)
	require.Equal(t, defaults.Captcha.SiteVerifyURL, cfg.Captcha.SiteVerifyURL)
}

func TestLoadFromJSONInvalidJSON(t *testing.T) {
	_, err := LoadFromJSON([]byte("{not json"))
	require.Error(t, err)
}

func TestDefaultWeightsSumToOne(t *testing.T) {
	w := Defaults().Risk.Weights
	sum := w.TokenReplay + w.EmailFraud + w.EphemeralID + w.ValidationFrequency +
		w.IPDiversity + w.JA4SessionHopping + w.IPRateLimit + w.HeaderFingerprint +
		w.TLSAnomaly + w.LatencyMismatch
	require.InDelta(t, 1.0, sum, 0.0001)
}
