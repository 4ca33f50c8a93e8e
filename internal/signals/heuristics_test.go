package signals

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dragstor/fraudgate/internal/fingerprint"
)

func TestIPRateTier(t *testing.T) {
	tests := []struct {
		count int
		want  float64
	}{
		{0, 0}, {1, 0}, {2, 25}, {3, 50}, {4, 75}, {5, 100}, {99, 100},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ipRateTier(tt.count))
	}
}

func TestHeaderReuseScore(t *testing.T) {
	require.Equal(t, 0.0, headerReuseScore(1, 1))
	require.Equal(t, 25.0, headerReuseScore(2, 1))
	require.Equal(t, 75.0, headerReuseScore(1, 4))
	require.Equal(t, 100.0, headerReuseScore(10, 1))
}

func TestTLSAnomalyScore(t *testing.T) {
	meta := fingerprint.Metadata{JA4: "t13d1516h2", TLSVersion: "TLS1.3", TLSCipher: "AES_128_GCM"}

	require.Equal(t, 0.0, tlsAnomalyScore(meta, map[string]bool{}), "no prior combos is not itself anomalous")

	seen := map[string]bool{"TLS1.3|AES_128_GCM": true}
	require.Equal(t, 0.0, tlsAnomalyScore(meta, seen))

	seen = map[string]bool{"TLS1.2|AES_256_GCM": true}
	require.Equal(t, 100.0, tlsAnomalyScore(meta, seen))
}

func TestTLSAnomalyScoreNoJA4(t *testing.T) {
	meta := fingerprint.Metadata{TLSVersion: "TLS1.3", TLSCipher: "AES_128_GCM"}
	require.Equal(t, 0.0, tlsAnomalyScore(meta, map[string]bool{"x": true}))
}

func TestLatencyMismatchScoreIgnoresNonMobileUA(t *testing.T) {
	meta := fingerprint.Metadata{UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64)", ASN: "AS13335", TrustScore: 1}
	require.Equal(t, 0.0, latencyMismatchScore(meta))
}

func TestLatencyMismatchScoreFlagsSuspectASNAndLowTrust(t *testing.T) {
	meta := fingerprint.Metadata{UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)", ASN: "AS13335", TrustScore: 5}
	require.Equal(t, 100.0, latencyMismatchScore(meta))
}

func TestLatencyMismatchScoreMobileUAAloneIsMild(t *testing.T) {
	meta := fingerprint.Metadata{UserAgent: "Mozilla/5.0 (Linux; Android 14)", ASN: "AS64500", TrustScore: 80}
	require.Equal(t, 0.0, latencyMismatchScore(meta))
}
