package fingerprint

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractPrefersEdgeFields(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/submissions", nil)
	r.Header.Set("User-Agent", "test-agent")
	r.Header.Set("cf-connecting-ip", "9.9.9.9")

	edge := Edge{Country: "US", ASN: "AS1234", BotScore: 5, TrustScore: 90, JA4: "ja4-x"}
	m := Extract(r, edge, true)

	require.Equal(t, "US", m.Country)
	require.Equal(t, "AS1234", m.ASN)
	require.Equal(t, 5, m.BotScore)
	require.Equal(t, 90, m.TrustScore)
	require.Equal(t, "ja4-x", m.JA4)
	require.True(t, m.JSDetected)
	require.Equal(t, "9.9.9.9", m.RemoteIP)
	require.Equal(t, "test-agent", m.UserAgent)
}

func TestResolveIPFallbackOrder(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{
			name:    "prefers cf-connecting-ip",
			headers: map[string]string{"cf-connecting-ip": "1.1.1.1", "x-real-ip": "2.2.2.2"},
			want:    "1.1.1.1",
		},
		{
			name:    "falls back to x-real-ip",
			headers: map[string]string{"x-real-ip": "2.2.2.2"},
			want:    "2.2.2.2",
		},
		{
			name:    "falls back to x-forwarded-for first hop",
			headers: map[string]string{"x-forwarded-for": "3.3.3.3, 4.4.4.4"},
			want:    "3.3.3.3",
		},
		{
			name:   "falls back to RemoteAddr host",
			remote: "5.5.5.5:1234",
			want:   "5.5.5.5",
		},
		{
			name: "sentinel when nothing available",
			want: sentinelIP,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if tt.remote != "" {
				r.RemoteAddr = tt.remote
			} else {
				r.RemoteAddr = ""
			}
			require.Equal(t, tt.want, resolveIP(r))
		})
	}
}

func TestHeaderStackHashStableForSameHeaders(t *testing.T) {
	r1 := httptest.NewRequest(http.MethodPost, "/", nil)
	r1.Header.Set("User-Agent", "a")
	r1.Header.Set("Accept", "b")

	r2 := httptest.NewRequest(http.MethodPost, "/", nil)
	r2.Header.Set("Accept", "z")
	r2.Header.Set("User-Agent", "y")

	require.Equal(t, headerStackHash(r1), headerStackHash(r2), "hash is over header names, not values or order")
}

func TestHeaderStackHashDiffersForDifferentHeaderSets(t *testing.T) {
	r1 := httptest.NewRequest(http.MethodPost, "/", nil)
	r1.Header.Set("User-Agent", "a")

	r2 := httptest.NewRequest(http.MethodPost, "/", nil)
	r2.Header.Set("User-Agent", "a")
	r2.Header.Set("X-Extra", "b")

	require.NotEqual(t, headerStackHash(r1), headerStackHash(r2))
}
