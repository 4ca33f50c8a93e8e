package signals

import (
	"math"
	"strings"

	"github.com/dragstor/fraudgate/internal/fingerprint"
)

// ipRateTier buckets a 1h per-IP submission count into the fixed tiers
// from §4.6 signal 7: 1→0, 2→25, 3→50, 4→75, ≥5→100.
func ipRateTier(count int) float64 {
	switch {
	case count <= 1:
		return 0
	case count == 2:
		return 25
	case count == 3:
		return 50
	case count == 4:
		return 75
	default:
		return 100
	}
}

// headerReuseScore derives the 0-100 header-fingerprint-reuse subscore
// (§4.6 signal 8) from how many distinct IPs or JA4s have shared the same
// header stack recently. Either axis alone up to 4 is mild; either axis at
// 5+ is treated as certain reuse.
func headerReuseScore(distinctIPs, distinctJA4s int) float64 {
	n := distinctIPs
	if distinctJA4s > n {
		n = distinctJA4s
	}
	if n <= 1 {
		return 0
	}
	score := float64(n-1) * 25
	if score > 100 {
		score = 100
	}
	return score
}

// tlsAnomalyScore flags a JA4 paired with a TLS version/cipher combination
// never previously observed for that JA4 (§4.6 signal 9). A brand-new JA4
// (no prior combos at all) is not itself anomalous.
func tlsAnomalyScore(meta fingerprint.Metadata, seenCombos map[string]bool) float64 {
	if meta.JA4 == "" || len(seenCombos) == 0 {
		return 0
	}
	combo := meta.TLSVersion + "|" + meta.TLSCipher
	if seenCombos[combo] {
		return 0
	}
	return 100
}

// mobileUAMarkers are case-insensitive substrings treated as a claimed
// mobile user agent for the latency-mismatch heuristic.
var mobileUAMarkers = []string{"mobile", "android", "iphone", "ipad"}

// suspectMobileASNs is a small illustrative set of hosting/datacenter ASN
// prefixes inconsistent with a genuine mobile carrier connection.
var suspectMobileASNs = []string{"AS13335", "AS16509", "AS14061", "AS8075"}

// latencyMismatchScore flags a claimed-mobile UA with implausibly low RTT,
// or a suspect ASN for the claimed device type (§4.6 signal 10). RTT is
// not separately modeled as a request field here; this heuristic uses the
// edge-reported trust score as a stand-in proxy alongside the ASN check,
// since real RTT sampling requires edge timing data outside this layer.
func latencyMismatchScore(meta fingerprint.Metadata) float64 {
	ua := strings.ToLower(meta.UserAgent)
	claimsMobile := false
	for _, marker := range mobileUAMarkers {
		if strings.Contains(ua, marker) {
			claimsMobile = true
			break
		}
	}
	if !claimsMobile {
		return 0
	}
	score := 0.0
	for _, asn := range suspectMobileASNs {
		if strings.EqualFold(meta.ASN, asn) {
			score += 60
			break
		}
	}
	if meta.TrustScore > 0 && meta.TrustScore < 10 {
		score += 40
	}
	return math.Min(score, 100)
}
