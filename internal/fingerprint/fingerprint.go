// Package fingerprint extracts a RequestMetadata value from an incoming
// HTTP request plus a trusted, edge-populated metadata bundle (§4.1).
//
// It is a pure transformation: no I/O, no trust of client-controllable
// headers for bot/trust scores.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
)

// Metadata mirrors the request-fingerprint fields carried by every
// Submission and ValidationRecord (§3).
type Metadata struct {
	RemoteIP     string `json:"remoteIp"`
	Country      string `json:"country,omitempty"`
	Region       string `json:"region,omitempty"`
	City         string `json:"city,omitempty"`
	ASN          string `json:"asn,omitempty"`
	Colo         string `json:"colo,omitempty"`
	HTTPProtocol string `json:"httpProtocol,omitempty"`

	TLSVersion string `json:"tlsVersion,omitempty"`
	TLSCipher  string `json:"tlsCipher,omitempty"`

	BotScore     int     `json:"botScore"`
	TrustScore   int     `json:"trustScore"`
	VerifiedBot  bool    `json:"verifiedBot"`
	JSDetected   bool    `json:"jsDetected"`
	DetectionIDs []int64 `json:"detectionIds,omitempty"`

	JA3Hash string `json:"ja3Hash,omitempty"`
	JA4     string `json:"ja4,omitempty"`
	// JA4Signals are the fixed set of JA4 behavioral ratios the edge
	// computes alongside the JA4 string itself.
	JA4Signals map[string]float64 `json:"ja4Signals,omitempty"`

	UserAgent string `json:"userAgent,omitempty"`
	Referer   string `json:"referer,omitempty"`

	// HeaderHash is a stable digest of the request's set of header names
	// (not their values or order), used by the header-fingerprint-reuse
	// signal (§4.6 signal 8) to spot the same client tooling hopping
	// across IPs or JA4s.
	HeaderHash string `json:"headerHash,omitempty"`

	// EphemeralID is the CAPTCHA provider's ephemeral device ID, when
	// already known (e.g. on a retry after a prior verify attempt).
	EphemeralID string `json:"ephemeralId,omitempty"`
}

// sentinelIP is used when no IP can be determined from the request at all.
const sentinelIP = "0.0.0.0"

// Edge is the trusted, edge-populated metadata bundle. In production this
// is populated by the reverse proxy / edge worker sitting in front of the
// service and is never taken from client-controllable headers for the
// bot/trust/verified-bot fields.
type Edge struct {
	Country      string
	Region       string
	City         string
	ASN          string
	Colo         string
	TLSVersion   string
	TLSCipher    string
	BotScore     int
	TrustScore   int
	VerifiedBot  bool
	JA3Hash      string
	JA4          string
	JA4Signals   map[string]float64
	DetectionIDs []int64
}

// forwardingHeaders is the well-known fallback order for the client IP
// when the edge bundle does not already carry one.
var forwardingHeaders = []string{"cf-connecting-ip", "x-real-ip"}

// Extract builds a Metadata value from the request and the trusted edge
// bundle. It never trusts client-controllable headers for bot/trust scores
// or verified-bot status — those come exclusively from edge.
func Extract(r *http.Request, edge Edge, jsDetected bool) Metadata {
	m := Metadata{
		Country:      edge.Country,
		Region:       edge.Region,
		City:         edge.City,
		ASN:          edge.ASN,
		Colo:         edge.Colo,
		HTTPProtocol: r.Proto,
		TLSVersion:   edge.TLSVersion,
		TLSCipher:    edge.TLSCipher,
		BotScore:     edge.BotScore,
		TrustScore:   edge.TrustScore,
		VerifiedBot:  edge.VerifiedBot,
		JSDetected:   jsDetected,
		DetectionIDs: edge.DetectionIDs,
		JA3Hash:      edge.JA3Hash,
		JA4:          edge.JA4,
		JA4Signals:   edge.JA4Signals,
		UserAgent:    r.Header.Get("User-Agent"),
		Referer:      r.Header.Get("Referer"),
	}
	m.RemoteIP = resolveIP(r)
	m.HeaderHash = headerStackHash(r)
	return m
}

// headerStackHash digests the sorted set of header names present on the
// request (not their values), so that two requests sharing the same
// client-side tooling fingerprint identically regardless of IP or cookie
// values.
func headerStackHash(r *http.Request) string {
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, strings.ToLower(name))
	}
	sort.Strings(names)
	h := sha256.Sum256([]byte(strings.Join(names, ",")))
	return hex.EncodeToString(h[:8])
}

// resolveIP implements the selection policy from §4.1. Edge carries no IP
// field, so resolution starts with the well-known forwarding headers
// (cf-connecting-ip, then x-real-ip), then the first hop of
// X-Forwarded-For, then the host part of RemoteAddr, then a sentinel.
func resolveIP(r *http.Request) string {
	for _, h := range forwardingHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	if xff := r.Header.Get("x-forwarded-for"); xff != "" {
		parts := strings.Split(xff, ",")
		if first := strings.TrimSpace(parts[0]); first != "" {
			return first
		}
	}
	if host := hostOnly(r.RemoteAddr); host != "" {
		return host
	}
	return sentinelIP
}

func hostOnly(remoteAddr string) string {
	if i := strings.LastIndex(remoteAddr, ":"); i > 0 && !strings.Contains(remoteAddr[i+1:], "]") {
		return remoteAddr[:i]
	}
	return remoteAddr
}
