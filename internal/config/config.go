// Package config loads and merges the fraud-gating pipeline's tunables.
//
// A single JSON blob is read from the FRAUD_CONFIG environment variable (or
// a file, for local runs) and deep-merged onto compiled-in defaults, the
// same shape of problem virtengine's provider_daemon package solves with a
// struct of tunables plus a Default*() constructor.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/imdario/mergo"
)

// Weights holds the per-signal weight used by the risk scorer (§4.7).
// Defaults sum to 1.0.
type Weights struct {
	TokenReplay         float64 `json:"tokenReplay"`
	EmailFraud          float64 `json:"emailFraud"`
	EphemeralID         float64 `json:"ephemeralId"`
	ValidationFrequency float64 `json:"validationFrequency"`
	IPDiversity         float64 `json:"ipDiversity"`
	JA4SessionHopping   float64 `json:"ja4SessionHopping"`
	IPRateLimit         float64 `json:"ipRateLimit"`
	HeaderFingerprint   float64 `json:"headerFingerprint"`
	TLSAnomaly          float64 `json:"tlsAnomaly"`
	LatencyMismatch     float64 `json:"latencyMismatch"`
}

// Level is an inclusive [Min, Max] score band used to grade a total.
type Level struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Levels buckets the 0-100 score space into qualitative risk levels.
type Levels struct {
	Low    Level `json:"low"`
	Medium Level `json:"medium"`
	High   Level `json:"high"`
}

// RiskConfig configures the risk scorer.
type RiskConfig struct {
	// BlockThreshold is the score at or above which the admission
	// controller rejects. Default 70.
	BlockThreshold float64 `json:"blockThreshold"`
	// Mode is "additive" (weighted sum verbatim, no promotions) or ""
	// (default: deterministic-trigger promotions enabled).
	Mode    string  `json:"mode"`
	Weights Weights `json:"weights"`
	Levels  Levels  `json:"levels"`
}

// DetectionConfig configures the thresholds the signal collector and
// scorer use to decide when a signal is "excessive".
type DetectionConfig struct {
	EphemeralIDSubmissionThreshold    int `json:"ephemeralIdSubmissionThreshold"`
	ValidationFrequencyWarnThreshold  int `json:"validationFrequencyWarnThreshold"`
	ValidationFrequencyBlockThreshold int `json:"validationFrequencyBlockThreshold"`
	IPDiversityThreshold              int `json:"ipDiversityThreshold"`
}

// JA4ScoreThresholds configures the JA4 composite detector (§4.6.1).
type JA4ScoreThresholds struct {
	SuspiciousClustering int `json:"suspiciousClustering"`
	BrowserHopping       int `json:"browserHopping"`
}

// JA4Config configures JA4 fingerprint-hopping detection.
type JA4Config struct {
	ScoreThresholds JA4ScoreThresholds `json:"scoreThresholds"`
}

// TimeoutsConfig configures the progressive blacklist timeout schedule (§4.5).
type TimeoutsConfig struct {
	// Schedule is the ordered offense->duration (seconds) schedule.
	Schedule []int `json:"schedule"`
	// Maximum caps any computed duration, in seconds.
	Maximum int `json:"maximum"`
}

// CaptchaConfig configures the outbound CAPTCHA siteverify client.
type CaptchaConfig struct {
	Secret        string        `json:"secret"`
	SiteVerifyURL string        `json:"siteVerifyUrl"`
	Timeout       time.Duration `json:"timeout"`
	// RatePerSecond / Burst bound outbound siteverify calls so a
	// provider outage cannot be amplified into a retry storm.
	RatePerSecond float64 `json:"ratePerSecond"`
	Burst         int     `json:"burst"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr string `json:"listenAddr"`
}

// DBConfig configures the event store.
type DBConfig struct {
	DriverName string `json:"driverName"`
	DSN        string `json:"dsn"`
}

// Config is the full, merged configuration for one process.
type Config struct {
	Risk      RiskConfig     `json:"risk"`
	Detection DetectionConfig `json:"detection"`
	JA4       JA4Config      `json:"ja4"`
	Timeouts  TimeoutsConfig `json:"timeouts"`
	Captcha   CaptchaConfig  `json:"captcha"`
	Server    ServerConfig   `json:"server"`
	DB        DBConfig       `json:"db"`

	// AnalyticsAPIKey gates every /api/analytics/* route via X-API-KEY.
	AnalyticsAPIKey string `json:"analyticsApiKey"`

	// AllowTestingBypass and TestingBypassAPIKey together let a caller
	// with the bypass key skip real CAPTCHA verification while still
	// exercising downstream fraud detection (§6).
	AllowTestingBypass  bool   `json:"allowTestingBypass"`
	TestingBypassAPIKey string `json:"testingBypassApiKey"`
}

// ModeAdditive disables all deterministic-trigger promotions in the scorer.
const ModeAdditive = "additive"

// Defaults returns the compiled-in default configuration (§6).
func Defaults() Config {
	return Config{
		Risk: RiskConfig{
			BlockThreshold: 70,
			Mode:           "",
			Weights: Weights{
				TokenReplay:         0.28,
				EphemeralID:         0.15,
				EmailFraud:          0.14,
				ValidationFrequency: 0.10,
				IPDiversity:         0.07,
				IPRateLimit:         0.07,
				HeaderFingerprint:   0.07,
				JA4SessionHopping:   0.06,
				TLSAnomaly:          0.04,
				LatencyMismatch:     0.02,
			},
			Levels: Levels{
				Low:    Level{Min: 0, Max: 39},
				Medium: Level{Min: 40, Max: 69},
				High:   Level{Min: 70, Max: 100},
			},
		},
		Detection: DetectionConfig{
			EphemeralIDSubmissionThreshold:    2,
			ValidationFrequencyWarnThreshold:  2,
			ValidationFrequencyBlockThreshold: 3,
			IPDiversityThreshold:              2,
		},
		JA4: JA4Config{
			ScoreThresholds: JA4ScoreThresholds{
				SuspiciousClustering: 80,
				BrowserHopping:       140,
			},
		},
		Timeouts: TimeoutsConfig{
			Schedule: []int{3600, 14400, 28800, 43200, 86400},
			Maximum:  86400,
		},
		Captcha: CaptchaConfig{
			SiteVerifyURL: "https://challenges.cloudflare.com/turnstile/v0/siteverify",
			Timeout:       5 * time.Second,
			RatePerSecond: 20,
			Burst:         10,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		DB: DBConfig{
			DriverName: "sqlite3",
			DSN:        "fraudgate.db",
		},
	}
}

// Load reads the FRAUD_CONFIG environment variable (a JSON object, possibly
// partial or empty) and deep-merges it onto Defaults(). An empty or unset
// FRAUD_CONFIG yields Defaults() unchanged, satisfying the deep-merge law
// in §8 ("deep-merge of {} onto defaults yields defaults").
func Load() (Config, error) {
	raw := os.Getenv("FRAUD_CONFIG")
	return LoadFromJSON([]byte(raw))
}

// LoadFromJSON deep-merges the given JSON document onto Defaults(). A nil
// or empty document is treated as "{}".
func LoadFromJSON(raw []byte) (Config, error) {
	cfg := Config{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse FRAUD_CONFIG: %w", err)
		}
	}
	defaults := Defaults()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return Config{}, fmt.Errorf("config: merge defaults: %w", err)
	}
	return cfg, nil
}
