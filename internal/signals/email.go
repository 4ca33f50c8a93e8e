package signals

import (
	"context"
	"strings"
)

// disposableDomains is a small illustrative denylist of known disposable
// mail providers. The production classifier is an external ML model
// (§9 Open Questions); this default exists so the pipeline has a working
// implementation without that dependency.
var disposableDomains = map[string]bool{
	"mailinator.com": true,
	"10minutemail.com": true,
	"guerrillamail.com": true,
	"tempmail.com": true,
	"yopmail.com": true,
	"trashmail.com": true,
}

// freeMailDomains are legitimate but low-accountability providers: a small
// contributing factor, never disqualifying on their own.
var freeMailDomains = map[string]bool{
	"gmail.com": true,
	"yahoo.com": true,
	"hotmail.com": true,
	"outlook.com": true,
	"aol.com": true,
}

type defaultEmailRiskClassifier struct{}

// NewDefaultEmailRiskClassifier returns a heuristic EmailRiskClassifier
// based on domain reputation and plus-addressing, for use when no external
// classifier is wired in.
func NewDefaultEmailRiskClassifier() EmailRiskClassifier {
	return defaultEmailRiskClassifier{}
}

func (defaultEmailRiskClassifier) Score(_ context.Context, email string) (float64, error) {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return 0, nil
	}
	local := strings.ToLower(email[:at])
	domain := strings.ToLower(email[at+1:])

	var score float64
	if disposableDomains[domain] {
		score += 80
	} else if freeMailDomains[domain] {
		score += 15
	}

	if strings.Contains(local, "+") {
		score += 10
	}

	if digits := countDigits(local); digits >= 4 {
		score += 15
	}

	if score > 100 {
		score = 100
	}
	return score, nil
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
