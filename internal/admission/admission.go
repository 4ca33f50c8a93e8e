// Package admission orchestrates the staged submission pipeline (§4.8):
// validate, hash, replay check, blacklist checks, CAPTCHA verification,
// signal collection, risk scoring, decision, and persistence.
package admission

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dragstor/fraudgate/internal/blacklist"
	"github.com/dragstor/fraudgate/internal/captcha"
	"github.com/dragstor/fraudgate/internal/config"
	"github.com/dragstor/fraudgate/internal/fingerprint"
	"github.com/dragstor/fraudgate/internal/risk"
	"github.com/dragstor/fraudgate/internal/signals"
	"github.com/dragstor/fraudgate/internal/store"
	"github.com/dragstor/fraudgate/internal/tokenhash"
	"github.com/dragstor/fraudgate/internal/validate"
)

// CaptchaVerifier is the subset of the captcha package this controller
// needs: a single verify call that also accepts the caller-presented
// testing-bypass API key (ignored by the production verifier).
type CaptchaVerifier interface {
	VerifyWithKey(ctx context.Context, token, remoteIP, presentedKey string) (captcha.Result, error)
}

// productionVerifier adapts a captcha.Verifier (no bypass support) to
// CaptchaVerifier by ignoring the presented key.
type productionVerifier struct {
	verifier captcha.Verifier
}

func (p productionVerifier) VerifyWithKey(ctx context.Context, token, remoteIP, _ string) (captcha.Result, error) {
	return p.verifier.Verify(ctx, token, remoteIP)
}

// NewProductionVerifier wraps v so it satisfies CaptchaVerifier without
// ever honoring a bypass key.
func NewProductionVerifier(v captcha.Verifier) CaptchaVerifier {
	return productionVerifier{verifier: v}
}

// autoBlacklistEligible maps a risk component name to the block reason
// recorded on the blacklist entry it can trigger (§4.9): only a handful of
// categorical signals justify an automatic block, as opposed to one noisy
// request tipping the weighted sum over threshold.
var autoBlacklistEligible = map[string]string{
	"ephemeralId":         "ephemeral_id_excess",
	"validationFrequency": "validation_frequency_excess",
	"ja4SessionHopping":   "ja4_hopping",
	"ipRateLimit":         "ip_rate",
}

// Request is everything the controller needs for one submission attempt.
type Request struct {
	HTTP               *http.Request
	Form               validate.Input
	Edge               fingerprint.Edge
	JSDetected         bool
	PresentedBypassKey string
}

// Outcome is the controller's decision, shaped for the HTTP layer to
// render directly into the §6 response body.
type Outcome struct {
	StatusCode        int
	Success           bool
	SubmissionID      *int64
	Message           string
	UserMessage       string
	RetryAfterSeconds int
	ValidationErrors  validate.Errors
}

// Controller wires together every pipeline stage.
type Controller struct {
	store     *store.Store
	captcha   CaptchaVerifier
	blacklist *blacklist.Blacklist
	collector *signals.Collector
	scorer    *risk.Scorer
	cfg       config.Config
	log       zerolog.Logger
}

// New builds a Controller from its collaborators.
func New(st *store.Store, verifier CaptchaVerifier, bl *blacklist.Blacklist, collector *signals.Collector, scorer *risk.Scorer, cfg config.Config, log zerolog.Logger) *Controller {
	return &Controller{
		store:     st,
		captcha:   verifier,
		blacklist: bl,
		collector: collector,
		scorer:    scorer,
		cfg:       cfg,
		log:       log.With().Str("component", "admission-controller").Logger(),
	}
}

const (
	msgValidationFailed = "Validation failed"
	userMsgBlocked      = "This request could not be completed."
	userMsgRetryLater   = "Too many attempts. Please try again later."
	userMsgCaptchaFail  = "Verification failed, please try again."
)

// Admit runs the full pipeline for one request (§4.8's canonical sequence).
func (c *Controller) Admit(ctx context.Context, req Request) Outcome {
	now := time.Now()

	// 1. Extract metadata, validate form shape.
	meta := fingerprint.Extract(req.HTTP, req.Edge, req.JSDetected)
	sanitized, verrs := validate.Validate(req.Form, now)
	if len(verrs) > 0 {
		return Outcome{StatusCode: http.StatusBadRequest, Success: false, Message: msgValidationFailed, ValidationErrors: verrs}
	}

	// 2. Compute token hash.
	tokenHash := tokenhash.Hash(sanitized.CaptchaToken)

	// 3. Replay check. Fail-secure: a query error is treated as a hit.
	if c.tokenReplayed(ctx, tokenHash) {
		c.logRejection(ctx, tokenHash, meta, "token_reused", 100, false, now)
		return Outcome{StatusCode: http.StatusBadRequest, Success: false, Message: "Submission rejected", UserMessage: userMsgCaptchaFail}
	}

	// 4. Pre-verify blacklist check, IP-keyed. Fail-secure: a query error is
	// treated as a hit.
	if hit, err := c.blacklist.Check(ctx, "", meta.RemoteIP, now); err != nil || hit.Blocked {
		if err != nil {
			c.log.Warn().Err(err).Msg("blacklist lookup failed, failing secure")
			hit.Reason = "blacklist_check_failed"
		}
		c.logRejection(ctx, tokenHash, meta, hit.Reason, 100, false, now)
		return Outcome{StatusCode: http.StatusForbidden, Success: false, Message: "Submission rejected", UserMessage: userMsgBlocked}
	}

	// 5. CAPTCHA verify.
	result, err := c.captcha.VerifyWithKey(ctx, sanitized.CaptchaToken, meta.RemoteIP, req.PresentedBypassKey)
	if err != nil {
		c.log.Error().Err(err).Msg("captcha verification transport error")
	}
	if result.EphemeralID != "" {
		meta.EphemeralID = result.EphemeralID
	}
	if !result.Valid {
		c.logRejection(ctx, tokenHash, meta, "captcha_failed", 90, false, now)
		return Outcome{StatusCode: http.StatusBadRequest, Success: false, Message: "Submission rejected", UserMessage: userMsgCaptchaFail}
	}

	// 6. Post-verify blacklist check, device-ID-keyed. Fail-secure as in 4.
	if meta.EphemeralID != "" {
		if hit, err := c.blacklist.Check(ctx, meta.EphemeralID, meta.RemoteIP, now); err != nil || hit.Blocked {
			if err != nil {
				c.log.Warn().Err(err).Msg("blacklist lookup failed, failing secure")
				hit.Reason = "blacklist_check_failed"
			}
			c.logRejection(ctx, tokenHash, meta, hit.Reason, 100, true, now)
			return Outcome{StatusCode: http.StatusForbidden, Success: false, Message: "Submission rejected", UserMessage: userMsgBlocked}
		}
	}

	// 7. Signal collection (fail-open internally).
	bundle := c.collector.Collect(ctx, tokenHash, sanitized.Email, meta)

	duplicateEmail := false
	if n, err := c.store.EmailUsedBy(ctx, sanitized.Email); err == nil && n > 0 {
		duplicateEmail = true
	}
	priorOffenses, _ := c.blacklist.CountOffenses(ctx, meta.EphemeralID, meta.RemoteIP)

	// 8. Risk scoring.
	scoreResult := c.scorer.Score(risk.Input{
		Signals:        bundle,
		CaptchaFailed:  false,
		DuplicateEmail: duplicateEmail,
		RepeatOffender: priorOffenses > 0,
	})

	// 9. Decision.
	allowed := scoreResult.Total < c.cfg.Risk.BlockThreshold
	if allowed {
		return c.admit(ctx, sanitized, meta, tokenHash, scoreResult, now)
	}
	return c.reject(ctx, tokenHash, meta, scoreResult, now)
}

func (c *Controller) tokenReplayed(ctx context.Context, tokenHash string) bool {
	reused, err := c.store.TokenReused(ctx, tokenHash)
	if err != nil {
		c.log.Warn().Err(err).Msg("replay lookup failed, failing secure")
		return true
	}
	return reused
}

// admit persists the submission before the validation record, per §4.8's
// ordering invariant, and returns 201 even if the validation insert fails
// (the submission itself is durable and that is what the caller needed).
func (c *Controller) admit(ctx context.Context, sanitized validate.Sanitized, meta fingerprint.Metadata, tokenHash string, scoreResult risk.Result, now time.Time) Outcome {
	sub := store.Submission{
		FirstName:   sanitized.FirstName,
		LastName:    sanitized.LastName,
		Email:       sanitized.Email,
		Phone:       sanitized.Phone,
		Address:     sanitized.Address,
		DateOfBirth: sanitized.DateOfBirth,
		Meta:        meta,
	}
	submissionID, err := c.store.InsertSubmission(ctx, sub, now)
	if err != nil {
		c.log.Error().Err(err).Msg("submission insert failed")
		return Outcome{StatusCode: http.StatusInternalServerError, Success: false, Message: "Internal error", UserMessage: userMsgBlocked}
	}

	v := store.Validation{
		TokenHash:   tokenHash,
		Success:     true,
		Allowed:     true,
		RiskScore:   scoreResult.Total,
		EphemeralID: meta.EphemeralID,
		SubmissionID: &submissionID,
		Meta:        meta,
	}
	if _, err := c.store.InsertValidation(ctx, v, now); err != nil {
		c.log.Error().Err(err).Int64("submissionId", submissionID).Msg("validation log insert failed after successful admission")
	}

	id := submissionID
	return Outcome{StatusCode: http.StatusCreated, Success: true, SubmissionID: &id, Message: "Submission accepted"}
}

// reject logs the rejected validation record, auto-blacklists when the
// controlling signal qualifies (§4.9), and picks 429 vs 403 depending on
// that eligibility: 403 when an auto-blacklist insert was attempted (even
// if the insert itself failed), 429 with Retry-After otherwise.
func (c *Controller) reject(ctx context.Context, tokenHash string, meta fingerprint.Metadata, scoreResult risk.Result, now time.Time) Outcome {
	reason, eligible := controllingSignal(scoreResult)

	v := store.Validation{
		TokenHash:   tokenHash,
		Success:     true,
		Allowed:     false,
		BlockReason: reason,
		RiskScore:   scoreResult.Total,
		EphemeralID: meta.EphemeralID,
		Meta:        meta,
	}
	if _, err := c.store.InsertValidation(ctx, v, now); err != nil {
		c.log.Error().Err(err).Msg("rejection validation log insert failed")
	}

	if !eligible {
		return Outcome{StatusCode: http.StatusTooManyRequests, Success: false, Message: "Submission rejected", UserMessage: userMsgRetryLater, RetryAfterSeconds: 3600}
	}

	confidence := confidenceForTotal(scoreResult.Total, meta.EphemeralID != "")
	_, err := c.blacklist.Add(ctx, blacklist.Entry{
		EphemeralID: meta.EphemeralID,
		IPAddress:   meta.RemoteIP,
		BlockReason: reason,
		Confidence:  confidence,
	}, now)
	if err != nil {
		c.log.Error().Err(err).Msg("auto-blacklist insert failed")
	}
	return Outcome{StatusCode: http.StatusForbidden, Success: false, Message: "Submission rejected", UserMessage: userMsgBlocked}
}

// logRejection persists a synthetic validation record for a pipeline stage
// that short-circuited before scoring (replay, blacklist hit, CAPTCHA
// failure). score is the reason-specific value mandated by §4.8
// (token_reused=100, blacklist hit=100, captcha failure=90). success
// reflects whether CAPTCHA verification succeeded — false for replay and
// pre-verify blacklist hits, which short-circuit before the provider is
// ever contacted, and false for a CAPTCHA failure; true only for a
// post-verify blacklist hit.
// logRejection is best-effort for a replayed token: token_hash is UNIQUE
// on turnstile_validations, so a token_reused rejection reuses the same
// hash as the original row and InsertValidation returns ErrDuplicateToken,
// which is swallowed below. The 400 returned to the caller is unaffected.
func (c *Controller) logRejection(ctx context.Context, tokenHash string, meta fingerprint.Metadata, reason string, score float64, success bool, now time.Time) {
	v := store.Validation{
		TokenHash:   tokenHash,
		Success:     success,
		Allowed:     false,
		BlockReason: reason,
		RiskScore:   score,
		EphemeralID: meta.EphemeralID,
		Meta:        meta,
	}
	if _, err := c.store.InsertValidation(ctx, v, now); err != nil {
		c.log.Error().Err(err).Str("reason", reason).Msg("rejection validation log insert failed")
	}
}

// controllingSignal finds the strongest auto-blacklist-eligible component
// (§4.9): among {ephemeralId, validationFrequency, ja4SessionHopping,
// ipRateLimit}, the one with the highest contribution, but only if its own
// normalized score is at least 70 (the default block threshold; the
// configured threshold is not consulted here) — a single strong
// categorical signal, not an accumulation of many mild ones.
func controllingSignal(result risk.Result) (reason string, eligible bool) {
	var bestName string
	bestContribution := -1.0
	for _, comp := range result.PerComponent {
		if _, ok := autoBlacklistEligible[comp.Name]; !ok {
			continue
		}
		if comp.Score < 70 {
			continue
		}
		if comp.Contribution > bestContribution {
			bestContribution = comp.Contribution
			bestName = comp.Name
		}
	}
	if bestName == "" {
		return "", false
	}
	return autoBlacklistEligible[bestName], true
}

// confidenceForTotal grades a rejection's confidence for auto-blacklisting
// (§4.9): device-keyed entries may reach high confidence, IP-keyed entries
// cap at medium.
func confidenceForTotal(total float64, hasDeviceID bool) store.Confidence {
	if hasDeviceID {
		switch {
		case total >= 100:
			return store.ConfidenceHigh
		case total >= 80:
			return store.ConfidenceMedium
		default:
			return store.ConfidenceLow
		}
	}
	if total >= 100 {
		return store.ConfidenceMedium
	}
	return store.ConfidenceLow
}
