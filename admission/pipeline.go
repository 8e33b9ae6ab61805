// Package admission decides whether a newsletter signup reaches the mailing
// list provider.
//
// Admit runs a fixed sequence of gates: honeypot, rate limit, submission
// timing, CAPTCHA, address format, suspicious patterns and disposable
// domains. The first gate that refuses ends the request. Requests that pass
// every gate are sent to the provider, and a provider-side duplicate is
// turned into a group update where possible, so repeat signups never fail
// hard.
package admission

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/crilli/crilli-backend/mailinglist"
	"github.com/crilli/crilli-backend/ratelimit"
)

var emailFormat = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Request is one signup attempt.
type Request struct {
	Email    string
	Honeypot string
	// Timestamp is when the form was rendered, in epoch milliseconds as
	// reported by the client. Nil when the client didn't send one.
	Timestamp    *int64
	CaptchaToken string
	ClientID     string
}

// CaptchaVerifier checks a CAPTCHA token.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// Config holds the pipeline's tuning and collaborators.
type Config struct {
	// Limiter counts requests per client. Required.
	Limiter ratelimit.Store
	// MinElapsed is the shortest plausible time between rendering the form
	// and submitting it.
	MinElapsed time.Duration
	// Captcha is nil when no CAPTCHA secret is configured.
	Captcha CaptchaVerifier
	// Provider is nil when no API key is configured.
	Provider mailinglist.Provider
	// GroupID is the list group every subscriber is added to.
	GroupID    string
	Classifier *Classifier
}

// Pipeline is safe for concurrent use as long as its collaborators are.
type Pipeline struct {
	cfg Config
	now func() time.Time
}

// New returns a Pipeline. A nil Classifier gets DefaultClassifier.
func New(cfg Config) *Pipeline {
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultClassifier()
	}
	return &Pipeline{cfg: cfg, now: time.Now}
}

// Admit runs req through every gate and, if they all pass, subscribes it.
func (p *Pipeline) Admit(ctx context.Context, req Request) Result {
	logger := log.With().Str("client", req.ClientID).Str("domain", EmailDomain(req.Email)).Logger()

	if req.Honeypot != "" {
		logger.Info().Int("honeypot_len", len(req.Honeypot)).Msg("bot detected via honeypot")
		return rejected(ReasonBotSuspected)
	}

	if res, ok := p.checkRate(ctx, req); !ok {
		logger.Info().Dur("retry_after", res.RetryAfter).Msg("rate limit exceeded")
		return res
	}

	if req.Timestamp != nil {
		elapsed := p.now().Sub(time.UnixMilli(*req.Timestamp))
		if elapsed < p.cfg.MinElapsed {
			logger.Info().Dur("elapsed", elapsed).Msg("suspicious submission timing")
			return rejected(ReasonTooFast)
		}
	}

	if p.cfg.Captcha != nil && req.CaptchaToken != "" {
		if err := p.cfg.Captcha.Verify(ctx, req.CaptchaToken, req.ClientID); err != nil {
			logger.Info().Err(err).Msg("captcha verification failed")
			res := rejected(ReasonCaptchaFailed)
			res.Err = err
			return res
		}
	}

	if req.Email == "" {
		return rejected(ReasonMissingEmail)
	}
	if !emailFormat.MatchString(req.Email) {
		return rejected(ReasonInvalidEmailFormat)
	}
	if p.cfg.Classifier.Is(CategorySuspicious, req.Email) {
		logger.Info().Msg("suspicious email pattern detected")
		return rejected(ReasonSuspiciousEmail)
	}
	if p.cfg.Classifier.Is(CategoryDisposable, req.Email) {
		logger.Info().Msg("disposable email detected")
		return rejected(ReasonDisposableEmail)
	}

	if p.cfg.Provider == nil {
		logger.Error().Msg("mailing list provider is not configured")
		return Result{Outcome: ProviderError, Reason: ReasonProviderUnavailable}
	}
	return p.subscribe(ctx, logger, req.Email)
}

// checkRate takes one request from the client's window. A store failure
// lets the request through: an unavailable counter shouldn't close signups.
func (p *Pipeline) checkRate(ctx context.Context, req Request) (Result, bool) {
	now := p.now()
	decision, err := p.cfg.Limiter.Take(ctx, ratelimit.Key(req.ClientID))
	if err != nil {
		log.Error().Err(err).Str("client", req.ClientID).Msg("rate limit store failed, allowing request")
		raven.CaptureError(err, map[string]string{"component": "ratelimit"})
		return Result{}, true
	}
	if decision.Allowed {
		return Result{}, true
	}
	res := rejected(ReasonRateLimited)
	res.RetryAfter = decision.RetryAfter(now)
	return res, false
}

// subscribe creates the subscriber. The provider has no upsert, so a 400
// that isn't recognisably a duplicate is retried as lookup + group update.
func (p *Pipeline) subscribe(ctx context.Context, logger zerolog.Logger, email string) Result {
	groups := []string{p.cfg.GroupID}
	sub, err := p.cfg.Provider.CreateSubscriber(ctx, mailinglist.NewSubscriber{
		Email:             email,
		Groups:            groups,
		TriggerAutomation: true,
	})
	if err == nil {
		return accepted(sub)
	}

	var apiErr *mailinglist.APIError
	if !errors.As(err, &apiErr) {
		logger.Error().Err(err).Msg("mailing list provider unreachable")
		raven.CaptureError(err, map[string]string{"component": "mailinglist", "operation": "create"})
		return Result{Outcome: ProviderError, Reason: ReasonProviderError, Err: err}
	}

	logger.Warn().Int("status", apiErr.StatusCode).Str("provider_message", apiErr.Text()).
		Msg("mailing list provider rejected subscriber")
	if p.cfg.Classifier.Is(CategoryDuplicate, apiErr.Text()) {
		res := rejected(ReasonAlreadySubscribed)
		res.ProviderReached = true
		return res
	}

	if apiErr.StatusCode == http.StatusBadRequest {
		if res, ok := p.addToGroup(ctx, logger, email, groups); ok {
			return res
		}
	}

	raven.CaptureError(err, map[string]string{"component": "mailinglist", "operation": "create"})
	return Result{
		Outcome:         ProviderError,
		Reason:          ReasonProviderError,
		ProviderMessage: apiErr.Text(),
		ProviderReached: true,
		Err:             err,
	}
}

// addToGroup finds an existing subscriber and adds them to groups.
func (p *Pipeline) addToGroup(ctx context.Context, logger zerolog.Logger, email string, groups []string) (Result, bool) {
	logger.Info().Msg("attempting to update existing subscriber with group")
	sub, err := p.cfg.Provider.FindSubscriber(ctx, email)
	if err != nil {
		logger.Warn().Err(err).Msg("existing subscriber lookup failed")
		return Result{}, false
	}
	if err := p.cfg.Provider.UpdateSubscriberGroups(ctx, string(sub.ID), groups); err != nil {
		logger.Warn().Err(err).Msg("existing subscriber update failed")
		return Result{}, false
	}
	return Result{Outcome: AcceptedViaUpdate, Subscriber: sub, ProviderReached: true}, true
}
