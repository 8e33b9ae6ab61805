package admission

import (
	"time"

	"github.com/crilli/crilli-backend/mailinglist"
)

// Outcome is the pipeline's verdict on a request.
type Outcome int

// Possible outcomes.
const (
	Accepted          Outcome = iota // Subscriber created.
	AcceptedViaUpdate                // Existing subscriber added to the group.
	Rejected                         // A gate refused the request, see Reason.
	ProviderError                    // The provider failed or isn't configured.
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case AcceptedViaUpdate:
		return "accepted_via_update"
	case Rejected:
		return "rejected"
	case ProviderError:
		return "provider_error"
	}
	return "unknown"
}

// Reason names why a request was rejected or failed.
type Reason string

// Error taxonomy.
const (
	ReasonNone                Reason = ""
	ReasonBotSuspected        Reason = "bot_suspected"
	ReasonTooFast             Reason = "too_fast"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonCaptchaFailed       Reason = "captcha_failed"
	ReasonMissingEmail        Reason = "missing_email"
	ReasonInvalidEmailFormat  Reason = "invalid_email_format"
	ReasonSuspiciousEmail     Reason = "suspicious_email"
	ReasonDisposableEmail     Reason = "disposable_email"
	ReasonAlreadySubscribed   Reason = "already_subscribed"
	ReasonProviderUnavailable Reason = "provider_unavailable"
	ReasonProviderError       Reason = "provider_error"
)

// BotSuspected reports whether the reason comes from a bot heuristic.
func (r Reason) BotSuspected() bool {
	return r == ReasonBotSuspected || r == ReasonTooFast
}

// Result is what Admit returns.
type Result struct {
	Outcome Outcome
	Reason  Reason
	// ProviderMessage is the provider's own error text, if it sent one.
	ProviderMessage string
	// ProviderReached is false when the provider call itself failed
	// (transport error, open breaker) rather than answering with an error.
	ProviderReached bool
	// RetryAfter is set for ReasonRateLimited.
	RetryAfter time.Duration
	Subscriber *mailinglist.Subscriber
	Err        error
}

func accepted(sub *mailinglist.Subscriber) Result {
	return Result{Outcome: Accepted, Subscriber: sub, ProviderReached: true}
}

func rejected(reason Reason) Result {
	return Result{Outcome: Rejected, Reason: reason}
}
