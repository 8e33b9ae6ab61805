package api

import (
	"math"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/crilli/crilli-backend/admission"
	"github.com/crilli/crilli-backend/metrics"
	"github.com/crilli/crilli-backend/util"
)

// Largest subscribe body we read.
const maxBodyBytes = 16 << 10

// User-facing texts. Bot rejections are deliberately vague.
const (
	msgSubscribed        = "Successfully subscribed!"
	msgAddedToList       = "Successfully added to mailing list!"
	msgInvalidRequest    = "Invalid request"
	msgTooFast           = "Please wait a moment before submitting."
	msgRateLimited       = "Too many requests. Please try again later."
	msgCaptchaFailed     = "reCAPTCHA verification failed. Please try again."
	msgEmailRequired     = "Email is required"
	msgInvalidEmail      = "Please enter a valid email address"
	msgDisposableEmail   = "Please use a permanent email address"
	msgAlreadySubscribed = "This email is already subscribed to our mailing list."
	msgConfiguration     = "Service configuration error"
	msgSubscribeFailed   = "Failed to subscribe. Please try again."
	msgInternal          = "Internal server error"
)

type subscribeBody struct {
	Email          string   `json:"email"`
	Honeypot       string   `json:"honeypot"`
	Timestamp      *float64 `json:"timestamp"`
	RecaptchaToken string   `json:"recaptchaToken"`
}

// Subscribe is the handler for /api/subscribe
//   POST /api/subscribe
//        email: Address to add to the mailing list.
//        honeypot: Hidden form field, must be empty.
//        timestamp (optional): Epoch milliseconds at which the form was rendered.
//        recaptchaToken (optional): reCAPTCHA token.
func (api API) subscribe(r *http.Request) response {
	if r.Method != http.MethodPost {
		return response{StatusCode: http.StatusMethodNotAllowed,
			Error: "/api/subscribe only accepts POST requests"}
	}
	var body subscribeBody
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		log.Debug().Err(err).Msg("undecodable subscribe body")
		return badRequest(msgInvalidRequest)
	}
	req := admission.Request{
		Email:        body.Email,
		Honeypot:     body.Honeypot,
		CaptchaToken: body.RecaptchaToken,
		ClientID:     util.ClientIdentifier(r, api.TrustedProxies),
	}
	// A zero timestamp is treated as absent.
	if body.Timestamp != nil && *body.Timestamp != 0 {
		ms := epochMillis(*body.Timestamp)
		req.Timestamp = &ms
	}

	result := api.Pipeline.Admit(r.Context(), req)
	metrics.SubscribeOutcomes.WithLabelValues(result.Outcome.String(), string(result.Reason)).Inc()
	return resultResponse(result)
}

// epochMillis converts a client timestamp without overflowing. Values past
// the int64 range saturate, so a far-future stamp still reads as too fast.
func epochMillis(ts float64) int64 {
	switch {
	case math.IsNaN(ts), ts >= math.MaxInt64:
		return math.MaxInt64
	case ts <= math.MinInt64:
		return math.MinInt64
	}
	return int64(ts)
}

// resultResponse maps a pipeline result to the endpoint's status codes.
func resultResponse(res admission.Result) response {
	switch res.Outcome {
	case admission.Accepted:
		resp := success(msgSubscribed)
		if res.Subscriber != nil {
			resp.Data = res.Subscriber
		}
		return resp
	case admission.AcceptedViaUpdate:
		resp := success(msgAddedToList)
		resp.IsUpdate = true
		return resp
	case admission.Rejected:
		return rejectionResponse(res)
	}

	switch {
	case res.Reason == admission.ReasonProviderUnavailable:
		return serverError(msgConfiguration)
	case !res.ProviderReached:
		return serverError(msgInternal)
	case res.ProviderMessage != "":
		return badRequest("%s", res.ProviderMessage)
	default:
		return badRequest(msgSubscribeFailed)
	}
}

func rejectionResponse(res admission.Result) response {
	switch res.Reason {
	case admission.ReasonRateLimited:
		return response{
			StatusCode: http.StatusTooManyRequests,
			Error:      msgRateLimited,
			retryAfter: res.RetryAfter,
		}
	case admission.ReasonTooFast:
		return badRequest(msgTooFast)
	case admission.ReasonCaptchaFailed:
		return badRequest(msgCaptchaFailed)
	case admission.ReasonMissingEmail:
		return badRequest(msgEmailRequired)
	case admission.ReasonInvalidEmailFormat, admission.ReasonSuspiciousEmail:
		return badRequest(msgInvalidEmail)
	case admission.ReasonDisposableEmail:
		return badRequest(msgDisposableEmail)
	case admission.ReasonAlreadySubscribed:
		resp := badRequest(msgAlreadySubscribed)
		resp.IsDuplicate = true
		return resp
	default:
		return badRequest(msgInvalidRequest)
	}
}
