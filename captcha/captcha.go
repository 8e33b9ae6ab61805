// Package captcha verifies reCAPTCHA tokens against Google's siteverify API.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/crilli/crilli-backend/metrics"
)

// DefaultVerifyURL is Google's verification endpoint.
const DefaultVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

// ErrVerificationFailed is returned when the service answers but rejects the token.
var ErrVerificationFailed = errors.New("captcha verification failed")

// Response is the siteverify reply.
type Response struct {
	Success     bool     `json:"success"`
	ChallengeTS string   `json:"challenge_ts"`
	Hostname    string   `json:"hostname"`
	Score       float64  `json:"score"`
	Action      string   `json:"action"`
	ErrorCodes  []string `json:"error-codes"`
}

// Verifier checks tokens with one secret.
type Verifier struct {
	secret    string
	verifyURL string
	client    *http.Client
}

// NewVerifier returns a Verifier posting to verifyURL (DefaultVerifyURL when
// empty). A nil client gets a 10 second timeout.
func NewVerifier(secret, verifyURL string, client *http.Client) *Verifier {
	if verifyURL == "" {
		verifyURL = DefaultVerifyURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Verifier{secret: secret, verifyURL: verifyURL, client: client}
}

// Verify sends token and the client's address for verification. Any
// transport or decoding error is returned wrapped; a negative answer
// returns ErrVerificationFailed.
func (v *Verifier) Verify(ctx context.Context, token, remoteIP string) error {
	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	form.Set("remoteip", remoteIP)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		metrics.CaptchaVerifications.WithLabelValues("error").Inc()
		return fmt.Errorf("captcha request: %w", err)
	}
	defer resp.Body.Close()

	var result Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		metrics.CaptchaVerifications.WithLabelValues("error").Inc()
		return fmt.Errorf("decoding captcha response (status %d): %w", resp.StatusCode, err)
	}
	if !result.Success {
		metrics.CaptchaVerifications.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: %s", ErrVerificationFailed, strings.Join(result.ErrorCodes, ", "))
	}
	metrics.CaptchaVerifications.WithLabelValues("success").Inc()
	return nil
}
