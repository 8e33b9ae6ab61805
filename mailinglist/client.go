// Package mailinglist is a client for the Sender.net v2 subscribers API.
package mailinglist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/crilli/crilli-backend/metrics"
)

// DefaultBaseURL is the Sender.net API root.
const DefaultBaseURL = "https://api.sender.net"

// ErrSubscriberNotFound is returned by FindSubscriber when no subscriber has
// the address.
var ErrSubscriberNotFound = errors.New("subscriber not found")

// Provider is the set of mailing-list operations the subscribe flow needs.
type Provider interface {
	CreateSubscriber(ctx context.Context, sub NewSubscriber) (*Subscriber, error)
	FindSubscriber(ctx context.Context, email string) (*Subscriber, error)
	UpdateSubscriberGroups(ctx context.Context, id string, groups []string) error
}

// NewSubscriber is the body of a create request.
type NewSubscriber struct {
	Email             string   `json:"email"`
	Groups            []string `json:"groups"`
	TriggerAutomation bool     `json:"trigger_automation"`
}

// Subscriber is a provider-side subscriber record.
type Subscriber struct {
	ID     SubscriberID `json:"id"`
	Email  string       `json:"email"`
	Status string       `json:"status,omitempty"`
}

// SubscriberID accepts ids sent either as JSON strings or numbers.
type SubscriberID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *SubscriberID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*id = SubscriberID(str)
		return nil
	}
	*id = SubscriberID(s)
	return nil
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Client talks to the provider's REST API. Each method makes exactly one
// HTTP request and never retries.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, apiKey: cfg.APIKey, http: httpClient}
}

// do sends a request and decodes a 2xx body into out (when non-nil). Non-2xx
// responses are returned as *APIError.
func (c *Client) do(ctx context.Context, operation, method, path string, body interface{}, out interface{}) error {
	start := time.Now()
	err := c.roundTrip(ctx, method, path, body, out)
	result := "success"
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		result = fmt.Sprintf("http_%d", apiErr.StatusCode)
	case err != nil:
		result = "error"
	}
	metrics.ObserveProvider(operation, result, time.Since(start))
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Errors carry the path only: the query may hold a subscriber's address.
	resp, err := c.http.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s %s response: %w", method, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, req.URL.Path, err)
	}
	return nil
}

// CreateSubscriber implements Provider.
//   POST /v2/subscribers
func (c *Client) CreateSubscriber(ctx context.Context, sub NewSubscriber) (*Subscriber, error) {
	var resp struct {
		Data *Subscriber `json:"data"`
	}
	if err := c.do(ctx, "create", http.MethodPost, "/v2/subscribers", sub, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return &Subscriber{Email: sub.Email}, nil
	}
	return resp.Data, nil
}

// FindSubscriber implements Provider.
//   GET /v2/subscribers?email=<email>
func (c *Client) FindSubscriber(ctx context.Context, email string) (*Subscriber, error) {
	var resp struct {
		Data []Subscriber `json:"data"`
	}
	path := "/v2/subscribers?email=" + url.QueryEscape(email)
	if err := c.do(ctx, "find", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || resp.Data[0].ID == "" {
		return nil, ErrSubscriberNotFound
	}
	return &resp.Data[0], nil
}

// UpdateSubscriberGroups implements Provider.
//   PUT /v2/subscribers/{id}
func (c *Client) UpdateSubscriberGroups(ctx context.Context, id string, groups []string) error {
	body := struct {
		Groups []string `json:"groups"`
	}{Groups: groups}
	return c.do(ctx, "update", http.MethodPut, "/v2/subscribers/"+url.PathEscape(id), body, nil)
}
