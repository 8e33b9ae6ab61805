package mailinglist

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// APIError is a non-2xx reply from the provider.
type APIError struct {
	StatusCode int
	// Messages holds every human-readable message found in the body, in the
	// order the provider sent them.
	Messages []string
	Body     string
}

func (e *APIError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("mailing list provider returned %d", e.StatusCode)
	}
	return fmt.Sprintf("mailing list provider returned %d: %s", e.StatusCode, e.Text())
}

// Text joins the provider's messages.
func (e *APIError) Text() string {
	return strings.Join(e.Messages, ", ")
}

// ClientError reports whether the provider blamed the request (4xx).
func (e *APIError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// newAPIError extracts messages from the shapes Sender.net uses for errors:
// {"message": [..]}, {"message": ".."}, {"error": ".."} and validation
// bodies with {"errors": {"field": [..]}}.
func newAPIError(status int, raw []byte) *APIError {
	e := &APIError{StatusCode: status, Body: string(raw)}
	var body struct {
		Message json.RawMessage            `json:"message"`
		Error   string                     `json:"error"`
		Errors  map[string]json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return e
	}
	e.Messages = append(e.Messages, rawStrings(body.Message)...)
	if body.Error != "" {
		e.Messages = append(e.Messages, body.Error)
	}
	fields := make([]string, 0, len(body.Errors))
	for field := range body.Errors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		e.Messages = append(e.Messages, rawStrings(body.Errors[field])...)
	}
	return e
}

// rawStrings reads a JSON string or array of strings.
func rawStrings(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one == "" {
			return nil
		}
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}
