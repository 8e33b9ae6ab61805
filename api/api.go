package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	raven "github.com/getsentry/raven-go"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/crilli/crilli-backend/admission"
	"github.com/crilli/crilli-backend/util"
)

////////////////////////////////
//  *****   REST API   *****  //
////////////////////////////////

// Admitter decides on a signup request.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) admission.Result
}

// API is the HTTP API that this service provides.
// Successful requests respond with
// {
//     success // always true
//     message // text to show the visitor
//     isUpdate // set when an existing subscriber was added to the list
// }
// and failures with
// {
//     error // text to show the visitor
//     isDuplicate // set when the address is already subscribed
// }
type API struct {
	Pipeline           Admitter
	AllowedOrigins []string
	TrustedProxies util.TrustedProxies
}

type response struct {
	StatusCode  int           `json:"-"`
	Success     bool          `json:"success,omitempty"`
	Message     string        `json:"message,omitempty"`
	Error       string        `json:"error,omitempty"`
	IsUpdate    bool          `json:"isUpdate,omitempty"`
	IsDuplicate bool          `json:"isDuplicate,omitempty"`
	Data        interface{}   `json:"data,omitempty"`
	retryAfter  time.Duration
}

type apiHandler func(r *http.Request) response

func (api *API) wrapper(handler apiHandler) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		response := handler(r)
		if response.StatusCode == http.StatusInternalServerError {
			packet := raven.NewPacket(response.Error, raven.NewHttp(r))
			raven.Capture(packet, nil)
		}
		if response.retryAfter > 0 {
			seconds := int(math.Ceil(response.retryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
		writeJSON(w, response)
	}
}

func pingHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
}

// RegisterHandlers binds API functions to the given http server,
// and returns the resulting handler.
func (api *API) RegisterHandlers(mux *http.ServeMux) http.Handler {
	mux.HandleFunc("/api/subscribe", api.wrapper(api.subscribe))
	mux.HandleFunc("/api/ping", pingHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return middleware(mux, api.AllowedOrigins, api.TrustedProxies)
}

// Writes `apiResponse` as a JSON object to http.ResponseWriter `w`. If an
// error occurs, writes `http.StatusInternalServerError` to `w`.
func writeJSON(w http.ResponseWriter, apiResponse response) {
	b, err := json.MarshalIndent(apiResponse, "", "  ")
	if err != nil {
		msg := fmt.Sprintf("Internal error: could not format JSON. (%s)\n", err)
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(apiResponse.StatusCode)
	if _, err := fmt.Fprintf(w, "%s\n", b); err != nil {
		log.Debug().Err(err).Msg("writing response")
	}
}

func success(message string) response {
	return response{StatusCode: http.StatusOK, Success: true, Message: message}
}

func badRequest(format string, a ...interface{}) response {
	return response{
		StatusCode: http.StatusBadRequest,
		Error:      fmt.Sprintf(format, a...),
	}
}

func serverError(format string, a ...interface{}) response {
	return response{
		StatusCode: http.StatusInternalServerError,
		Error:      fmt.Sprintf(format, a...),
	}
}
