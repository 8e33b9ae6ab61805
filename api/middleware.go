package api

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/gorilla/handlers"
	"github.com/rs/zerolog/log"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/crilli/crilli-backend/util"
)

// Coarse per-IP ceiling across every endpoint. The subscribe window is
// enforced separately by the admission pipeline.
const (
	throttlePeriod = time.Minute
	throttleLimit  = 30
)

func middleware(handler http.Handler, origins []string, trusted util.TrustedProxies) http.Handler {
	originsOk := handlers.AllowedOrigins(origins)
	methodsOk := handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions})
	headersOk := handlers.AllowedHeaders([]string{"Content-Type"})

	return realIPHandler(trusted,
		handlers.LoggingHandler(os.Stdout,
			recoveryHandler(
				throttleHandler(throttlePeriod, throttleLimit,
					handlers.CORS(originsOk, methodsOk, headersOk)(handler)),
			),
		),
	)
}

// realIPHandler replaces RemoteAddr with the client address resolved from a
// trusted proxy's headers, so the access log and the throttle see the client
// rather than the proxy.
func realIPHandler(trusted util.TrustedProxies, f http.Handler) http.Handler {
	if len(trusted) == 0 {
		return f
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := util.ClientIdentifier(r, trusted); id != util.UnknownClient {
			r.RemoteAddr = net.JoinHostPort(id, "0")
			r.Header.Del("X-Forwarded-For")
			r.Header.Del("X-Real-IP")
		}
		f.ServeHTTP(w, r)
	})
}

func throttleHandler(period time.Duration, limit int64, f http.Handler) http.Handler {
	if flag.Lookup("test.v") != nil {
		// Don't throttle tests
		return f
	}
	rateLimitStore := memory.NewStore()
	rate := limiter.Rate{
		Period: period,
		Limit:  limit,
	}
	rateLimiter := stdlib.NewMiddleware(limiter.New(rateLimitStore, rate,
		limiter.WithTrustForwardHeader(false)))
	return rateLimiter.Handler(f)
}

func recoveryHandler(f http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		defer func() {
			rval := recover()
			if rval == nil {
				return
			}
			err, ok := rval.(error)
			if !ok {
				err = fmt.Errorf("%v", rval)
			}
			packet := raven.NewPacket(err.Error(), raven.NewException(err, raven.GetOrNewStacktrace(err, 2, 3, nil)), raven.NewHttp(r))
			raven.Capture(packet, nil)
			log.Error().Err(err).Str("path", r.URL.Path).Msg("recovered from panic")
			w.WriteHeader(http.StatusInternalServerError)
		}()

		f.ServeHTTP(w, r)
	})
}
