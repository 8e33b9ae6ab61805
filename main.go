package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/crilli/crilli-backend/admission"
	"github.com/crilli/crilli-backend/api"
	"github.com/crilli/crilli-backend/captcha"
	"github.com/crilli/crilli-backend/config"
	"github.com/crilli/crilli-backend/mailinglist"
	"github.com/crilli/crilli-backend/metrics"
	"github.com/crilli/crilli-backend/ratelimit"
)

const shutdownTimeout = 10 * time.Second

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// rateLimitStore returns a Redis-backed store when REDIS_URL is set, and an
// in-process store with its janitor running otherwise.
func rateLimitStore(ctx context.Context, cfg config.Config) (ratelimit.Store, error) {
	rate := ratelimit.Rate{Limit: cfg.RateLimit, Period: cfg.RateWindow}
	if cfg.RedisURL != "" {
		rdb, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("using redis rate limit store")
		return ratelimit.NewRedisStore(rdb, rate), nil
	}
	store := ratelimit.NewMemoryStore(rate,
		ratelimit.WithSweepEvery(cfg.SweepInterval),
		ratelimit.WithSweepHook(metrics.ObserveSweep))
	go store.Run(ctx)
	return store, nil
}

func newPipeline(ctx context.Context, cfg config.Config) (*admission.Pipeline, error) {
	limiter, err := rateLimitStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	pipelineCfg := admission.Config{
		Limiter:    limiter,
		MinElapsed: cfg.MinElapsed,
		GroupID:    cfg.SenderGroupID,
		Classifier: admission.DefaultClassifier(cfg.ExtraDisposableDomains...),
	}
	if cfg.RecaptchaSecret != "" {
		pipelineCfg.Captcha = captcha.NewVerifier(cfg.RecaptchaSecret, cfg.RecaptchaVerifyURL, httpClient)
	}
	if cfg.SenderAPIKey != "" {
		client := mailinglist.NewClient(mailinglist.Config{
			BaseURL:    cfg.SenderAPIURL,
			APIKey:     cfg.SenderAPIKey,
			HTTPClient: httpClient,
		})
		pipelineCfg.Provider = mailinglist.NewBreakerClient(client, mailinglist.BreakerSettings{})
	}
	return admission.New(pipelineCfg), nil
}

func main() {
	godotenv.Load()
	cfg, err := config.LoadEnvironmentVariables()
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}
	setupLogging(cfg)
	for _, err := range cfg.Missing {
		log.Warn().Err(err).Msg("running degraded")
	}
	if err := raven.SetDSN(os.Getenv("SENTRY_DSN")); err != nil {
		log.Warn().Err(err).Msg("invalid SENTRY_DSN, error reporting disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, err := newPipeline(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing subscription pipeline")
	}
	a := api.API{
		Pipeline:       pipeline,
		AllowedOrigins: cfg.AllowedOrigins,
		TrustedProxies: cfg.TrustedProxies,
	}
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.RegisterHandlers(http.NewServeMux()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutting down server")
		}
	}()

	log.Info().Str("addr", server.Addr).Msg("listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("serving")
	}
	log.Info().Msg("server stopped")
}
