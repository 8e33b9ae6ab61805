package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/crilli/crilli-backend/util"
)

// Config holds everything the service reads from its environment.
type Config struct {
	Port           string `validate:"required,numeric"`
	AllowedOrigins []string

	// Mailing-list provider. An empty APIKey is not a startup error: the
	// subscribe endpoint answers with a configuration error instead.
	SenderAPIKey  string
	SenderAPIURL  string `validate:"required,url"`
	SenderGroupID string `validate:"required"`

	// CAPTCHA verification is skipped when RecaptchaSecret is empty.
	RecaptchaSecret    string
	RecaptchaVerifyURL string `validate:"required,url"`

	RateLimit     int           `validate:"gt=0"`
	RateWindow    time.Duration `validate:"gt=0"`
	MinElapsed    time.Duration `validate:"gte=0"`
	SweepInterval time.Duration `validate:"gte=0"`
	RedisURL      string        `validate:"omitempty,url"`
	HTTPTimeout   time.Duration `validate:"gt=0"`

	// TrustedProxies may set X-Forwarded-For and X-Real-IP. Empty means
	// the connection address always identifies the client.
	TrustedProxies util.TrustedProxies

	ExtraDisposableDomains []string

	LogLevel  string `validate:"oneof=trace debug info warn error"`
	LogFormat string `validate:"oneof=json console"`

	// Missing lists unset variables the service starts without, running
	// degraded.
	Missing util.Errors
}

// Default configuration values. Can be overwritten by env vars of the same name.
var configDefaults = map[string]string{
	"PORT":                      "8080",
	"SENDER_NET_API_URL":        "https://api.sender.net",
	"SENDER_NET_GROUP_ID":       "b2J7Zj",
	"RECAPTCHA_VERIFY_URL":      "https://www.google.com/recaptcha/api/siteverify",
	"SUBSCRIBE_RATE_LIMIT":      "3",
	"SUBSCRIBE_RATE_WINDOW":     "15m",
	"SUBSCRIBE_MIN_ELAPSED":     "2s",
	"RATE_LIMIT_SWEEP_INTERVAL": "1m",
	"HTTP_TIMEOUT":              "10s",
	"LOG_LEVEL":                 "info",
	"LOG_FORMAT":                "json",
}

var validate = validator.New()

func getEnvOrDefault(varName string) string {
	envVar := os.Getenv(varName)
	if len(envVar) == 0 {
		envVar = configDefaults[varName]
	}
	return envVar
}

func getDuration(varName string, errs *util.Errors) time.Duration {
	d, err := time.ParseDuration(getEnvOrDefault(varName))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %v", varName, err))
	}
	return d
}

func getInt(varName string, errs *util.Errors) int {
	n, err := strconv.Atoi(getEnvOrDefault(varName))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %v", varName, err))
	}
	return n
}

func getProxies(varName string, errs *util.Errors) util.TrustedProxies {
	proxies, err := util.ParseTrustedProxies(splitList(os.Getenv(varName)))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %v", varName, err))
	}
	return proxies
}

// splitList splits a comma-separated variable, dropping empty entries.
func splitList(value string) []string {
	list := []string{}
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

// LoadEnvironmentVariables loads relevant environment variables into a
// Config object. Every malformed variable is reported in the returned error.
func LoadEnvironmentVariables() (Config, error) {
	varErrs := util.Errors{}
	missing := util.Errors{}
	cfg := Config{
		Port:                   strings.TrimPrefix(getEnvOrDefault("PORT"), ":"),
		AllowedOrigins:         splitList(os.Getenv("ALLOWED_ORIGINS")),
		SenderAPIKey:           util.RequireEnv("SENDER_NET_API_KEY", &missing),
		SenderAPIURL:           strings.TrimSuffix(getEnvOrDefault("SENDER_NET_API_URL"), "/"),
		SenderGroupID:          getEnvOrDefault("SENDER_NET_GROUP_ID"),
		RecaptchaSecret:        util.RequireEnv("RECAPTCHA_SECRET_KEY", &missing),
		RecaptchaVerifyURL:     getEnvOrDefault("RECAPTCHA_VERIFY_URL"),
		RateLimit:              getInt("SUBSCRIBE_RATE_LIMIT", &varErrs),
		RateWindow:             getDuration("SUBSCRIBE_RATE_WINDOW", &varErrs),
		MinElapsed:             getDuration("SUBSCRIBE_MIN_ELAPSED", &varErrs),
		SweepInterval:          getDuration("RATE_LIMIT_SWEEP_INTERVAL", &varErrs),
		RedisURL:               os.Getenv("REDIS_URL"),
		TrustedProxies:         getProxies("TRUSTED_PROXIES", &varErrs),
		HTTPTimeout:            getDuration("HTTP_TIMEOUT", &varErrs),
		ExtraDisposableDomains: splitList(os.Getenv("EXTRA_DISPOSABLE_DOMAINS")),
		LogLevel:               strings.ToLower(getEnvOrDefault("LOG_LEVEL")),
		LogFormat:              strings.ToLower(getEnvOrDefault("LOG_FORMAT")),
		Missing:                missing,
	}
	if len(varErrs) > 0 {
		return cfg, varErrs
	}
	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
