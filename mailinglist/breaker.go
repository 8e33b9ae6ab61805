package mailinglist

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/crilli/crilli-backend/metrics"
)

var _ Provider = (*BreakerClient)(nil)

// BreakerClient wraps a Provider with a circuit breaker so that an
// unreachable provider fails requests immediately instead of holding them
// for the full HTTP timeout. Provider 4xx replies count as successes: they
// describe the request, not the provider's health.
type BreakerClient struct {
	next Provider
	cb   *gobreaker.CircuitBreaker[interface{}]
}

// BreakerSettings tunes the breaker. Zero values take the defaults noted.
type BreakerSettings struct {
	Name             string        // default "mailinglist"
	ConsecutiveFails uint32        // failures before opening, default 5
	OpenTimeout      time.Duration // open -> half-open, default 30s
}

// NewBreakerClient wraps next.
func NewBreakerClient(next Provider, s BreakerSettings) *BreakerClient {
	if s.Name == "" {
		s.Name = "mailinglist"
	}
	if s.ConsecutiveFails == 0 {
		s.ConsecutiveFails = 5
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = 30 * time.Second
	}
	metrics.CircuitBreakerState.WithLabelValues(s.Name).Set(0)

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFails
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, ErrSubscriberNotFound) || errors.Is(err, context.Canceled) {
				return true
			}
			var apiErr *APIError
			return errors.As(err, &apiErr) && apiErr.ClientError()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("mailing list circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	return &BreakerClient{next: next, cb: cb}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// State exposes the breaker state.
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}

// CreateSubscriber implements Provider.
func (b *BreakerClient) CreateSubscriber(ctx context.Context, sub NewSubscriber) (*Subscriber, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.CreateSubscriber(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Subscriber), nil
}

// FindSubscriber implements Provider.
func (b *BreakerClient) FindSubscriber(ctx context.Context, email string) (*Subscriber, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.FindSubscriber(ctx, email)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Subscriber), nil
}

// UpdateSubscriberGroups implements Provider.
func (b *BreakerClient) UpdateSubscriberGroups(ctx context.Context, id string, groups []string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.UpdateSubscriberGroups(ctx, id, groups)
	})
	return err
}
