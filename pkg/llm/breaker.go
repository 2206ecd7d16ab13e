package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("llm provider circuit open")

// BreakerConfig tunes the circuit breaker around a provider.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// Breaker wraps a Provider with a circuit breaker so a failing backend is
// not hammered by every chat. Cancelled requests do not count as failures.
type Breaker struct {
	next Provider
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next. Zero config fields get defaults.
func NewBreaker(next Provider, cfg BreakerConfig) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "llm"
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	threshold := cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("llm circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Complete forwards to the wrapped provider through the breaker.
func (b *Breaker) Complete(ctx context.Context, messages []Message) (*Response, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Complete(ctx, messages)
	})
	if err != nil {
		return nil, mapBreakerErr(err)
	}
	return out.(*Response), nil
}

// Stream opens a stream through the breaker. Only the opening call is
// guarded; errors inside the stream surface on the channel.
func (b *Breaker) Stream(ctx context.Context, messages []Message) (<-chan Delta, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Stream(ctx, messages)
	})
	if err != nil {
		return nil, mapBreakerErr(err)
	}
	return out.(<-chan Delta), nil
}

// State reports the breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func mapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrCircuitOpen, err)
	}
	return err
}
