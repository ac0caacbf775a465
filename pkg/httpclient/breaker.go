package httpclient

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// breaker adapts gobreaker to the client's round-trip shape.
type breaker struct {
	cb *gobreaker.CircuitBreaker
}

func (b *breaker) execute(fn func() (*http.Response, error)) (*http.Response, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

// BreakerConfig tunes the circuit breaker wrapped around an upstream.
type BreakerConfig struct {
	// Name identifies the upstream in logs.
	Name string

	// MaxFailures before the circuit opens. Default 5.
	MaxFailures int

	// OpenInterval is how long the circuit stays open. Default 30s.
	OpenInterval time.Duration
}

// WithCircuitBreaker trips the upstream open after consecutive transport
// failures so a dead dependency fails fast instead of eating the turn
// deadline.
func WithCircuitBreaker(cfg BreakerConfig) Option {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenInterval <= 0 {
		cfg.OpenInterval = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.OpenInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state change", "upstream", name, "from", from.String(), "to", to.String())
		},
	}

	return func(c *Client) {
		c.breaker = &breaker{cb: gobreaker.NewCircuitBreaker(settings)}
	}
}
