// internal/notify/sinks.go
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"bookswap/internal/clients"
	"bookswap/internal/swap"
)

// LogSink writes every event to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Deliver(ctx context.Context, e swap.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "swap event",
		"request_id", e.RequestID,
		"kind", e.Kind,
		"from", e.FromStatus,
		"to", e.ToStatus,
		"actor_id", e.ActorID,
		"version", e.Version,
	)
	return nil
}

// Poster is the transport a WebhookSink posts through.
type Poster interface {
	Post(ctx context.Context, eventType string, payload interface{}) error
}

var _ Poster = (*clients.WebhookClient)(nil)

// WebhookSink posts events to an HTTP endpoint behind a circuit breaker, so
// a failing receiver is skipped quickly instead of tying up workers.
type WebhookSink struct {
	poster  Poster
	breaker *gobreaker.CircuitBreaker
}

// BreakerSettings tunes the webhook circuit breaker.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

func NewWebhookSink(poster Poster, settings BreakerSettings, logger *slog.Logger) *WebhookSink {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &WebhookSink{
		poster: poster,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "webhook",
			MaxRequests: 1,
			Timeout:     settings.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (*WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, e swap.Event) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.poster.Post(ctx, e.Kind.EventType(), e)
	})
	return err
}

// State reports the breaker state.
func (s *WebhookSink) State() gobreaker.State {
	return s.breaker.State()
}
