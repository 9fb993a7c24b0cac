// Package notify delivers best-effort notifications about ticket
// lifecycle events. Delivery failures are retried a bounded number of
// times, then logged and forgotten: a broken notification channel never
// changes a ticketing outcome or fails a cycle.
package notify

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/integration"
)

const maxTries = 3

// Hooks are optional metric callbacks.
type Hooks struct {
	OnNotify func(provider, outcome string)
}

// Sink routes notification messages to providers from the registry.
type Sink struct {
	registry      *integration.Registry
	logger        log.Logger
	hooks         Hooks
	retryInterval time.Duration
}

// New creates a sink.
func New(registry *integration.Registry, logger log.Logger, hooks Hooks) *Sink {
	return &Sink{
		registry:      registry,
		logger:        logger,
		hooks:         hooks,
		retryInterval: 250 * time.Millisecond,
	}
}

// Notify sends a message through the named provider. Best-effort: the
// outcome is logged, never returned, so callers cannot accidentally
// couple their control flow to notification delivery.
func (s *Sink) Notify(ctx context.Context, provider string, msg integration.Message) {
	np, ok := s.registry.Notifier(provider)
	if !ok {
		s.logger.Warn(ctx, "notification provider not enabled, dropping message",
			"provider", provider, "title", msg.Title)
		s.observe(provider, "unavailable")
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval

	op := func() (struct{}, error) {
		return struct{}{}, np.Send(ctx, msg)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxTries),
	)
	if err != nil {
		s.logger.Warn(ctx, "notification delivery failed",
			"provider", provider, "title", msg.Title, "error", err)
		s.observe(provider, "error")
		return
	}
	s.observe(provider, "success")
}

func (s *Sink) observe(provider, outcome string) {
	if s.hooks.OnNotify != nil {
		s.hooks.OnNotify(provider, outcome)
	}
}
