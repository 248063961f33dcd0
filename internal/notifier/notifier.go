// Package notifier abstracts outbound email/SMS delivery. The auth flows
// treat delivery failures as soft unless the whole operation is the send.
package notifier

import (
	"context"
	"log/slog"
	"time"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

type Message struct {
	Destination string
	Channel     Channel
	Subject     string
	Body        string
}

type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// SlogNotifier logs messages instead of delivering them. Used in
// development and as the fallback when no provider is configured.
type SlogNotifier struct {
	logger *slog.Logger
}

func NewSlogNotifier(logger *slog.Logger) *SlogNotifier {
	return &SlogNotifier{logger: logger}
}

func (n *SlogNotifier) Send(ctx context.Context, msg Message) error {
	n.logger.InfoContext(ctx, "notification dispatched",
		"channel", msg.Channel,
		"destination", msg.Destination,
		"subject", msg.Subject,
	)
	return nil
}

// RetryingNotifier retries transient delivery failures with a bounded
// loop and fixed backoff. Retries stay local; callers only observe the
// added latency.
type RetryingNotifier struct {
	inner    Notifier
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

func NewRetryingNotifier(inner Notifier, attempts int, backoff time.Duration, logger *slog.Logger) *RetryingNotifier {
	if attempts < 1 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &RetryingNotifier{inner: inner, attempts: attempts, backoff: backoff, logger: logger}
}

func (n *RetryingNotifier) Send(ctx context.Context, msg Message) error {
	var lastErr error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		lastErr = n.inner.Send(ctx, msg)
		if lastErr == nil {
			return nil
		}
		n.logger.WarnContext(ctx, "notification send failed",
			"channel", msg.Channel,
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt == n.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.backoff):
		}
	}
	return lastErr
}
