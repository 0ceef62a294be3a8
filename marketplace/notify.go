/*
notify.go - Fire-and-forget notification dispatch with bounded retry

PURPOSE:
  Booking, purchase and refund operations notify students, experts and
  admins. A failed notification must never roll back or fail the operation
  that triggered it, so delivery runs in the background after the state
  change is committed.

RETRY:
  Up to MaxAttempts sends with exponential backoff (BaseDelay, 2x, 4x ...)
  capped at MaxDelay. After the last failure the notification is logged and
  dropped.
*/
package marketplace

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// backoff returns the wait before the given retry (attempt starts at 1).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Dispatcher sends notifications asynchronously.
type Dispatcher struct {
	notifier Notifier
	policy   RetryPolicy
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewDispatcher(n Notifier, policy RetryPolicy, logger *slog.Logger) *Dispatcher {
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{notifier: n, policy: policy, logger: logger}
}

// Dispatch queues notifications for background delivery.
func (d *Dispatcher) Dispatch(notifications ...Notification) {
	if d == nil {
		return
	}
	for _, n := range notifications {
		if n.To == "" {
			d.logger.Warn("notification skipped: no recipient", "component", "notify", "template", n.Template)
			continue
		}
		if d.notifier == nil {
			d.logger.Info("notification dropped: no notifier configured", "component", "notify", "template", n.Template, "to", n.To)
			continue
		}
		d.wg.Add(1)
		go func(n Notification) {
			defer d.wg.Done()
			d.deliver(n)
		}(n)
	}
}

// Wait blocks until every queued notification has been delivered or dropped.
func (d *Dispatcher) Wait() {
	if d != nil {
		d.wg.Wait()
	}
}

func (d *Dispatcher) deliver(n Notification) {
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := d.notifier.Send(ctx, n)
		cancel()
		if err == nil {
			return
		}
		if attempt == d.policy.MaxAttempts {
			d.logger.Error("notification failed, giving up",
				"component", "notify", "template", n.Template, "to", n.To,
				"attempts", attempt, "error", err)
			return
		}
		wait := d.policy.backoff(attempt)
		d.logger.Warn("notification failed, retrying",
			"component", "notify", "template", n.Template, "to", n.To,
			"attempt", attempt, "retry_in", wait.String(), "error", err)
		time.Sleep(wait)
	}
}
