package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ellio/internal/repo"
)

// Outcome is the terminal state of a recharge or payment.
type Outcome struct {
	Kind            Kind        `json:"kind"`
	ID              string      `json:"id"`
	Status          repo.Status `json:"status"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
}

// Watcher polls pending requests until an operator decides them.
type Watcher struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
}

// NewWatcher polls every interval, defaulting to five seconds.
func NewWatcher(svc *Service, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{svc: svc, interval: interval, logger: logger.With("component", "payment_watcher")}
}

// Check returns the current status of a request without waiting.
func (w *Watcher) Check(ctx context.Context, kind Kind, id string) (Outcome, error) {
	out := Outcome{Kind: kind, ID: id}
	var reason *string
	switch kind {
	case KindRecharge:
		req, err := w.svc.Recharge(ctx, id)
		if err != nil {
			return out, err
		}
		out.Status, reason = req.Status, req.RejectionReason
	case KindPayment:
		p, err := w.svc.Payment(ctx, id)
		if err != nil {
			return out, err
		}
		out.Status, reason = p.Status, p.RejectionReason
	default:
		return out, fmt.Errorf("%w: unknown kind %q", ErrValidation, kind)
	}
	if reason != nil {
		out.RejectionReason = *reason
	}
	return out, nil
}

// Await blocks until the request reaches a terminal state or ctx ends. Poll failures
// that survive the gateway retries are logged and polling continues; a missing
// request stops the wait. onDone, when set, runs once with the final outcome.
func (w *Watcher) Await(ctx context.Context, kind Kind, id string, onDone func(Outcome)) (Outcome, error) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		out, err := w.Check(ctx, kind, id)
		switch {
		case err == nil && out.Status.Terminal():
			if onDone != nil {
				onDone(out)
			}
			return out, nil
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrValidation):
			return out, err
		case err != nil && ctx.Err() == nil:
			w.logger.Warn("poll failed", "kind", kind, "id", id, "error", err)
		}

		select {
		case <-ctx.Done():
			out.Status = repo.StatusPending
			return out, ctx.Err()
		case <-ticker.C:
		}
	}
}
