package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ellio/internal/metrics"
)

// Observer is the single place a process recomputes the online count. It holds one
// subscription, reads the channel state once per sync (several queued syncs collapse into
// one read) and fans the resulting snapshot out to every listener.
type Observer struct {
	channel Channel
	stats   *Stats
	resync  time.Duration
	backoff time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	listeners map[int]func(Snapshot)
	nextID    int
}

// NewObserver returns an observer feeding stats. resync also recomputes on a timer so
// connections expiring without a leave event are noticed; it defaults to 30s.
func NewObserver(ch Channel, stats *Stats, resync time.Duration, m *metrics.Metrics, logger *slog.Logger) *Observer {
	if resync <= 0 {
		resync = 30 * time.Second
	}
	return &Observer{
		channel:   ch,
		stats:     stats,
		resync:    resync,
		backoff:   time.Second,
		metrics:   m,
		logger:    logger.With("component", "presence_observer"),
		listeners: make(map[int]func(Snapshot)),
	}
}

// Listen registers fn for every recomputed snapshot until the returned func is called.
// fn runs on the observer goroutine and must not block.
func (o *Observer) Listen(fn func(Snapshot)) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// Run keeps the observer subscribed until ctx ends, resubscribing with a growing delay
// after failures.
func (o *Observer) Run(ctx context.Context) {
	failures := 0
	for {
		err := o.watch(ctx, &failures)
		if ctx.Err() != nil {
			return
		}
		failures++
		o.metrics.Errors.WithLabelValues("presence").Inc()
		o.logger.Warn("presence observer lost its subscription", "attempt", failures, "error", err)

		timer := time.NewTimer(o.delay(failures))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// delay doubles from backoff per failure, capped at 30s.
func (o *Observer) delay(failures int) time.Duration {
	d := o.backoff << min(failures-1, 5)
	return min(d, 30*time.Second)
}

func (o *Observer) watch(ctx context.Context, failures *int) error {
	sub, err := o.channel.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	if err := o.refresh(ctx, sub); err != nil {
		return err
	}
	*failures = 0

	ticker := time.NewTicker(o.resync)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return ErrSubscriptionClosed
			}
			pending, open := drainEvents(sub)
			if !open {
				return ErrSubscriptionClosed
			}
			if ev.Type != EventSync && !pending {
				continue
			}
			if err := o.refresh(ctx, sub); err != nil {
				return err
			}
		case <-ticker.C:
			if err := o.refresh(ctx, sub); err != nil {
				return err
			}
		}
	}
}

// drainEvents empties whatever is already queued, reporting whether a sync was among it
// and whether the stream is still open.
func drainEvents(sub Subscription) (sawSync, open bool) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return sawSync, false
			}
			if ev.Type == EventSync {
				sawSync = true
			}
		default:
			return sawSync, true
		}
	}
}

// refresh counts distinct session keys, so tabs sharing a key count once.
func (o *Observer) refresh(ctx context.Context, sub Subscription) error {
	state, err := sub.State(ctx)
	if err != nil {
		return fmt.Errorf("presence state: %w", err)
	}
	snap := o.stats.Observe(ctx, int64(len(state)), time.Now())

	o.mu.Lock()
	fns := make([]func(Snapshot), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
	return nil
}
