package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ellio/internal/metrics"
)

// State is the lifecycle of a tracker's channel attachment.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateTracking     State = "tracking"
	StateError        State = "error"
	StateClosed       State = "closed"
)

// ErrAlreadyStarted is returned by a second Start on the same tracker.
var ErrAlreadyStarted = errors.New("presence tracker already started")

// Options configures one tracker.
type Options struct {
	SessionKey string
	// Ref identifies this connection among others sharing SessionKey. Generated when empty.
	Ref    string
	Device string
	// Lite replaces the payload re-announce with a bare last-seen refresh.
	Lite bool

	Heartbeat     time.Duration
	ReconnectBase time.Duration
	ReconnectStep time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   int

	// OnUpdate receives every state change, on the tracker goroutine. Counts are
	// recomputed by the process Observer, not by trackers.
	OnUpdate func(Update)
}

func (o *Options) setDefaults() {
	if o.Ref == "" {
		o.Ref = uuid.NewString()
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 60 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectStep <= 0 {
		o.ReconnectStep = 2 * time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
}

// Update is pushed to OnUpdate.
type Update struct {
	State State `json:"state"`
	// Permanent is set once the tracker gave up reconnecting.
	Permanent bool     `json:"permanent,omitempty"`
	Stats     Snapshot `json:"stats"`
}

// Tracker keeps one connection present on a Channel. It tracks, heartbeats and untracks;
// stats is only read to decorate state updates.
type Tracker struct {
	channel Channel
	stats   *Stats
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger

	started atomic.Bool
	mu      sync.Mutex
	state   State
}

// NewTracker builds a tracker for opts.SessionKey.
func NewTracker(ch Channel, stats *Stats, opts Options, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	opts.setDefaults()
	return &Tracker{
		channel: ch,
		stats:   stats,
		opts:    opts,
		metrics: m,
		logger:  logger.With("component", "presence_tracker", "session", opts.SessionKey, "ref", opts.Ref),
		state:   StateDisconnected,
	}
}

// Handle controls a running tracker.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop untracks the session, closes the subscription and waits for the tracker to exit.
// It is safe to call more than once.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed when the tracker has exited, either stopped or permanently disconnected.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Start launches the tracker. Only the first call succeeds.
func (t *Tracker) Start(ctx context.Context) (*Handle, error) {
	if !t.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		t.run(ctx)
	}()
	return h, nil
}

// State reports the current lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) setState(s State, permanent bool) {
	t.mu.Lock()
	changed := t.state != s
	t.state = s
	t.mu.Unlock()
	if !changed && !permanent {
		return
	}
	t.metrics.PresenceStates.WithLabelValues(string(s)).Inc()
	u := Update{State: s, Permanent: permanent}
	if t.stats != nil {
		u.Stats = t.stats.Snapshot()
	}
	t.emit(u)
}

func (t *Tracker) emit(u Update) {
	if t.opts.OnUpdate != nil {
		t.opts.OnUpdate(u)
	}
}

// ReconnectDelay is base + attempt*step, capped at max.
func (t *Tracker) ReconnectDelay(attempt int) time.Duration {
	d := t.opts.ReconnectBase + time.Duration(attempt)*t.opts.ReconnectStep
	if d > t.opts.ReconnectMax {
		return t.opts.ReconnectMax
	}
	return d
}

func (t *Tracker) run(ctx context.Context) {
	failures := 0
	for {
		err := t.session(ctx, &failures)
		if ctx.Err() != nil {
			t.setState(StateClosed, false)
			return
		}

		failures++
		t.setState(StateError, false)
		t.logger.Warn("presence channel failed", "attempt", failures, "error", err)
		if failures >= t.opts.MaxAttempts {
			t.logger.Error("presence tracker giving up", "attempts", failures)
			t.setState(StateDisconnected, true)
			return
		}

		timer := time.NewTimer(t.ReconnectDelay(failures))
		select {
		case <-ctx.Done():
			timer.Stop()
			t.setState(StateClosed, false)
			return
		case <-timer.C:
		}
	}
}

// session runs one subscription until it fails or ctx ends. A session that reaches
// Tracking resets the failure counter.
func (t *Tracker) session(ctx context.Context, failures *int) error {
	t.setState(StateConnecting, false)
	sub, err := t.channel.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer t.release(sub)
	t.setState(StateSubscribed, false)

	if err := sub.Track(ctx, t.payload()); err != nil {
		return fmt.Errorf("track: %w", err)
	}
	t.setState(StateTracking, false)
	*failures = 0

	heartbeat := time.NewTicker(t.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub.Events():
			// Events only matter to the Observer; the stream is drained to notice closure.
			if !ok {
				return ErrSubscriptionClosed
			}
		case <-heartbeat.C:
			if err := t.beat(ctx, sub); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

// beat keeps the connection from expiring. Full clients re-announce their payload; lite
// clients only refresh last-seen, and re-track if the entry expired anyway.
func (t *Tracker) beat(ctx context.Context, sub Subscription) error {
	if !t.opts.Lite {
		return sub.Track(ctx, t.payload())
	}
	err := sub.Touch(ctx, t.payload())
	if errors.Is(err, ErrNotTracked) {
		t.logger.Debug("presence entry expired, tracking again")
		return sub.Track(ctx, t.payload())
	}
	return err
}

// release stops counting this connection and closes the subscription. It runs detached
// from the tracker context, which is usually already cancelled here.
func (t *Tracker) release(sub Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sub.Untrack(ctx, t.payload()); err != nil {
		t.logger.Warn("untrack failed", "error", err)
	}
	if err := sub.Close(); err != nil {
		t.logger.Warn("close subscription failed", "error", err)
	}
}

func (t *Tracker) payload() Payload {
	return Payload{
		SessionKey: t.opts.SessionKey,
		Ref:        t.opts.Ref,
		Device:     t.opts.Device,
		Lite:       t.opts.Lite,
		LastSeen:   time.Now(),
	}
}
