package presence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ellio/internal/metrics"
)

func fastOptions(key string) Options {
	return Options{
		SessionKey:    key,
		Device:        "desktop",
		Heartbeat:     5 * time.Millisecond,
		ReconnectBase: time.Millisecond,
		ReconnectStep: time.Millisecond,
		ReconnectMax:  5 * time.Millisecond,
		MaxAttempts:   5,
	}
}

// countingChannel wraps a channel and counts calls made through its subscriptions.
type countingChannel struct {
	inner      Channel
	subscribes atomic.Int32
	tracks     atomic.Int32
	touches    atomic.Int32
	states     atomic.Int32
	failWith   error
	// expireOnce makes the first Touch report the entry as expired.
	expireOnce atomic.Bool
}

func (c *countingChannel) Subscribe(ctx context.Context) (Subscription, error) {
	c.subscribes.Add(1)
	if c.failWith != nil {
		return nil, c.failWith
	}
	sub, err := c.inner.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return &countingSubscription{Subscription: sub, counts: c}, nil
}

type countingSubscription struct {
	Subscription
	counts *countingChannel
}

func (s *countingSubscription) Track(ctx context.Context, p Payload) error {
	s.counts.tracks.Add(1)
	return s.Subscription.Track(ctx, p)
}

func (s *countingSubscription) Touch(ctx context.Context, p Payload) error {
	s.counts.touches.Add(1)
	if s.counts.expireOnce.CompareAndSwap(true, false) {
		return ErrNotTracked
	}
	return s.Subscription.Touch(ctx, p)
}

func (s *countingSubscription) State(ctx context.Context) (map[string][]Payload, error) {
	s.counts.states.Add(1)
	return s.Subscription.State(ctx)
}

func startTracker(t *testing.T, ch Channel, stats *Stats, opts Options) (*Tracker, *Handle) {
	t.Helper()
	tr := NewTracker(ch, stats, opts, metrics.NewUnregistered(), discardLogger())
	h, err := tr.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(h.Stop)
	return tr, h
}

func startObserver(t *testing.T, ch Channel, stats *Stats) *Observer {
	t.Helper()
	obs := NewObserver(ch, stats, time.Hour, metrics.NewUnregistered(), discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		obs.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return obs
}

func TestTrackersCountDistinctSessions(t *testing.T) {
	ch := NewMemoryChannel()
	stats := NewStats(nil, metrics.NewUnregistered(), discardLogger())
	startObserver(t, ch, stats)

	startTracker(t, ch, stats, fastOptions("a"))
	startTracker(t, ch, stats, fastOptions("b"))
	_, hc := startTracker(t, ch, stats, fastOptions("c"))

	require.Eventually(t, func() bool { return stats.Snapshot().Online == 3 }, time.Second, 5*time.Millisecond)

	hc.Stop()
	require.Eventually(t, func() bool { return stats.Snapshot().Online == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(3), stats.Snapshot().Peak)
}

func TestSameSessionKeyCountsOnce(t *testing.T) {
	ch := NewMemoryChannel()
	stats := NewStats(nil, metrics.NewUnregistered(), discardLogger())
	startObserver(t, ch, stats)

	liteTab := fastOptions("tab")
	liteTab.Lite = true
	liteTab.Heartbeat = time.Hour
	tabA, ha := startTracker(t, ch, stats, liteTab)
	tabB, _ := startTracker(t, ch, stats, liteTab)
	startTracker(t, ch, stats, fastOptions("other"))

	require.Eventually(t, func() bool { return stats.Snapshot().Online == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return tabA.State() == StateTracking && tabB.State() == StateTracking
	}, time.Second, time.Millisecond)

	// Closing one tab must not take the shared key away from the other.
	ha.Stop()
	sub, err := ch.Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Close()
	state, err := sub.State(context.Background())
	require.NoError(t, err)
	require.Len(t, state["tab"], 1)
	require.Never(t, func() bool { return stats.Snapshot().Online != 2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestTrackersLeaveCountingToObserver(t *testing.T) {
	ch := &countingChannel{inner: NewMemoryChannel()}
	stats := NewStats(nil, metrics.NewUnregistered(), discardLogger())

	a, _ := startTracker(t, ch, stats, fastOptions("a"))
	b, _ := startTracker(t, ch, stats, fastOptions("b"))
	require.Eventually(t, func() bool {
		return a.State() == StateTracking && b.State() == StateTracking
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return ch.tracks.Load() >= 6 }, time.Second, time.Millisecond)
	require.Zero(t, ch.states.Load())
	require.Zero(t, stats.Snapshot().Online)
}

func TestStartIsOneShot(t *testing.T) {
	tr, _ := startTracker(t, NewMemoryChannel(), NewStats(nil, metrics.NewUnregistered(), discardLogger()), fastOptions("a"))
	_, err := tr.Start(context.Background())
	require.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestStopReleasesSession(t *testing.T) {
	ch := NewMemoryChannel()
	stats := NewStats(nil, metrics.NewUnregistered(), discardLogger())
	tr, h := startTracker(t, ch, stats, fastOptions("a"))
	require.Eventually(t, func() bool { return tr.State() == StateTracking }, time.Second, time.Millisecond)

	h.Stop()
	h.Stop()
	require.Equal(t, StateClosed, tr.State())

	viewer, err := ch.Subscribe(context.Background())
	require.NoError(t, err)
	defer viewer.Close()
	state, err := viewer.State(context.Background())
	require.NoError(t, err)
	require.Empty(t, state)
}

func TestLiteModeRefreshesWithoutReannouncing(t *testing.T) {
	full := &countingChannel{inner: NewMemoryChannel()}
	lite := &countingChannel{inner: NewMemoryChannel()}
	stats := NewStats(nil, metrics.NewUnregistered(), discardLogger())

	startTracker(t, full, stats, fastOptions("full"))
	liteOpts := fastOptions("lite")
	liteOpts.Lite = true
	startTracker(t, lite, stats, liteOpts)

	require.Eventually(t, func() bool { return full.tracks.Load() >= 3 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return lite.touches.Load() >= 3 }, time.Second, time.Millisecond)
	require.Equal(t, int32(1), lite.tracks.Load())
	require.Zero(t, full.touches.Load())
}

func TestLiteTrackerTracksAgainAfterExpiry(t *testing.T) {
	ch := &countingChannel{inner: NewMemoryChannel()}
	ch.expireOnce.Store(true)
	opts := fastOptions("lite")
	opts.Lite = true
	tr, _ := startTracker(t, ch, NewStats(nil, metrics.NewUnregistered(), discardLogger()), opts)

	require.Eventually(t, func() bool { return ch.tracks.Load() == 2 }, time.Second, time.Millisecond)
	require.Equal(t, StateTracking, tr.State())
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	ch := &countingChannel{failWith: errors.New("gateway unreachable")}
	var (
		mu      sync.Mutex
		updates []Update
	)
	opts := fastOptions("a")
	opts.OnUpdate = func(u Update) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	}
	tr, h := startTracker(t, ch, NewStats(nil, metrics.NewUnregistered(), discardLogger()), opts)

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tracker kept retrying")
	}
	require.Equal(t, int32(opts.MaxAttempts), ch.subscribes.Load())
	require.Equal(t, StateDisconnected, tr.State())

	mu.Lock()
	defer mu.Unlock()
	last := updates[len(updates)-1]
	require.True(t, last.Permanent)
	require.Equal(t, StateDisconnected, last.State)
}

// droppingChannel closes its first subscription shortly after handing it out.
type droppingChannel struct {
	inner Channel
	drops atomic.Int32
}

func (c *droppingChannel) Subscribe(ctx context.Context) (Subscription, error) {
	sub, err := c.inner.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	if c.drops.Add(1) == 1 {
		go func() {
			time.Sleep(10 * time.Millisecond)
			sub.Close()
		}()
	}
	return sub, nil
}

func TestReconnectsAfterSubscriptionDrop(t *testing.T) {
	ch := &droppingChannel{inner: NewMemoryChannel()}
	stats := NewStats(nil, metrics.NewUnregistered(), discardLogger())
	startObserver(t, ch.inner, stats)
	tr, _ := startTracker(t, ch, stats, fastOptions("a"))

	require.Eventually(t, func() bool { return ch.drops.Load() >= 2 && tr.State() == StateTracking }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return stats.Snapshot().Online == 1 }, time.Second, time.Millisecond)
}

func TestReconnectDelayGrowsAndCaps(t *testing.T) {
	tr := NewTracker(NewMemoryChannel(), nil, Options{
		ReconnectBase: time.Second,
		ReconnectStep: 2 * time.Second,
		ReconnectMax:  6 * time.Second,
	}, metrics.NewUnregistered(), discardLogger())

	require.Equal(t, 3*time.Second, tr.ReconnectDelay(1))
	require.Equal(t, 5*time.Second, tr.ReconnectDelay(2))
	require.Equal(t, 6*time.Second, tr.ReconnectDelay(3))
	require.Equal(t, 6*time.Second, tr.ReconnectDelay(50))
}
