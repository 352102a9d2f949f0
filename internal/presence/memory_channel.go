package presence

import (
	"context"
	"sync"
)

// MemoryChannel is a process-local Channel. It backs presence when Redis is unavailable and
// only sees sessions connected to this instance.
type MemoryChannel struct {
	mu       sync.Mutex
	sessions map[string]map[string]Payload
	subs     map[*memorySubscription]struct{}
}

// NewMemoryChannel returns an empty in-process channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		sessions: make(map[string]map[string]Payload),
		subs:     make(map[*memorySubscription]struct{}),
	}
}

// Subscribe attaches a new subscriber.
func (c *MemoryChannel) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{channel: c, events: make(chan Event, 64)}
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub, nil
}

// broadcast must be called with c.mu held. Slow subscribers lose events rather than block
// the channel; a later sync still carries the full state.
func (c *MemoryChannel) broadcast(ev Event) {
	for sub := range c.subs {
		select {
		case sub.events <- ev:
		default:
		}
	}
}

type memorySubscription struct {
	channel *MemoryChannel
	events  chan Event
	once    sync.Once
}

func (s *memorySubscription) Events() <-chan Event { return s.events }

func (s *memorySubscription) Track(ctx context.Context, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := s.channel
	c.mu.Lock()
	defer c.mu.Unlock()
	conns, ok := c.sessions[p.SessionKey]
	if !ok {
		conns = make(map[string]Payload)
		c.sessions[p.SessionKey] = conns
	}
	_, existed := conns[p.Ref]
	conns[p.Ref] = p
	if !ok {
		c.broadcast(Event{Type: EventJoin, Key: p.SessionKey})
	}
	if !existed {
		c.broadcast(Event{Type: EventSync})
	}
	return nil
}

func (s *memorySubscription) Touch(ctx context.Context, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := s.channel
	c.mu.Lock()
	defer c.mu.Unlock()
	stored, ok := c.sessions[p.SessionKey][p.Ref]
	if !ok {
		return ErrNotTracked
	}
	stored.LastSeen = p.LastSeen
	c.sessions[p.SessionKey][p.Ref] = stored
	return nil
}

func (s *memorySubscription) Untrack(ctx context.Context, p Payload) error {
	c := s.channel
	c.mu.Lock()
	defer c.mu.Unlock()
	conns, ok := c.sessions[p.SessionKey]
	if !ok {
		return nil
	}
	if _, ok := conns[p.Ref]; !ok {
		return nil
	}
	delete(conns, p.Ref)
	if len(conns) == 0 {
		delete(c.sessions, p.SessionKey)
		c.broadcast(Event{Type: EventLeave, Key: p.SessionKey})
	}
	c.broadcast(Event{Type: EventSync})
	return nil
}

func (s *memorySubscription) State(ctx context.Context) (map[string][]Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := s.channel
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]Payload, len(c.sessions))
	for key, conns := range c.sessions {
		for _, p := range conns {
			out[key] = append(out[key], p)
		}
	}
	return out, nil
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		c := s.channel
		c.mu.Lock()
		delete(c.subs, s)
		close(s.events)
		c.mu.Unlock()
	})
	return nil
}
