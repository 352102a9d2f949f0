package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisChannel shares presence across instances. Each connection is one member of a sorted
// set scored by last-seen time, keyed by its ref; payloads live in a hash under the same ref
// and changes are broadcast over pub/sub. Connections not refreshed within ttl are pruned
// on read.
type RedisChannel struct {
	client *redis.Client
	name   string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisChannel returns a channel stored under presence:<name>:*.
func NewRedisChannel(client *redis.Client, name string, ttl time.Duration, logger *slog.Logger) *RedisChannel {
	return &RedisChannel{
		client: client,
		name:   name,
		ttl:    ttl,
		logger: logger.With("component", "presence_redis", "channel", name),
	}
}

func (c *RedisChannel) sessionsKey() string { return fmt.Sprintf("presence:%s:sessions", c.name) }
func (c *RedisChannel) payloadsKey() string { return fmt.Sprintf("presence:%s:payloads", c.name) }
func (c *RedisChannel) eventsKey() string   { return fmt.Sprintf("presence:%s:events", c.name) }

func (c *RedisChannel) keys() []string {
	return []string{c.sessionsKey(), c.payloadsKey(), c.eventsKey()}
}

// ARGV: score, ref, payload, session key.
var trackScript = redis.NewScript(`
local added = redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
if added == 1 then
	redis.call("PUBLISH", KEYS[3], cjson.encode({type = "join", key = ARGV[4]}))
	redis.call("PUBLISH", KEYS[3], cjson.encode({type = "sync"}))
end
return added
`)

// ARGV: score, ref.
var touchScript = redis.NewScript(`
if not redis.call("ZSCORE", KEYS[1], ARGV[2]) then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// ARGV: ref, session key.
var untrackScript = redis.NewScript(`
local removed = redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
if removed == 1 then
	redis.call("PUBLISH", KEYS[3], cjson.encode({type = "leave", key = ARGV[2]}))
	redis.call("PUBLISH", KEYS[3], cjson.encode({type = "sync"}))
end
return removed
`)

var pruneScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREM", KEYS[1], unpack(expired))
	redis.call("HDEL", KEYS[2], unpack(expired))
	redis.call("PUBLISH", KEYS[3], cjson.encode({type = "sync"}))
end
return #expired
`)

// Subscribe attaches to the event stream once Redis confirms the subscription.
func (c *RedisChannel) Subscribe(ctx context.Context) (Subscription, error) {
	ps := c.client.Subscribe(ctx, c.eventsKey())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.eventsKey(), err)
	}

	sub := &redisSubscription{
		channel: c,
		pubsub:  ps,
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

type redisSubscription struct {
	channel *RedisChannel
	pubsub  *redis.PubSub
	events  chan Event
	done    chan struct{}
	once    sync.Once
}

func (s *redisSubscription) forward() {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.pubsub.Channel():
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.channel.logger.Warn("dropping malformed presence event", "error", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Events() <-chan Event { return s.events }

func (s *redisSubscription) Track(ctx context.Context, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence payload: %w", err)
	}
	score := strconv.FormatInt(p.LastSeen.UnixMilli(), 10)
	if err := trackScript.Run(ctx, s.channel.client, s.channel.keys(), score, p.Ref, data, p.SessionKey).Err(); err != nil {
		return fmt.Errorf("track %s: %w", p.SessionKey, err)
	}
	return nil
}

func (s *redisSubscription) Touch(ctx context.Context, p Payload) error {
	score := strconv.FormatInt(p.LastSeen.UnixMilli(), 10)
	found, err := touchScript.Run(ctx, s.channel.client, s.channel.keys(), score, p.Ref).Int64()
	if err != nil {
		return fmt.Errorf("touch %s: %w", p.SessionKey, err)
	}
	if found == 0 {
		return ErrNotTracked
	}
	return nil
}

func (s *redisSubscription) Untrack(ctx context.Context, p Payload) error {
	if err := untrackScript.Run(ctx, s.channel.client, s.channel.keys(), p.Ref, p.SessionKey).Err(); err != nil {
		return fmt.Errorf("untrack %s: %w", p.SessionKey, err)
	}
	return nil
}

func (s *redisSubscription) State(ctx context.Context) (map[string][]Payload, error) {
	c := s.channel
	cutoff := time.Now().Add(-c.ttl).UnixMilli()
	pruned, err := pruneScript.Run(ctx, c.client, c.keys(), strconv.FormatInt(cutoff, 10)).Int64()
	if err != nil {
		return nil, fmt.Errorf("prune presence: %w", err)
	}
	if pruned > 0 {
		c.logger.Debug("pruned stale connections", "count", pruned)
	}

	raw, err := c.client.HGetAll(ctx, c.payloadsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence payloads: %w", err)
	}
	out := make(map[string][]Payload, len(raw))
	for ref, data := range raw {
		var p Payload
		if err := json.Unmarshal([]byte(data), &p); err != nil || p.SessionKey == "" {
			c.logger.Warn("skipping malformed presence payload", "ref", ref, "error", err)
			continue
		}
		out[p.SessionKey] = append(out[p.SessionKey], p)
	}
	return out, nil
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
