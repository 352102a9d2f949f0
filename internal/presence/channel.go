// Package presence counts live sessions over a pub/sub presence channel and keeps the
// all-time peak and milestone ladder.
package presence

import (
	"context"
	"errors"
	"time"
)

// EventType names a presence broadcast.
type EventType string

const (
	EventSync  EventType = "sync"
	EventJoin  EventType = "join"
	EventLeave EventType = "leave"
)

// Event is one presence broadcast. Key is empty for sync events.
type Event struct {
	Type EventType `json:"type"`
	Key  string    `json:"key,omitempty"`
}

// Payload is what one connection publishes about itself while tracked. Several connections
// (browser tabs) may share a SessionKey; Ref tells them apart.
type Payload struct {
	SessionKey string    `json:"session_key"`
	Ref        string    `json:"ref"`
	Device     string    `json:"device,omitempty"`
	Lite       bool      `json:"lite,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// Channel opens subscriptions to a shared presence state.
type Channel interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is one live attachment to a Channel. Events is closed when the subscription
// ends for any reason.
type Subscription interface {
	Events() <-chan Event
	// Track adds or refreshes the connection p.Ref under p.SessionKey.
	Track(ctx context.Context, p Payload) error
	// Touch refreshes the last-seen time of an already tracked connection without
	// rewriting its payload. It reports ErrNotTracked once the entry has expired.
	Touch(ctx context.Context, p Payload) error
	// Untrack removes only the connection p.Ref; the key stays present while other
	// connections hold it.
	Untrack(ctx context.Context, p Payload) error
	// State maps every present session key to the payloads of its connections.
	State(ctx context.Context) (map[string][]Payload, error)
	Close() error
}

var (
	// ErrSubscriptionClosed is reported when a subscription's event stream ends unexpectedly.
	ErrSubscriptionClosed = errors.New("presence subscription closed")
	// ErrNotTracked is returned by Touch for a connection the channel no longer holds.
	ErrNotTracked = errors.New("presence connection not tracked")
)
