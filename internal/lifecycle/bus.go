// Package lifecycle carries application lifecycle events (foreground,
// background, external updates) from the host to the app.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	Active         Kind = "active"
	Inactive       Kind = "inactive"
	Foreground     Kind = "foreground"
	Background     Kind = "background"
	ExternalUpdate Kind = "external_update"
)

var kinds = []Kind{Active, Inactive, Foreground, Background, ExternalUpdate}

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("lifecycle bus closed")

// ParseKind accepts the event names case-insensitively; "-" and "_" are
// interchangeable.
func ParseKind(s string) (Kind, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for _, k := range kinds {
		if string(k) == norm {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown lifecycle event %q", s)
}

// Event is one lifecycle notification. Account is set for ExternalUpdate.
type Event struct {
	Kind    Kind      `json:"kind"`
	Account string    `json:"account,omitempty"`
	At      time.Time `json:"at"`
}

const subscriberBuffer = 16

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and a warning is logged.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an open bus.
func NewBus() *Bus {
	return &Bus{
		logger: slog.Default(),
		subs:   make(map[int]chan Event),
	}
}

// WithLogger sets the logger for the bus.
func (b *Bus) WithLogger(logger *slog.Logger) *Bus {
	b.logger = logger
	return b
}

// Subscribe returns a channel of future events and a function that detaches
// it. The channel is closed on unsubscribe or Close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers e to every subscriber that has room for it. A zero At is
// stamped with the current time.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	b.logger.Debug("lifecycle event", "kind", e.Kind, "account", e.Account, "subscribers", len(b.subs))
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("subscriber full, dropping lifecycle event", "subscriber", id, "kind", e.Kind, "account", e.Account)
		}
	}
	return nil
}

// Close closes every subscriber channel. Later Publish calls fail.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
