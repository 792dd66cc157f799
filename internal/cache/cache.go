// Package cache keeps each account's collection in memory and mirrors it to
// durable storage.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/merge"
	"github.com/wesm/mailmirror/internal/remote"
)

// payloadVersion is bumped whenever the persisted layout changes; older
// payloads are treated as misses.
const payloadVersion = 1

// Durable is the persistent tier. store.Store implements it.
type Durable interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Key returns the durable key for an account's collection.
func Key(account string) string {
	return fmt.Sprintf("mailcache:v%d:%s", payloadVersion, account)
}

type payload struct {
	Version int         `json:"version"`
	SavedAt time.Time   `json:"saved_at"`
	Items   []mail.Item `json:"items"`
}

// Manager is the two-tier cache. Memory is authoritative for reads; the
// durable tier is written through on every update.
type Manager struct {
	durable Durable
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	memory map[string][]mail.Item
}

// New creates a cache manager over the given durable tier.
func New(durable Durable) *Manager {
	return &Manager{
		durable: durable,
		logger:  slog.Default(),
		now:     time.Now,
		memory:  make(map[string][]mail.Item),
	}
}

// WithLogger sets the logger for the manager.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.logger = logger
	return m
}

// LoadIntoMemory reads the durable copy for account into memory and reports
// whether anything was found. Unreadable entries are removed and count as a
// miss; they are never surfaced as errors.
func (m *Manager) LoadIntoMemory(ctx context.Context, account string) bool {
	key := Key(account)
	data, ok, err := m.durable.Get(ctx, key)
	if err != nil {
		m.logger.Warn("cache read failed", "account", account, "error", err)
		return false
	}
	if !ok {
		return false
	}

	items, err := decode(data)
	if err != nil {
		m.logger.Warn("discarding unreadable cache entry",
			"account", account, "error", remote.NewError(remote.KindDecode, "decode cache", err))
		if rmErr := m.durable.Remove(ctx, key); rmErr != nil {
			m.logger.Warn("failed to remove unreadable cache entry", "account", account, "error", rmErr)
		}
		return false
	}

	m.mu.Lock()
	m.memory[account] = items
	m.mu.Unlock()
	m.logger.Debug("cache loaded", "account", account, "items", len(items))
	return true
}

// Get returns the in-memory collection for account. The returned slice is a
// copy of the slice header; items are values and must not be mutated in place.
func (m *Manager) Get(account string) ([]mail.Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items, ok := m.memory[account]
	if !ok {
		return nil, false
	}
	return slices.Clone(items), true
}

// Update folds fetched items into the cached collection using an incremental
// merge, then persists the result. It returns the merged collection.
func (m *Manager) Update(ctx context.Context, account string, incoming []mail.Item) []mail.Item {
	m.mu.Lock()
	merged := merge.Incremental(m.memory[account], incoming)
	m.memory[account] = merged
	m.mu.Unlock()

	m.persist(ctx, account, merged)
	return slices.Clone(merged)
}

// Put replaces the cached collection with an already-merged one.
func (m *Manager) Put(ctx context.Context, account string, items []mail.Item) {
	items = slices.Clone(items)
	m.mu.Lock()
	m.memory[account] = items
	m.mu.Unlock()

	m.persist(ctx, account, items)
}

// Clear drops both tiers for account.
func (m *Manager) Clear(ctx context.Context, account string) error {
	m.mu.Lock()
	delete(m.memory, account)
	m.mu.Unlock()

	if err := m.durable.Remove(ctx, Key(account)); err != nil {
		return fmt.Errorf("clear cache for %s: %w", account, err)
	}
	return nil
}

// persist writes the collection to the durable tier. Failures are logged;
// the in-memory copy stays authoritative.
func (m *Manager) persist(ctx context.Context, account string, items []mail.Item) {
	data, err := json.Marshal(payload{Version: payloadVersion, SavedAt: m.now().UTC(), Items: items})
	if err != nil {
		m.logger.Error("cache encode failed", "account", account, "error", err)
		return
	}
	if err := m.durable.Set(ctx, Key(account), data); err != nil {
		m.logger.Warn("cache write failed", "account", account, "error", err)
	}
}

func decode(data []byte) ([]mail.Item, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.Version != payloadVersion {
		return nil, fmt.Errorf("unsupported cache version %d", p.Version)
	}
	for i := range p.Items {
		p.Items[i].Labels = mail.NormalizeLabels(p.Items[i].Labels)
	}
	merge.SortNewestFirst(p.Items)
	return p.Items, nil
}
