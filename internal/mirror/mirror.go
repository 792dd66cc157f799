// Package mirror owns one account's collection and the state derived from
// it. A single goroutine applies every read and write, so the collection,
// its category map and the filter memo always change together.
package mirror

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/filter"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/merge"
)

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("mirror closed")

// ChangeKind describes what a committed write did.
type ChangeKind string

const (
	ChangeReplaced ChangeKind = "replaced"
	ChangeMerged   ChangeKind = "merged"
	ChangeUpdated  ChangeKind = "updated"
)

// Change is delivered to observers after every committed write.
type Change struct {
	Account string
	Kind    ChangeKind
	IDs     []string // affected ids; empty for a full replace
}

// Observer receives changes. It runs on the goroutine that made the write,
// after the write has been committed, and may call back into the mirror.
type Observer func(Change)

type state struct {
	items   []mail.Item
	index   map[string]int
	cats    category.Map
	filter  *filter.Engine
	pending map[string]int // item id -> in-flight mutations

	notes []Change
}

// Mirror is the single writer for one account.
type Mirror struct {
	account string
	logger  *slog.Logger

	reqs      chan func(*state)
	done      chan struct{}
	closeOnce sync.Once

	obsMu     sync.RWMutex
	observers []Observer
}

// New starts a mirror for account seeded with items.
func New(account string, items []mail.Item, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mirror{
		account: account,
		logger:  logger.With("account", account),
		reqs:    make(chan func(*state)),
		done:    make(chan struct{}),
	}
	st := &state{
		filter:  filter.NewEngine(),
		pending: make(map[string]int),
	}
	st.reset(slices.Clone(items), m.logger)
	go m.loop(st)
	return m
}

// Account returns the account this mirror belongs to.
func (m *Mirror) Account() string {
	return m.account
}

func (m *Mirror) loop(st *state) {
	for {
		select {
		case fn := <-m.reqs:
			fn(st)
		case <-m.done:
			return
		}
	}
}

// do runs fn on the owner goroutine and waits for it. Observers are then
// notified on the calling goroutine.
func (m *Mirror) do(fn func(*state)) error {
	var notes []Change
	finished := make(chan struct{})
	req := func(st *state) {
		defer close(finished)
		fn(st)
		notes, st.notes = st.notes, nil
	}
	select {
	case m.reqs <- req:
	case <-m.done:
		return ErrClosed
	}
	<-finished
	m.notify(notes)
	return nil
}

func (m *Mirror) notify(notes []Change) {
	if len(notes) == 0 {
		return
	}
	m.obsMu.RLock()
	obs := slices.Clone(m.observers)
	m.obsMu.RUnlock()
	for _, n := range notes {
		for _, o := range obs {
			o(n)
		}
	}
}

// Subscribe registers an observer for committed changes.
func (m *Mirror) Subscribe(o Observer) {
	m.obsMu.Lock()
	m.observers = append(m.observers, o)
	m.obsMu.Unlock()
}

// Close stops the owner goroutine. Further calls return ErrClosed.
func (m *Mirror) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// reset installs a new collection and rebuilds all derived state.
func (st *state) reset(items []mail.Item, logger *slog.Logger) {
	merge.SortNewestFirst(items)
	st.items = items
	st.reindex()
	st.cats = category.BuildMap(items, logger)
	st.filter.Invalidate()
}

func (st *state) reindex() {
	st.index = make(map[string]int, len(st.items))
	for i, it := range st.items {
		st.index[it.ID] = i
	}
}

// commit is the single write path for changes to individual items:
// store, recategorize, invalidate the memo, queue a note.
func (st *state) commit(account string, logger *slog.Logger, kind ChangeKind, changed ...mail.Item) {
	ids := make([]string, 0, len(changed))
	for _, it := range changed {
		idx, ok := st.index[it.ID]
		if !ok {
			continue
		}
		st.items[idx] = it
		st.cats.Set(it, logger)
		ids = append(ids, it.ID)
	}
	st.filter.Invalidate()
	st.notes = append(st.notes, Change{Account: account, Kind: kind, IDs: ids})
}
