package mirror

import (
	"errors"
	"slices"

	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/filter"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/merge"
)

// ErrNotFound is returned when an operation names an id not in the collection.
var ErrNotFound = errors.New("item not in collection")

// nextVersion keeps versions monotonic per item when a fetched copy replaces
// a local one.
func nextVersion(prev, incoming int64) int64 {
	return max(prev+1, incoming, 1)
}

// keepEnrichment copies the classifier-owned fields of prev onto a fetched
// copy. Providers never report them.
func keepEnrichment(prev, in mail.Item) mail.Item {
	in.Priority = prev.Priority
	in.RequiresAction = prev.RequiresAction
	in.SuggestedAction = prev.SuggestedAction
	return in
}

// Replace installs a freshly fetched collection. Items with an in-flight
// mutation keep their local copy so the pending reconcile still finds them.
func (m *Mirror) Replace(items []mail.Item) error {
	return m.do(func(st *state) {
		byKey := make(map[string]mail.Item, len(st.items))
		for _, it := range st.items {
			byKey[it.DedupKey()] = it
		}

		next := make([]mail.Item, 0, len(items))
		kept := make(map[string]bool)
		for _, in := range items {
			prev, seen := byKey[in.DedupKey()]
			switch {
			case seen && st.pending[prev.ID] > 0:
				if !kept[prev.ID] {
					next = append(next, prev)
					kept[prev.ID] = true
				}
			case seen:
				in = keepEnrichment(prev, in)
				in.Version = nextVersion(prev.Version, in.Version)
				next = append(next, in)
			default:
				in.Version = max(in.Version, 1)
				next = append(next, in)
			}
		}
		for id, n := range st.pending {
			if n > 0 && !kept[id] {
				if idx, ok := st.index[id]; ok {
					next = append(next, st.items[idx])
				}
			}
		}

		next = dedupByID(next)
		st.reset(next, m.logger)
		st.notes = append(st.notes, Change{Account: m.account, Kind: ChangeReplaced})
	})
}

// dedupByID drops later duplicates of the same id, which a provider can
// return when the same message appears under two categories.
func dedupByID(items []mail.Item) []mail.Item {
	seen := make(map[string]bool, len(items))
	return slices.DeleteFunc(items, func(it mail.Item) bool {
		if seen[it.ID] {
			return true
		}
		seen[it.ID] = true
		return false
	})
}

// MergeIncoming folds fetched items into the collection with an incremental
// merge and returns the ids that were not present before. Fetched copies of
// items with an in-flight mutation are ignored.
func (m *Mirror) MergeIncoming(incoming []mail.Item) ([]string, error) {
	var newIDs []string
	err := m.do(func(st *state) {
		byKey := make(map[string]mail.Item, len(st.items))
		for _, it := range st.items {
			byKey[it.DedupKey()] = it
		}

		accepted := make([]mail.Item, 0, len(incoming))
		for _, in := range incoming {
			prev, seen := byKey[in.DedupKey()]
			if seen && st.pending[prev.ID] > 0 {
				m.logger.Debug("skipping fetched copy of item with pending mutation", "id", prev.ID)
				continue
			}
			if seen {
				in = keepEnrichment(prev, in)
				in.Version = nextVersion(prev.Version, in.Version)
			} else {
				in.Version = max(in.Version, 1)
			}
			accepted = append(accepted, in)
		}

		merged := merge.Incremental(st.items, accepted)
		newIDs = merge.NewIDs(st.items, merged)

		oldIndex := st.index
		st.items = merged
		st.reindex()
		for id := range oldIndex {
			if _, ok := st.index[id]; !ok {
				st.cats.Delete(id)
			}
		}
		ids := make([]string, 0, len(accepted))
		for _, it := range accepted {
			idx, ok := st.index[it.ID]
			if !ok {
				continue
			}
			st.cats.Set(st.items[idx], m.logger)
			ids = append(ids, it.ID)
		}
		st.filter.Invalidate()
		st.notes = append(st.notes, Change{Account: m.account, Kind: ChangeMerged, IDs: ids})
	})
	return newIDs, err
}

// Apply replaces the item with fn(item). When track is set the item is
// marked as having an in-flight mutation until Resolve is called.
func (m *Mirror) Apply(id string, track bool, fn func(mail.Item) mail.Item) (before, after mail.Item, err error) {
	err = m.do(func(st *state) {
		idx, ok := st.index[id]
		if !ok {
			err = ErrNotFound
			return
		}
		before = st.items[idx].Clone()
		after = fn(before.Clone())
		after.ID = id
		if track {
			st.pending[id]++
		}
		st.commit(m.account, m.logger, ChangeUpdated, after)
	})
	return before, after, err
}

// Resolve ends an in-flight mutation started by Apply. When the item still
// has the given version it is replaced by fn(item); otherwise it is left
// alone and ok is false.
func (m *Mirror) Resolve(id string, version int64, fn func(mail.Item) mail.Item) (result mail.Item, ok bool, err error) {
	err = m.do(func(st *state) {
		if n := st.pending[id]; n > 1 {
			st.pending[id] = n - 1
		} else {
			delete(st.pending, id)
		}
		result, ok = st.compareAndUpdate(m, id, version, fn)
	})
	return result, ok, err
}

// CompareAndUpdate replaces the item with fn(item) only if its version is
// still the given one.
func (m *Mirror) CompareAndUpdate(id string, version int64, fn func(mail.Item) mail.Item) (result mail.Item, ok bool, err error) {
	err = m.do(func(st *state) {
		result, ok = st.compareAndUpdate(m, id, version, fn)
	})
	return result, ok, err
}

func (st *state) compareAndUpdate(m *Mirror, id string, version int64, fn func(mail.Item) mail.Item) (mail.Item, bool) {
	idx, found := st.index[id]
	if !found || st.items[idx].Version != version {
		return mail.Item{}, false
	}
	next := fn(st.items[idx].Clone())
	next.ID = id
	st.commit(m.account, m.logger, ChangeUpdated, next)
	return next, true
}

// Get returns a copy of one item.
func (m *Mirror) Get(id string) (mail.Item, bool) {
	var it mail.Item
	var ok bool
	_ = m.do(func(st *state) {
		var idx int
		if idx, ok = st.index[id]; ok {
			it = st.items[idx].Clone()
		}
	})
	return it, ok
}

// Snapshot returns a copy of the collection, newest first.
func (m *Mirror) Snapshot() []mail.Item {
	var out []mail.Item
	_ = m.do(func(st *state) {
		out = make([]mail.Item, len(st.items))
		for i, it := range st.items {
			out[i] = it.Clone()
		}
	})
	return out
}

// Len returns the number of items.
func (m *Mirror) Len() int {
	n := 0
	_ = m.do(func(st *state) { n = len(st.items) })
	return n
}

// View returns the items selected by spec in the requested order. The spec
// becomes the active one; switching specs drops the memo.
func (m *Mirror) View(spec filter.Spec, order filter.Order) ([]mail.Item, error) {
	var out []mail.Item
	err := m.do(func(st *state) {
		st.filter.SetActive(spec)
		out = filter.Sort(st.filter.Apply(st.items, st.cats, spec), order)
	})
	return out, err
}

// Counts returns how many items fall into each category.
func (m *Mirror) Counts() map[category.Category]int {
	var counts map[category.Category]int
	_ = m.do(func(st *state) { counts = st.cats.Count() })
	return counts
}

// FilterStats exposes the memo counters.
func (m *Mirror) FilterStats() filter.Stats {
	var s filter.Stats
	_ = m.do(func(st *state) { s = st.filter.Stats() })
	return s
}

// Pending returns the number of in-flight mutations on an item.
func (m *Mirror) Pending(id string) int {
	n := 0
	_ = m.do(func(st *state) { n = st.pending[id] })
	return n
}
