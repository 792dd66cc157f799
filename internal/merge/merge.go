// Package merge folds item batches from several fetches into one
// de-duplicated collection.
package merge

import (
	"slices"
	"strings"

	"github.com/wesm/mailmirror/internal/mail"
)

// Merge combines batches fetched from different category sources. Items are
// grouped by ID; within a group the later Timestamp wins, and on equal
// timestamps the item with more labels wins (the fuller view of the same
// message). A full tie keeps the first one seen. The result is sorted newest
// first.
func Merge(batches ...[]mail.Item) []mail.Item {
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	byID := make(map[string]int, total)
	out := make([]mail.Item, 0, total)

	for _, batch := range batches {
		for _, it := range batch {
			idx, seen := byID[it.ID]
			if !seen {
				byID[it.ID] = len(out)
				out = append(out, it)
				continue
			}
			if preferred(it, out[idx]) {
				out[idx] = it
			}
		}
	}
	SortNewestFirst(out)
	return out
}

// preferred reports whether candidate should replace current.
func preferred(candidate, current mail.Item) bool {
	if !candidate.Timestamp.Equal(current.Timestamp) {
		return candidate.Timestamp.After(current.Timestamp)
	}
	return len(candidate.Labels) > len(current.Labels)
}

// Incremental folds newly fetched items into an existing collection. Items
// are keyed by MessageID when present, else ID; on collision the incoming
// item replaces the existing one. Existing items absent from incoming are
// kept. The result is sorted newest first.
func Incremental(existing, incoming []mail.Item) []mail.Item {
	byKey := make(map[string]int, len(existing)+len(incoming))
	out := make([]mail.Item, 0, len(existing)+len(incoming))

	for _, it := range existing {
		key := it.DedupKey()
		if idx, ok := byKey[key]; ok {
			out[idx] = it
			continue
		}
		byKey[key] = len(out)
		out = append(out, it)
	}
	for _, it := range incoming {
		key := it.DedupKey()
		if idx, ok := byKey[key]; ok {
			out[idx] = it
			continue
		}
		byKey[key] = len(out)
		out = append(out, it)
	}
	SortNewestFirst(out)
	return out
}

// NewIDs returns the ids in merged whose dedup key was not present in
// existing, in merged order.
func NewIDs(existing, merged []mail.Item) []string {
	known := make(map[string]struct{}, len(existing))
	for _, it := range existing {
		known[it.DedupKey()] = struct{}{}
	}
	var ids []string
	for _, it := range merged {
		if _, ok := known[it.DedupKey()]; !ok {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

// SortNewestFirst orders items by Timestamp descending, breaking ties by ID
// so repeated merges of the same input produce the same order.
func SortNewestFirst(items []mail.Item) {
	slices.SortStableFunc(items, func(a, b mail.Item) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
