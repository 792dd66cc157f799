// Package filter produces the visible subset of a collection for a
// FilterSpec and memoizes the result.
package filter

import (
	"slices"
	"strings"
	"sync/atomic"

	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/search"
)

// Spec selects the visible subset of a collection.
type Spec struct {
	Tags   []category.Category // OR-ed category filter
	Query  string              // custom or saved query; overrides Tags when set
	Search string              // free text, AND-ed over every term
}

// IsDefault reports whether the spec selects the whole collection.
func (s Spec) IsDefault() bool {
	return len(s.Tags) == 0 && strings.TrimSpace(s.Query) == "" && strings.TrimSpace(s.Search) == ""
}

// CacheKey returns a deterministic key for the spec: sorted, de-duplicated
// tags, the custom query and the lowercased search text.
func (s Spec) CacheKey() string {
	tags := make([]string, 0, len(s.Tags))
	for _, t := range s.Tags {
		tags = append(tags, string(t))
	}
	slices.Sort(tags)
	tags = slices.Compact(tags)

	var b strings.Builder
	b.WriteString(strings.Join(tags, ","))
	b.WriteByte(0)
	b.WriteString(strings.TrimSpace(s.Query))
	b.WriteByte(0)
	b.WriteString(strings.ToLower(strings.TrimSpace(s.Search)))
	return b.String()
}

// Stats counts memo behaviour.
type Stats struct {
	Hits   int64
	Misses int64
	Scans  int64 // items examined by recomputation
}

// Engine applies specs and keeps the last result per key until invalidated.
// It is not safe for concurrent use; the owning mirror serializes access.
type Engine struct {
	active string
	memo   map[string][]mail.Item

	hits, misses, scans atomic.Int64
}

// NewEngine creates an empty filter engine.
func NewEngine() *Engine {
	return &Engine{memo: make(map[string][]mail.Item)}
}

// Apply returns the subset of items selected by spec, using the memo when
// possible. The returned slice must not be modified by the caller.
func (e *Engine) Apply(items []mail.Item, cats category.Map, spec Spec) []mail.Item {
	key := spec.CacheKey()
	if cached, ok := e.memo[key]; ok {
		e.hits.Add(1)
		return cached
	}
	e.misses.Add(1)
	out := e.compute(items, cats, spec)
	e.memo[key] = out
	return out
}

// Compute evaluates spec without touching the memo.
func Compute(items []mail.Item, cats category.Map, spec Spec) []mail.Item {
	return NewEngine().compute(items, cats, spec)
}

func (e *Engine) compute(items []mail.Item, cats category.Map, spec Spec) []mail.Item {
	if spec.IsDefault() {
		return items
	}
	e.scans.Add(int64(len(items)))

	var base []mail.Item
	switch {
	case strings.TrimSpace(spec.Query) != "":
		q := search.Parse(spec.Query)
		base = keep(items, q.Matches)
	case len(spec.Tags) > 0:
		want := category.NewSet(spec.Tags...)
		base = keep(items, func(it mail.Item) bool {
			s, ok := cats[it.ID]
			if !ok {
				s = category.Categorize(it)
			}
			return s.Intersects(want)
		})
	default:
		base = items
	}

	terms := search.SplitTerms(spec.Search)
	if len(terms) == 0 {
		return base
	}
	return keep(base, func(it mail.Item) bool { return search.MatchesText(it, terms) })
}

func keep(items []mail.Item, pred func(mail.Item) bool) []mail.Item {
	out := make([]mail.Item, 0, len(items))
	for _, it := range items {
		if pred(it) {
			out = append(out, it)
		}
	}
	return out
}

// SetActive records the spec currently on screen. Changing it drops the memo.
func (e *Engine) SetActive(spec Spec) {
	key := spec.CacheKey()
	if key != e.active {
		e.active = key
		e.Invalidate()
	}
}

// Invalidate drops every memoized result.
func (e *Engine) Invalidate() {
	clear(e.memo)
}

// Stats returns memo counters.
func (e *Engine) Stats() Stats {
	return Stats{Hits: e.hits.Load(), Misses: e.misses.Load(), Scans: e.scans.Load()}
}
