// Package category derives view categories from an item's flags and labels.
package category

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/wesm/mailmirror/internal/mail"
)

// Category is one of the fixed views an item can belong to.
type Category string

const (
	Inbox     Category = "inbox"
	Sent      Category = "sent"
	Starred   Category = "starred"
	Trash     Category = "trash"
	Archive   Category = "archive"
	Unread    Category = "unread"
	Important Category = "important"
)

// All lists every category in display order.
var All = []Category{Inbox, Sent, Starred, Trash, Archive, Unread, Important}

// ParseCategory converts a name (case-insensitive) into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(All, c) {
		return c, nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Set is the set of categories an item belongs to.
type Set map[Category]struct{}

// NewSet builds a Set from the given categories.
func NewSet(cats ...Category) Set {
	s := make(Set, len(cats))
	for _, c := range cats {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether c is in the set.
func (s Set) Has(c Category) bool {
	_, ok := s[c]
	return ok
}

// Intersects reports whether s and other share any category.
func (s Set) Intersects(other Set) bool {
	for c := range other {
		if s.Has(c) {
			return true
		}
	}
	return false
}

// Strings returns the set members as sorted strings.
func (s Set) Strings() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	slices.Sort(out)
	return out
}

// Categorize computes the categories for an item. Each rule is evaluated
// independently, so an item may land in several categories or in none.
func Categorize(it mail.Item) Set {
	s := make(Set, 4)
	inInbox := it.HasLabel(mail.LabelInbox)
	inTrash := it.IsTrash || it.HasLabel(mail.LabelTrash)

	if inInbox && !inTrash && !it.IsArchived {
		s[Inbox] = struct{}{}
	}
	if it.HasLabel(mail.LabelSent) {
		s[Sent] = struct{}{}
	}
	if it.IsStarred || it.HasLabel(mail.LabelStarred) {
		s[Starred] = struct{}{}
	}
	if inTrash {
		s[Trash] = struct{}{}
	}
	if isArchived(it) {
		s[Archive] = struct{}{}
	}
	if !it.IsRead || it.HasLabel(mail.LabelUnread) {
		s[Unread] = struct{}{}
	}
	if it.Priority.AtLeast(mail.PriorityHigh) || it.HasLabel(mail.LabelImportant) {
		s[Important] = struct{}{}
	}
	return s
}

// isArchived: out of the inbox and trash, with some label left that is not
// just SENT.
func isArchived(it mail.Item) bool {
	if len(it.Labels) == 0 {
		return false
	}
	if it.HasLabel(mail.LabelInbox) || it.HasLabel(mail.LabelTrash) {
		return false
	}
	onlySent := len(it.Labels) == 1 && it.Labels[0] == mail.LabelSent
	return !onlySent
}

// Map caches the categories of each item by item id. It is derived state and
// can be rebuilt from the collection at any time.
type Map map[string]Set

// BuildMap categorizes every item. Items that fall into no category are
// logged at debug level.
func BuildMap(items []mail.Item, logger *slog.Logger) Map {
	m := make(Map, len(items))
	for _, it := range items {
		m.set(it, logger)
	}
	return m
}

// Set recomputes the categories of a single item.
func (m Map) Set(it mail.Item, logger *slog.Logger) {
	m.set(it, logger)
}

func (m Map) set(it mail.Item, logger *slog.Logger) {
	s := Categorize(it)
	if len(s) == 0 && logger != nil {
		logger.Debug("item matches no category", "id", it.ID, "labels", it.Labels)
	}
	m[it.ID] = s
}

// Delete drops an item from the map.
func (m Map) Delete(id string) {
	delete(m, id)
}

// Count returns how many items fall into each category.
func (m Map) Count() map[Category]int {
	counts := make(map[Category]int, len(All))
	for _, s := range m {
		for c := range s {
			counts[c]++
		}
	}
	return counts
}
