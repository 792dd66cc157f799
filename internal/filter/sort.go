package filter

import (
	"fmt"
	"slices"
	"strings"

	"github.com/wesm/mailmirror/internal/mail"
)

// Order selects how a filtered view is sorted.
type Order string

const (
	ByTimestamp Order = "date"
	ByPriority  Order = "priority"
)

// ParseOrder converts a user-facing order name. Empty means ByTimestamp.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "date", "timestamp", "time":
		return ByTimestamp, nil
	case "priority":
		return ByPriority, nil
	default:
		return "", fmt.Errorf("unknown sort order %q (want date or priority)", s)
	}
}

// Sort returns a sorted copy of items; the input is left untouched.
func Sort(items []mail.Item, order Order) []mail.Item {
	out := slices.Clone(items)
	switch order {
	case ByPriority:
		slices.SortStableFunc(out, func(a, b mail.Item) int {
			if a.Priority != b.Priority {
				return int(b.Priority) - int(a.Priority)
			}
			return b.Timestamp.Compare(a.Timestamp)
		})
	default:
		slices.SortStableFunc(out, func(a, b mail.Item) int {
			return b.Timestamp.Compare(a.Timestamp)
		})
	}
	return out
}
