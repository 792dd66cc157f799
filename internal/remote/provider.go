// Package remote defines the contract mailmirror expects from a mail
// provider and its session store, and the error kinds that cross it.
package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/mail"
)

// Operation is a user action that changes flags or labels on the provider.
type Operation string

const (
	MarkRead   Operation = "markRead"
	MarkUnread Operation = "markUnread"
	Star       Operation = "star"
	Unstar     Operation = "unstar"
	Trash      Operation = "trash"
	Untrash    Operation = "untrash"
	Archive    Operation = "archive"
	Unarchive  Operation = "unarchive"
)

// Operations lists every supported operation.
var Operations = []Operation{MarkRead, MarkUnread, Star, Unstar, Trash, Untrash, Archive, Unarchive}

// ParseOperation accepts the canonical names plus kebab/snake variants
// ("mark-read", "mark_read").
func ParseOperation(s string) (Operation, error) {
	norm := strings.ToLower(opSeparators.Replace(strings.TrimSpace(s)))
	for _, op := range Operations {
		if norm == strings.ToLower(string(op)) {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

var opSeparators = strings.NewReplacer("-", "", "_", "", " ", "")

// Provider is a remote mail backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	// FetchByCategory returns up to max items the provider files under cat.
	FetchByCategory(ctx context.Context, cat category.Category, max int) ([]mail.Item, error)

	// FetchRecent returns items received or changed since the given time.
	FetchRecent(ctx context.Context, since time.Time) ([]mail.Item, error)

	// Mutate applies op to the message with the given provider id. It
	// returns false when the provider declined the change without an error.
	Mutate(ctx context.Context, remoteID string, op Operation) (bool, error)
}

// Sessions reports and refreshes provider credentials per account.
type Sessions interface {
	HasSession(account string) bool
	RefreshIfNeeded(ctx context.Context, account string) error
}
