// Package mail defines the mirrored message model shared by every component.
package mail

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// System labels understood by the category rules and provider adapters.
const (
	LabelInbox         = "INBOX"
	LabelSent          = "SENT"
	LabelStarred       = "STARRED"
	LabelTrash         = "TRASH"
	LabelUnread        = "UNREAD"
	LabelImportant     = "IMPORTANT"
	LabelHasAttachment = "HAS_ATTACHMENT"
)

// SyncStatus records whether the local copy of an item agrees with the provider.
type SyncStatus string

const (
	StatusLocal  SyncStatus = "local"
	StatusSynced SyncStatus = "synced"
	StatusFailed SyncStatus = "failed"
)

// Sender is the From address of an item.
type Sender struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Item is one mirrored message. Items are treated as values: every change
// produces a new copy via Clone or the With* helpers.
type Item struct {
	ID              string     `json:"id"`
	MessageID       string     `json:"message_id,omitempty"`
	ThreadID        string     `json:"thread_id,omitempty"`
	Subject         string     `json:"subject"`
	Sender          Sender     `json:"sender"`
	Recipients      []string   `json:"recipients,omitempty"`
	Content         string     `json:"content,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
	IsRead          bool       `json:"is_read"`
	IsStarred       bool       `json:"is_starred"`
	IsTrash         bool       `json:"is_trash"`
	IsArchived      bool       `json:"is_archived"`
	Labels          []string   `json:"labels,omitempty"`
	Priority        Priority   `json:"priority"`
	RequiresAction  bool       `json:"requires_action"`
	SuggestedAction string     `json:"suggested_action,omitempty"`
	Version         int64      `json:"version"`
	LastModified    time.Time  `json:"last_modified"`
	SyncStatus      SyncStatus `json:"sync_status"`
}

// NewLocalID returns an identifier for an item that has not been synced yet.
func NewLocalID() string {
	return "local-" + uuid.NewString()
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	it.Recipients = slices.Clone(it.Recipients)
	it.Labels = slices.Clone(it.Labels)
	return it
}

// HasLabel reports whether the item carries label (case-sensitive).
func (it Item) HasLabel(label string) bool {
	return slices.Contains(it.Labels, label)
}

// WithLabel returns a copy of the item with label added.
func (it Item) WithLabel(label string) Item {
	if it.HasLabel(label) {
		return it.Clone()
	}
	out := it.Clone()
	out.Labels = NormalizeLabels(append(out.Labels, label))
	return out
}

// WithoutLabel returns a copy of the item with label removed.
func (it Item) WithoutLabel(label string) Item {
	out := it.Clone()
	out.Labels = slices.DeleteFunc(out.Labels, func(l string) bool { return l == label })
	if len(out.Labels) == 0 {
		out.Labels = nil
	}
	return out
}

// DedupKey is the key used when folding fetched items into an existing
// collection: the provider message id when known, else the local id.
func (it Item) DedupKey() string {
	if it.MessageID != "" {
		return it.MessageID
	}
	return it.ID
}

// NormalizeLabels sorts and de-duplicates a label list, dropping blanks.
func NormalizeLabels(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// SyncFlags returns a copy with the read, starred, trash and archived flags
// derived from the label set, the way a provider reports them.
func (it Item) SyncFlags() Item {
	out := it.Clone()
	out.IsRead = !out.HasLabel(LabelUnread)
	out.IsStarred = out.HasLabel(LabelStarred)
	out.IsTrash = out.HasLabel(LabelTrash)
	out.IsArchived = len(out.Labels) > 0 && !out.IsTrash && !out.HasLabel(LabelInbox) &&
		!(len(out.Labels) == 1 && out.Labels[0] == LabelSent)
	return out
}
