// Package mutation applies user actions optimistically and reconciles them
// with the mail provider.
package mutation

import (
	"fmt"
	"time"

	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/remote"
)

// ApplyOperation returns the item as it looks after op, keeping each flag in
// step with its label. The version is bumped and the item marked local.
func ApplyOperation(it mail.Item, op remote.Operation, now time.Time) (mail.Item, error) {
	switch op {
	case remote.MarkRead:
		it = it.WithoutLabel(mail.LabelUnread)
		it.IsRead = true
	case remote.MarkUnread:
		it = it.WithLabel(mail.LabelUnread)
		it.IsRead = false
	case remote.Star:
		it = it.WithLabel(mail.LabelStarred)
		it.IsStarred = true
	case remote.Unstar:
		it = it.WithoutLabel(mail.LabelStarred)
		it.IsStarred = false
	case remote.Trash:
		it = it.WithLabel(mail.LabelTrash).WithoutLabel(mail.LabelInbox)
		it.IsTrash = true
	case remote.Untrash:
		it = it.WithoutLabel(mail.LabelTrash).WithLabel(mail.LabelInbox)
		it.IsTrash = false
		it.IsArchived = false
	case remote.Archive:
		it = it.WithoutLabel(mail.LabelInbox)
		it.IsArchived = true
	case remote.Unarchive:
		it = it.WithLabel(mail.LabelInbox)
		it.IsArchived = false
	default:
		return it, fmt.Errorf("unsupported operation %q", op)
	}
	it.Version++
	it.LastModified = now
	it.SyncStatus = mail.StatusLocal
	return it, nil
}
