package testutil

import (
	"fmt"
	"time"

	"github.com/wesm/mailmirror/internal/mail"
)

// BaseTime is the timestamp NewItem assigns by default.
var BaseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// ItemBuilder provides a fluent API for constructing mail.Item in tests.
type ItemBuilder struct {
	it mail.Item
}

// NewItem creates a builder with sensible defaults: a synced, read item
// with no labels.
func NewItem(id string) *ItemBuilder {
	return &ItemBuilder{
		it: mail.Item{
			ID:           id,
			Subject:      "Test Subject " + id,
			Sender:       mail.Sender{Name: "Sender", Address: "sender@example.com"},
			Recipients:   []string{"me@example.com"},
			Content:      "body of " + id,
			Timestamp:    BaseTime,
			IsRead:       true,
			Priority:     mail.PriorityMedium,
			Version:      1,
			LastModified: BaseTime,
			SyncStatus:   mail.StatusSynced,
		},
	}
}

func (b *ItemBuilder) MessageID(id string) *ItemBuilder {
	b.it.MessageID = id
	return b
}

func (b *ItemBuilder) Subject(s string) *ItemBuilder {
	b.it.Subject = s
	return b
}

func (b *ItemBuilder) From(name, addr string) *ItemBuilder {
	b.it.Sender = mail.Sender{Name: name, Address: addr}
	return b
}

func (b *ItemBuilder) To(addrs ...string) *ItemBuilder {
	b.it.Recipients = addrs
	return b
}

func (b *ItemBuilder) Content(s string) *ItemBuilder {
	b.it.Content = s
	return b
}

func (b *ItemBuilder) At(ts time.Time) *ItemBuilder {
	b.it.Timestamp = ts
	return b
}

// Minutes sets the timestamp to BaseTime plus n minutes.
func (b *ItemBuilder) Minutes(n int) *ItemBuilder {
	b.it.Timestamp = BaseTime.Add(time.Duration(n) * time.Minute)
	return b
}

func (b *ItemBuilder) Labels(labels ...string) *ItemBuilder {
	b.it.Labels = mail.NormalizeLabels(labels)
	return b
}

func (b *ItemBuilder) Read() *ItemBuilder {
	b.it.IsRead = true
	return b
}

func (b *ItemBuilder) Unread() *ItemBuilder {
	b.it.IsRead = false
	return b
}

func (b *ItemBuilder) Starred() *ItemBuilder {
	b.it.IsStarred = true
	return b
}

func (b *ItemBuilder) Trashed() *ItemBuilder {
	b.it.IsTrash = true
	return b
}

func (b *ItemBuilder) Priority(p mail.Priority) *ItemBuilder {
	b.it.Priority = p
	return b
}

func (b *ItemBuilder) Version(v int64) *ItemBuilder {
	b.it.Version = v
	return b
}

func (b *ItemBuilder) Status(s mail.SyncStatus) *ItemBuilder {
	b.it.SyncStatus = s
	return b
}

func (b *ItemBuilder) Build() mail.Item {
	return b.it.Clone()
}

// GenerateItems returns n distinct inbox items with descending timestamps,
// ids "item-0" .. "item-(n-1)".
func GenerateItems(n int) []mail.Item {
	items := make([]mail.Item, n)
	for i := range items {
		id := fmt.Sprintf("item-%d", i)
		b := NewItem(id).
			MessageID("msg-"+id).
			Minutes(n-i).
			Labels(mail.LabelInbox).
			Subject(fmt.Sprintf("Subject %d", i))
		if i%3 == 0 {
			b = b.Unread()
		}
		if i%5 == 0 {
			b = b.Priority(mail.PriorityHigh)
		}
		items[i] = b.Build()
	}
	return items
}
