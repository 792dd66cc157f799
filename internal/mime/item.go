package mime

import (
	"fmt"
	"strings"

	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/textutil"
)

// MaxContentRunes bounds the body text kept on an item.
const MaxContentRunes = 20000

// ToItem parses raw and fills the message fields of base, which carries the
// provider's identity, labels and internal date. Header values are repaired
// to UTF-8. A zero base timestamp is replaced by the Date header.
func ToItem(raw []byte, base mail.Item) (mail.Item, error) {
	msg, err := Parse(raw)
	if err != nil {
		return mail.Item{}, fmt.Errorf("parse message %s: %w", base.ID, err)
	}

	it := base.Clone()
	it.Subject = textutil.EnsureUTF8(strings.TrimSpace(msg.Subject))
	from := msg.Sender()
	it.Sender = mail.Sender{Name: textutil.EnsureUTF8(from.Name), Address: from.Email}
	it.Recipients = nil
	for _, a := range append(append([]Address(nil), msg.To...), msg.Cc...) {
		it.Recipients = append(it.Recipients, a.Email)
	}
	it.Content = textutil.TruncateRunes(strings.TrimSpace(textutil.EnsureUTF8(msg.Text())), MaxContentRunes)
	if it.Timestamp.IsZero() {
		it.Timestamp = msg.Date
	}
	if msg.HasAttachments() {
		it = it.WithLabel(mail.LabelHasAttachment)
	}
	it.Labels = mail.NormalizeLabels(it.Labels)
	return it.SyncFlags(), nil
}

// HasAttachments reports whether any non-inline attachment is present.
func (m *Message) HasAttachments() bool {
	for _, a := range m.Attachments {
		if !a.IsInline {
			return true
		}
	}
	return false
}
