package imap

import (
	"context"
	"slices"
	"sync"
	"time"

	imap "github.com/emersion/go-imap/v2"
)

// fakeSession is an in-memory Session. UIDs are assigned per mailbox in
// insertion order, as a server would.
type fakeSession struct {
	mu       sync.Mutex
	boxes    []MailboxInfo
	msgs     map[string][]*Message
	next     map[string]imap.UID
	err      error
	listErr  error
	listings int
}

func newFakeSession(boxes ...MailboxInfo) *fakeSession {
	return &fakeSession{
		boxes: boxes,
		msgs:  make(map[string][]*Message),
		next:  make(map[string]imap.UID),
	}
}

func standardBoxes() []MailboxInfo {
	return []MailboxInfo{
		{Name: "INBOX", Role: RoleInbox},
		{Name: "Sent", Role: RoleSent},
		{Name: "Trash", Role: RoleTrash},
		{Name: "Archive", Role: RoleArchive},
		{Name: "Receipts"},
	}
}

func (f *fakeSession) add(mailbox string, raw []byte, at time.Time, flags ...imap.Flag) imap.UID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next[mailbox]++
	uid := f.next[mailbox]
	f.msgs[mailbox] = append(f.msgs[mailbox], &Message{
		Mailbox:      mailbox,
		UID:          uid,
		Flags:        flags,
		InternalDate: at,
		Size:         int64(len(raw)),
		Raw:          raw,
	})
	return uid
}

func (f *fakeSession) find(mailbox string, uid imap.UID) *Message {
	for _, m := range f.msgs[mailbox] {
		if m.UID == uid {
			return m
		}
	}
	return nil
}

func (f *fakeSession) Mailboxes(context.Context) ([]MailboxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return slices.Clone(f.boxes), nil
}

func (f *fakeSession) Search(_ context.Context, mailbox string, c Criteria) ([]imap.UID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	day := c.Since.Truncate(24 * time.Hour)
	var out []imap.UID
	for _, m := range f.msgs[mailbox] {
		match := !m.InternalDate.Before(day)
		for _, fl := range c.Flag {
			match = match && slices.Contains(m.Flags, fl)
		}
		for _, fl := range c.NotFlag {
			match = match && !slices.Contains(m.Flags, fl)
		}
		if match {
			out = append(out, m.UID)
		}
	}
	return out, nil
}

func (f *fakeSession) Fetch(_ context.Context, mailbox string, uids []imap.UID) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*Message
	for _, uid := range uids {
		if m := f.find(mailbox, uid); m != nil {
			cp := *m
			cp.Flags = slices.Clone(m.Flags)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSession) SetFlag(_ context.Context, mailbox string, uid imap.UID, flag imap.Flag, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	m := f.find(mailbox, uid)
	if m == nil {
		return &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeNonExistent}
	}
	m.Flags = slices.DeleteFunc(m.Flags, func(fl imap.Flag) bool { return fl == flag })
	if on {
		m.Flags = append(m.Flags, flag)
	}
	return nil
}

func (f *fakeSession) Move(_ context.Context, mailbox string, uid imap.UID, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	m := f.find(mailbox, uid)
	if m == nil {
		return &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeNonExistent}
	}
	f.msgs[mailbox] = slices.DeleteFunc(f.msgs[mailbox], func(x *Message) bool { return x == m })
	f.next[dest]++
	m.Mailbox = dest
	m.UID = f.next[dest]
	f.msgs[dest] = append(f.msgs[dest], m)
	return nil
}

func (f *fakeSession) flags(mailbox string, uid imap.UID) []imap.Flag {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m := f.find(mailbox, uid); m != nil {
		return slices.Clone(m.Flags)
	}
	return nil
}

func (f *fakeSession) count(mailbox string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs[mailbox])
}

var _ Session = (*fakeSession)(nil)
