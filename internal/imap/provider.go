package imap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	imap "github.com/emersion/go-imap/v2"

	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/merge"
	"github.com/wesm/mailmirror/internal/mime"
	"github.com/wesm/mailmirror/internal/remote"
)

// FlagImportant is the keyword treated as the IMPORTANT label.
const FlagImportant imap.Flag = "$Important"

// ErrInvalidID is returned for remote ids that are not "mailbox|uid".
var ErrInvalidID = errors.New("invalid imap message id")

// source is one mailbox search contributing to a category.
type source struct {
	role Role
	crit Criteria
}

var notDeleted = []imap.Flag{imap.FlagDeleted}

var categorySources = map[category.Category][]source{
	category.Inbox:   {{role: RoleInbox}},
	category.Sent:    {{role: RoleSent}},
	category.Trash:   {{role: RoleTrash}},
	category.Archive: {{role: RoleArchive}},
	category.Starred: {
		{role: RoleInbox, crit: Criteria{Flag: []imap.Flag{imap.FlagFlagged}}},
		{role: RoleArchive, crit: Criteria{Flag: []imap.Flag{imap.FlagFlagged}}},
		{role: RoleSent, crit: Criteria{Flag: []imap.Flag{imap.FlagFlagged}}},
	},
	category.Unread: {
		{role: RoleInbox, crit: Criteria{NotFlag: []imap.Flag{imap.FlagSeen}}},
		{role: RoleArchive, crit: Criteria{NotFlag: []imap.Flag{imap.FlagSeen}}},
	},
	category.Important: {
		{role: RoleInbox, crit: Criteria{Flag: []imap.Flag{FlagImportant}}},
		{role: RoleArchive, crit: Criteria{Flag: []imap.Flag{FlagImportant}}},
	},
}

var recentRoles = []Role{RoleInbox, RoleSent, RoleArchive, RoleTrash}

// Provider implements remote.Provider over an IMAP Session. Items are keyed
// by "mailbox|uid"; moving a message gives it a new id, which the next
// fetch picks up.
type Provider struct {
	session Session
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	roles map[Role]string
}

// NewProvider creates a provider over session.
func NewProvider(session Session) *Provider {
	return &Provider{session: session, logger: slog.Default(), now: time.Now}
}

// WithLogger sets the logger for the provider.
func (p *Provider) WithLogger(logger *slog.Logger) *Provider {
	p.logger = logger
	return p
}

// Close closes the underlying session when it holds a connection.
func (p *Provider) Close() error {
	if c, ok := p.session.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// mailboxes resolves roles to mailbox names once per provider.
func (p *Provider) mailboxes(ctx context.Context) (map[Role]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.roles != nil {
		return p.roles, nil
	}
	boxes, err := p.session.Mailboxes(ctx)
	if err != nil {
		return nil, err
	}
	roles := make(map[Role]string)
	for _, b := range boxes {
		if b.Role != RoleNone {
			if _, seen := roles[b.Role]; !seen {
				roles[b.Role] = b.Name
			}
		}
	}
	p.roles = roles
	return roles, nil
}

// FetchByCategory returns up to max of the newest messages filed under cat.
func (p *Provider) FetchByCategory(ctx context.Context, cat category.Category, max int) ([]mail.Item, error) {
	op := "fetch " + string(cat)
	sources, ok := categorySources[cat]
	if !ok {
		return nil, remote.NewError(remote.KindUnknown, op, fmt.Errorf("no imap mapping for category %q", cat))
	}
	if max <= 0 {
		return nil, nil
	}
	items, err := p.collect(ctx, sources, max, time.Time{})
	if err != nil {
		return nil, remote.Classify(op, err, ClassifyError)
	}
	return items, nil
}

// FetchRecent returns messages with an internal date after since from the
// inbox, sent, archive and trash mailboxes.
func (p *Provider) FetchRecent(ctx context.Context, since time.Time) ([]mail.Item, error) {
	sources := make([]source, 0, len(recentRoles))
	for _, r := range recentRoles {
		sources = append(sources, source{role: r, crit: Criteria{Since: since}})
	}
	items, err := p.collect(ctx, sources, 0, since)
	if err != nil {
		return nil, remote.Classify("fetch recent", err, ClassifyError)
	}
	return items, nil
}

// collect runs each source search, fetches the newest max UIDs per mailbox
// (all when max is 0) and returns the items newest first.
func (p *Provider) collect(ctx context.Context, sources []source, max int, after time.Time) ([]mail.Item, error) {
	roles, err := p.mailboxes(ctx)
	if err != nil {
		return nil, err
	}
	var items []mail.Item
	for _, src := range sources {
		mailbox, ok := roles[src.role]
		if !ok {
			p.logger.Debug("no mailbox for role", "role", src.role)
			continue
		}
		crit := src.crit
		crit.NotFlag = append(slices.Clone(crit.NotFlag), notDeleted...)
		uids, err := p.session.Search(ctx, mailbox, crit)
		if err != nil {
			return nil, err
		}
		if max > 0 && len(uids) > max {
			uids = uids[len(uids)-max:]
		}
		msgs, err := p.session.Fetch(ctx, mailbox, uids)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if !after.IsZero() && !m.InternalDate.After(after) {
				continue
			}
			it, err := p.toItem(m, src.role)
			if err != nil {
				p.logger.Warn("skipping undecodable message", "mailbox", mailbox, "uid", m.UID, "error", err)
				continue
			}
			items = append(items, it)
		}
	}
	items = merge.Merge(items)
	if max > 0 && len(items) > max {
		items = items[:max]
	}
	return items, nil
}

func (p *Provider) toItem(m *Message, role Role) (mail.Item, error) {
	id := compositeID(m.Mailbox, m.UID)
	base := mail.Item{
		ID:           id,
		MessageID:    id,
		Labels:       labelsFor(m.Mailbox, role, m.Flags),
		Priority:     mail.PriorityMedium,
		Version:      1,
		LastModified: p.now(),
		SyncStatus:   mail.StatusSynced,
	}
	if !m.InternalDate.IsZero() {
		base.Timestamp = m.InternalDate.UTC()
	}
	return mime.ToItem(m.Raw, base)
}

// labelsFor derives system labels from the mailbox role and message flags.
// Mailboxes without a system role contribute their own name.
func labelsFor(mailbox string, role Role, flags []imap.Flag) []string {
	var labels []string
	switch role {
	case RoleInbox:
		labels = append(labels, mail.LabelInbox)
	case RoleSent:
		labels = append(labels, mail.LabelSent)
	case RoleTrash:
		labels = append(labels, mail.LabelTrash)
	default:
		labels = append(labels, mailbox)
	}
	if !slices.Contains(flags, imap.FlagSeen) {
		labels = append(labels, mail.LabelUnread)
	}
	if slices.Contains(flags, imap.FlagFlagged) {
		labels = append(labels, mail.LabelStarred)
	}
	if slices.Contains(flags, FlagImportant) {
		labels = append(labels, mail.LabelImportant)
	}
	return mail.NormalizeLabels(labels)
}

// Mutate applies op. Flag operations store flags in place; trash, archive
// and their inverses move the message between role mailboxes and are
// declined when the message is not in the expected source mailbox or the
// server has no mailbox for the destination.
func (p *Provider) Mutate(ctx context.Context, remoteID string, op remote.Operation) (bool, error) {
	mailbox, uid, err := parseCompositeID(remoteID)
	if err != nil {
		return false, remote.NewError(remote.KindNotFound, string(op), fmt.Errorf("%w: %v", ErrInvalidID, err))
	}

	var flag imap.Flag
	var on bool
	switch op {
	case remote.MarkRead:
		flag, on = imap.FlagSeen, true
	case remote.MarkUnread:
		flag, on = imap.FlagSeen, false
	case remote.Star:
		flag, on = imap.FlagFlagged, true
	case remote.Unstar:
		flag, on = imap.FlagFlagged, false
	case remote.Trash, remote.Untrash, remote.Archive, remote.Unarchive:
		return p.move(ctx, mailbox, uid, op)
	default:
		return false, fmt.Errorf("unsupported operation %q", op)
	}
	if err := p.session.SetFlag(ctx, mailbox, uid, flag, on); err != nil {
		return false, remote.Classify(string(op), err, ClassifyError)
	}
	return true, nil
}

var moves = map[remote.Operation]struct{ from, to Role }{
	remote.Trash:     {RoleNone, RoleTrash},
	remote.Untrash:   {RoleTrash, RoleInbox},
	remote.Archive:   {RoleInbox, RoleArchive},
	remote.Unarchive: {RoleArchive, RoleInbox},
}

func (p *Provider) move(ctx context.Context, mailbox string, uid imap.UID, op remote.Operation) (bool, error) {
	roles, err := p.mailboxes(ctx)
	if err != nil {
		return false, remote.Classify(string(op), err, ClassifyError)
	}
	mv := moves[op]
	dest, ok := roles[mv.to]
	if !ok {
		p.logger.Info("operation declined, no destination mailbox", "op", op, "role", mv.to)
		return false, nil
	}
	if dest == mailbox {
		return true, nil
	}
	if mv.from != RoleNone && roles[mv.from] != mailbox {
		p.logger.Info("operation declined, message not in source mailbox", "op", op, "mailbox", mailbox)
		return false, nil
	}
	if err := p.session.Move(ctx, mailbox, uid, dest); err != nil {
		return false, remote.Classify(string(op), err, ClassifyError)
	}
	return true, nil
}

// ClassifyError maps IMAP failures to remote kinds.
func ClassifyError(err error) remote.Kind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return remote.KindAuthRequired
	}
	if errors.Is(err, ErrInvalidID) {
		return remote.KindNotFound
	}
	var ie *imap.Error
	if errors.As(err, &ie) {
		switch ie.Code {
		case imap.ResponseCodeAuthenticationFailed, imap.ResponseCodeAuthorizationFailed, imap.ResponseCodeExpired:
			return remote.KindAuthRequired
		case imap.ResponseCodeNonExistent:
			return remote.KindNotFound
		}
	}
	return remote.KindUnknown
}

var _ remote.Provider = (*Provider)(nil)
