package imap

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

// Role is the special use of a mailbox.
type Role string

const (
	RoleNone    Role = ""
	RoleInbox   Role = "inbox"
	RoleSent    Role = "sent"
	RoleTrash   Role = "trash"
	RoleArchive Role = "archive"
)

// MailboxInfo is one selectable mailbox.
type MailboxInfo struct {
	Name string
	Role Role
}

// Criteria narrows a UID search. Since has day granularity on the server.
type Criteria struct {
	Flag    []imap.Flag
	NotFlag []imap.Flag
	Since   time.Time
}

// Message is one fetched message.
type Message struct {
	Mailbox      string
	UID          imap.UID
	Flags        []imap.Flag
	InternalDate time.Time
	Size         int64
	Raw          []byte
}

// Session is the IMAP surface the provider drives. Client implements it
// against a live server.
type Session interface {
	Mailboxes(ctx context.Context) ([]MailboxInfo, error)
	Search(ctx context.Context, mailbox string, c Criteria) ([]imap.UID, error)
	Fetch(ctx context.Context, mailbox string, uids []imap.UID) ([]*Message, error)
	SetFlag(ctx context.Context, mailbox string, uid imap.UID, flag imap.Flag, on bool) error
	Move(ctx context.Context, mailbox string, uid imap.UID, dest string) error
}

// AuthError wraps a rejected login.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "IMAP login: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// Option is a functional option for Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client is a Session over one lazily dialed connection. Calls are
// serialized; the connection is re-dialed after a failure.
type Client struct {
	config   *Config
	password string
	logger   *slog.Logger

	mu              sync.Mutex
	conn            *imapclient.Client
	selectedMailbox string
	mailboxCache    []MailboxInfo
}

// NewClient creates a new IMAP client.
func NewClient(cfg *Config, password string, opts ...Option) *Client {
	c := &Client{
		config:   cfg,
		password: password,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// connect dials and authenticates. Caller must hold mu.
func (c *Client) connect() error {
	if c.conn != nil {
		return nil
	}

	addr := c.config.Addr()
	c.logger.Debug("connecting to IMAP server", "addr", addr, "tls", c.config.TLS, "starttls", c.config.STARTTLS)

	opts := &imapclient.Options{}
	var (
		conn *imapclient.Client
		err  error
	)
	switch {
	case c.config.TLS:
		conn, err = imapclient.DialTLS(addr, opts)
	case c.config.STARTTLS:
		conn, err = imapclient.DialStartTLS(addr, opts)
	default:
		conn, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}
	if err := c.authenticate(conn); err != nil {
		_ = conn.Close()
		return &AuthError{Err: err}
	}

	c.conn = conn
	c.selectedMailbox = ""
	c.logger.Debug("connected and authenticated", "user", c.config.Username)
	return nil
}

// authenticate prefers SASL PLAIN and falls back to LOGIN for servers that
// do not advertise it.
func (c *Client) authenticate(conn *imapclient.Client) error {
	if conn.Caps().Has(imap.AuthCap(sasl.Plain)) {
		return conn.Authenticate(sasl.NewPlainClient("", c.config.Username, c.password))
	}
	return conn.Login(c.config.Username, c.password).Wait()
}

// withConn runs fn holding the connection. A failing fn drops the
// connection so the next call re-dials.
func (c *Client) withConn(ctx context.Context, fn func(*imapclient.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(); err != nil {
		return err
	}
	if err := fn(c.conn); err != nil {
		if _, isIMAP := err.(*imap.Error); !isIMAP {
			_ = c.conn.Close()
			c.conn = nil
			c.selectedMailbox = ""
		}
		return err
	}
	return nil
}

// selectMailbox selects mailbox if not already selected. Caller must hold mu.
func (c *Client) selectMailbox(mailbox string) error {
	if c.selectedMailbox == mailbox {
		return nil
	}
	if _, err := c.conn.Select(mailbox, nil).Wait(); err != nil {
		return fmt.Errorf("SELECT %q: %w", mailbox, err)
	}
	c.selectedMailbox = mailbox
	return nil
}

// Mailboxes lists selectable mailboxes with their detected roles. The list
// is cached for the life of the client.
func (c *Client) Mailboxes(ctx context.Context) ([]MailboxInfo, error) {
	var out []MailboxInfo
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		if c.mailboxCache != nil {
			out = c.mailboxCache
			return nil
		}
		items, err := conn.List("", "*", nil).Collect()
		if err != nil {
			return fmt.Errorf("LIST: %w", err)
		}
		var boxes []MailboxInfo
		for _, item := range items {
			if slices.Contains(item.Attrs, imap.MailboxAttrNoSelect) {
				continue
			}
			boxes = append(boxes, MailboxInfo{Name: item.Mailbox, Role: roleFromAttrs(item.Mailbox, item.Attrs)})
		}
		c.mailboxCache = assignFallbackRoles(boxes)
		out = c.mailboxCache
		return nil
	})
	return slices.Clone(out), err
}

func roleFromAttrs(name string, attrs []imap.MailboxAttr) Role {
	switch {
	case strings.EqualFold(name, "INBOX"):
		return RoleInbox
	case slices.Contains(attrs, imap.MailboxAttrSent):
		return RoleSent
	case slices.Contains(attrs, imap.MailboxAttrTrash):
		return RoleTrash
	case slices.Contains(attrs, imap.MailboxAttrArchive):
		return RoleArchive
	}
	return RoleNone
}

var fallbackNames = map[Role][]string{
	RoleSent:    {"Sent", "Sent Items", "Sent Messages", "[Gmail]/Sent Mail"},
	RoleTrash:   {"Trash", "[Gmail]/Trash", "Deleted Items", "Deleted Messages"},
	RoleArchive: {"Archive", "Archives"},
}

// assignFallbackRoles fills roles no mailbox advertised by well-known
// folder names.
func assignFallbackRoles(boxes []MailboxInfo) []MailboxInfo {
	for _, role := range []Role{RoleSent, RoleTrash, RoleArchive} {
		if slices.ContainsFunc(boxes, func(b MailboxInfo) bool { return b.Role == role }) {
			continue
		}
	names:
		for _, candidate := range fallbackNames[role] {
			for i := range boxes {
				if boxes[i].Role == RoleNone && strings.EqualFold(boxes[i].Name, candidate) {
					boxes[i].Role = role
					break names
				}
			}
		}
	}
	return boxes
}

// Search returns the UIDs in mailbox matching c, ascending.
func (c *Client) Search(ctx context.Context, mailbox string, crit Criteria) ([]imap.UID, error) {
	var uids []imap.UID
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		if err := c.selectMailbox(mailbox); err != nil {
			return err
		}
		criteria := &imap.SearchCriteria{Flag: crit.Flag, NotFlag: crit.NotFlag, Since: crit.Since}
		data, err := conn.UIDSearch(criteria, &imap.SearchOptions{ReturnAll: true}).Wait()
		if err != nil {
			return fmt.Errorf("UID SEARCH %q: %w", mailbox, err)
		}
		if set, ok := data.All.(imap.UIDSet); ok {
			uids, _ = set.Nums()
		}
		return nil
	})
	slices.Sort(uids)
	return uids, err
}

// Fetch returns the full messages for uids in mailbox. UIDs that no longer
// exist are absent from the result.
func (c *Client) Fetch(ctx context.Context, mailbox string, uids []imap.UID) ([]*Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	opts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: true}},
	}
	var out []*Message
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		if err := c.selectMailbox(mailbox); err != nil {
			return err
		}
		msgs, err := conn.Fetch(imap.UIDSetNum(uids...), opts).Collect()
		if err != nil {
			return fmt.Errorf("UID FETCH %q: %w", mailbox, err)
		}
		for _, buf := range msgs {
			var raw []byte
			if len(buf.BodySection) > 0 {
				raw = buf.BodySection[0].Bytes
			}
			if len(raw) == 0 {
				continue
			}
			out = append(out, &Message{
				Mailbox:      mailbox,
				UID:          buf.UID,
				Flags:        buf.Flags,
				InternalDate: buf.InternalDate,
				Size:         buf.RFC822Size,
				Raw:          raw,
			})
		}
		return nil
	})
	return out, err
}

// SetFlag adds or removes flag on one message.
func (c *Client) SetFlag(ctx context.Context, mailbox string, uid imap.UID, flag imap.Flag, on bool) error {
	op := imap.StoreFlagsDel
	if on {
		op = imap.StoreFlagsAdd
	}
	return c.withConn(ctx, func(conn *imapclient.Client) error {
		if err := c.selectMailbox(mailbox); err != nil {
			return err
		}
		store := &imap.StoreFlags{Op: op, Silent: true, Flags: []imap.Flag{flag}}
		if err := conn.Store(imap.UIDSetNum(uid), store, nil).Close(); err != nil {
			return fmt.Errorf("UID STORE %s: %w", flag, err)
		}
		return nil
	})
}

// Move moves one message to dest.
func (c *Client) Move(ctx context.Context, mailbox string, uid imap.UID, dest string) error {
	return c.withConn(ctx, func(conn *imapclient.Client) error {
		if err := c.selectMailbox(mailbox); err != nil {
			return err
		}
		if _, err := conn.Move(imap.UIDSetNum(uid), dest).Wait(); err != nil {
			return fmt.Errorf("MOVE to %q: %w", dest, err)
		}
		return nil
	})
}

// Close logs out and disconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.selectedMailbox = ""
	return conn.Logout().Wait()
}

// compositeID builds a message identifier as "mailbox|uid".
func compositeID(mailbox string, uid imap.UID) string {
	return mailbox + "|" + strconv.FormatUint(uint64(uid), 10)
}

// parseCompositeID splits a composite message ID into mailbox and UID.
func parseCompositeID(id string) (mailbox string, uid imap.UID, err error) {
	idx := strings.LastIndexByte(id, '|')
	if idx <= 0 {
		return "", 0, fmt.Errorf("invalid IMAP message ID %q (expected mailbox|uid)", id)
	}
	n, err := strconv.ParseUint(id[idx+1:], 10, 32)
	if err != nil || n == 0 {
		return "", 0, fmt.Errorf("invalid UID in message ID %q", id)
	}
	return id[:idx], imap.UID(n), nil
}

var _ Session = (*Client)(nil)
