package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/mime"
	"github.com/wesm/mailmirror/internal/remote"
)

// MaxRecent caps how many messages one FetchRecent call returns.
const MaxRecent = 500

var categoryQueries = map[category.Category]string{
	category.Inbox:     "in:inbox",
	category.Sent:      "in:sent",
	category.Starred:   "is:starred",
	category.Trash:     "in:trash",
	category.Archive:   "-in:inbox -in:trash -in:sent",
	category.Unread:    "is:unread",
	category.Important: "is:important",
}

// CategoryQuery returns the Gmail search query listing cat.
func CategoryQuery(cat category.Category) (string, error) {
	q, ok := categoryQueries[cat]
	if !ok {
		return "", fmt.Errorf("no gmail query for category %q", cat)
	}
	return q, nil
}

// Provider adapts an API to remote.Provider.
type Provider struct {
	api      API
	logger   *slog.Logger
	now      func() time.Time
	pageSize int
}

// NewProvider creates a provider over api.
func NewProvider(api API) *Provider {
	return &Provider{api: api, logger: slog.Default(), now: time.Now, pageSize: 100}
}

// WithLogger sets the logger for the provider.
func (p *Provider) WithLogger(logger *slog.Logger) *Provider {
	p.logger = logger
	return p
}

// Close releases the API client.
func (p *Provider) Close() error {
	return p.api.Close()
}

// FetchByCategory lists up to max messages filed under cat and fetches them.
func (p *Provider) FetchByCategory(ctx context.Context, cat category.Category, max int) ([]mail.Item, error) {
	q, err := CategoryQuery(cat)
	if err != nil {
		return nil, remote.NewError(remote.KindUnknown, "fetch "+string(cat), err)
	}
	items, err := p.fetch(ctx, q, max)
	if err != nil {
		return nil, remote.Classify("fetch "+string(cat), err, ClassifyError)
	}
	return items, nil
}

// FetchRecent returns messages received after since.
func (p *Provider) FetchRecent(ctx context.Context, since time.Time) ([]mail.Item, error) {
	q := "after:" + strconv.FormatInt(since.Unix(), 10)
	items, err := p.fetch(ctx, q, MaxRecent)
	if err != nil {
		return nil, remote.Classify("fetch recent", err, ClassifyError)
	}
	return items, nil
}

func (p *Provider) fetch(ctx context.Context, query string, max int) ([]mail.Item, error) {
	if max <= 0 {
		return nil, nil
	}
	var ids []string
	pageToken := ""
	for len(ids) < max {
		resp, err := p.api.ListMessages(ctx, query, pageToken, min(p.pageSize, max-len(ids)))
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", query, err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.ID)
		}
		if resp.NextPageToken == "" || len(resp.Messages) == 0 {
			break
		}
		pageToken = resp.NextPageToken
	}
	if len(ids) > max {
		ids = ids[:max]
	}

	raws, err := p.api.GetMessagesRawBatch(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	items := make([]mail.Item, 0, len(raws))
	for i, raw := range raws {
		if raw == nil {
			p.logger.Debug("message missing from batch", "id", ids[i])
			continue
		}
		it, err := p.toItem(raw)
		if err != nil {
			p.logger.Warn("skipping undecodable message", "id", raw.ID, "error", err)
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

func (p *Provider) toItem(raw *RawMessage) (mail.Item, error) {
	base := mail.Item{
		ID:           raw.ID,
		MessageID:    raw.ID,
		ThreadID:     raw.ThreadID,
		Labels:       mail.NormalizeLabels(raw.LabelIDs),
		Priority:     mail.PriorityMedium,
		Version:      1,
		LastModified: p.now(),
		SyncStatus:   mail.StatusSynced,
	}
	if raw.InternalDate > 0 {
		base.Timestamp = time.UnixMilli(raw.InternalDate).UTC()
	}
	if len(raw.Raw) == 0 {
		base.Content = raw.Snippet
		return base.SyncFlags(), nil
	}
	return mime.ToItem(raw.Raw, base)
}

// Mutate applies op through the labels, trash and untrash endpoints.
func (p *Provider) Mutate(ctx context.Context, remoteID string, op remote.Operation) (bool, error) {
	var err error
	switch op {
	case remote.MarkRead:
		err = p.api.ModifyLabels(ctx, remoteID, nil, []string{mail.LabelUnread})
	case remote.MarkUnread:
		err = p.api.ModifyLabels(ctx, remoteID, []string{mail.LabelUnread}, nil)
	case remote.Star:
		err = p.api.ModifyLabels(ctx, remoteID, []string{mail.LabelStarred}, nil)
	case remote.Unstar:
		err = p.api.ModifyLabels(ctx, remoteID, nil, []string{mail.LabelStarred})
	case remote.Archive:
		err = p.api.ModifyLabels(ctx, remoteID, nil, []string{mail.LabelInbox})
	case remote.Unarchive:
		err = p.api.ModifyLabels(ctx, remoteID, []string{mail.LabelInbox}, nil)
	case remote.Trash:
		err = p.api.TrashMessage(ctx, remoteID)
	case remote.Untrash:
		err = p.api.UntrashMessage(ctx, remoteID)
	default:
		return false, fmt.Errorf("unsupported operation %q", op)
	}
	if err != nil {
		return false, remote.Classify(string(op), err, ClassifyError)
	}
	return true, nil
}

// ClassifyError maps Gmail client errors to remote kinds.
func ClassifyError(err error) remote.Kind {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return remote.KindNotFound
	}
	var se *StatusError
	if errors.As(err, &se) && se.IsUnauthorized() {
		return remote.KindAuthRequired
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return remote.KindAuthRequired
	}
	return remote.KindUnknown
}

var _ remote.Provider = (*Provider)(nil)
