// Package sync provides the full and incremental fetch pipelines that keep
// an account's mirror in step with its provider.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/wesm/mailmirror/internal/cache"
	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/enrich"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/merge"
	"github.com/wesm/mailmirror/internal/mirror"
	"github.com/wesm/mailmirror/internal/remote"
	"golang.org/x/sync/errgroup"
)

// FullSyncCategories are fetched concurrently by Full.
var FullSyncCategories = []category.Category{
	category.Inbox, category.Sent, category.Starred, category.Trash, category.Archive,
}

// DefaultLookback is how far back Incremental reaches when the account has
// neither cached items nor a recorded sync.
const DefaultLookback = 24 * time.Hour

// Recorder stores the completion time of a successful sync. store.Store
// implements it.
type Recorder interface {
	RecordSync(ctx context.Context, email string, at time.Time) error
}

// Options configures sync behavior.
type Options struct {
	// FetchMax caps items fetched per category in a full sync (default: 500)
	FetchMax int

	// Categories fetched by Full (default: FullSyncCategories)
	Categories []category.Category
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		FetchMax:   500,
		Categories: FullSyncCategories,
	}
}

// Summary describes one completed sync.
type Summary struct {
	Account  string        `json:"account"`
	Mode     string        `json:"mode"`
	Found    int           `json:"found"`
	Added    int           `json:"added"`
	Updated  int           `json:"updated"`
	Enriched int           `json:"enriched"`
	Total    int           `json:"total"`
	Since    time.Time     `json:"since,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Syncer fetches one account's mail and folds it into that account's
// mirror. Runs are serialized: a full sync and a refresh tick never
// interleave their writes.
type Syncer struct {
	account  string
	provider remote.Provider
	mirror   *mirror.Mirror
	cache    *cache.Manager
	recorder Recorder
	enricher *enrich.Enricher
	opts     *Options
	logger   *slog.Logger
	now      func() time.Time

	run      gosync.Mutex
	mu       gosync.Mutex
	lastSync time.Time
}

// New creates a Syncer for account. cache may be nil, in which case nothing
// is persisted.
func New(account string, provider remote.Provider, m *mirror.Mirror, c *cache.Manager, opts *Options) *Syncer {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.FetchMax <= 0 {
		opts.FetchMax = DefaultOptions().FetchMax
	}
	if len(opts.Categories) == 0 {
		opts.Categories = FullSyncCategories
	}
	return &Syncer{
		account:  account,
		provider: provider,
		mirror:   m,
		cache:    c,
		opts:     opts,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// WithLogger sets the logger.
func (s *Syncer) WithLogger(logger *slog.Logger) *Syncer {
	s.logger = logger
	return s
}

// WithEnricher classifies new items after each sync.
func (s *Syncer) WithEnricher(e *enrich.Enricher) *Syncer {
	s.enricher = e
	return s
}

// WithRecorder records successful sync times.
func (s *Syncer) WithRecorder(r Recorder) *Syncer {
	s.recorder = r
	return s
}

// WithLastSync seeds the last successful sync time, usually from the
// stored account.
func (s *Syncer) WithLastSync(t *time.Time) *Syncer {
	if t != nil {
		s.lastSync = *t
	}
	return s
}

// Account returns the account this syncer serves.
func (s *Syncer) Account() string { return s.account }

// Mirror returns the mirror this syncer writes to.
func (s *Syncer) Mirror() *mirror.Mirror { return s.mirror }

// LastSync returns the time of the last successful sync, zero if none.
func (s *Syncer) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// Full fetches every category concurrently, merges the batches and replaces
// the mirror's collection. Items with in-flight mutations survive the
// replace. New items are enriched.
func (s *Syncer) Full(ctx context.Context) (*Summary, error) {
	s.run.Lock()
	defer s.run.Unlock()

	start := s.now()
	summary := &Summary{Account: s.account, Mode: "full"}
	s.logger.Info("full sync", "account", s.account, "categories", len(s.opts.Categories))

	batches := make([][]mail.Item, len(s.opts.Categories))
	g, gctx := errgroup.WithContext(ctx)
	for i, cat := range s.opts.Categories {
		g.Go(func() error {
			items, err := s.provider.FetchByCategory(gctx, cat, s.opts.FetchMax)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", cat, remote.Classify("fetch "+string(cat), err))
			}
			s.logger.Debug("fetched category", "account", s.account, "category", cat, "items", len(items))
			batches[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("full sync failed", "account", s.account, "error", err)
		s.logger.Debug("sync failure trace", "account", s.account, "trace", remote.TraceOf(err))
		return nil, err
	}

	merged := merge.Merge(batches...)
	for _, b := range batches {
		summary.Found += len(b)
	}

	before := idSet(s.mirror.Snapshot())
	if err := s.mirror.Replace(merged); err != nil {
		return nil, fmt.Errorf("replace collection: %w", err)
	}
	var newIDs []string
	for _, it := range merged {
		if !before[it.ID] {
			newIDs = append(newIDs, it.ID)
		}
	}
	summary.Added = len(newIDs)
	summary.Updated = len(merged) - len(newIDs)
	summary.Enriched = s.enrichIDs(ctx, newIDs)

	s.Persist(ctx)
	s.finish(ctx, summary, start)
	return summary, nil
}

// Incremental fetches items changed since the newest item already held
// (falling back to the last sync time, then DefaultLookback) and merges them
// in. Only new items are enriched unless force is set, in which case every
// fetched item is.
func (s *Syncer) Incremental(ctx context.Context, force bool) (*Summary, error) {
	s.run.Lock()
	defer s.run.Unlock()

	start := s.now()
	since := s.since()
	summary := &Summary{Account: s.account, Mode: "incremental", Since: since}
	s.logger.Debug("incremental sync", "account", s.account, "since", since, "force", force)

	items, err := s.provider.FetchRecent(ctx, since)
	if err != nil {
		err = remote.Classify("fetch recent", err)
		s.logger.Warn("incremental sync failed", "account", s.account, "error", err)
		s.logger.Debug("sync failure trace", "account", s.account, "trace", remote.TraceOf(err))
		return nil, err
	}
	summary.Found = len(items)

	newIDs, err := s.mirror.MergeIncoming(items)
	if err != nil {
		return nil, fmt.Errorf("merge incoming: %w", err)
	}
	summary.Added = len(newIDs)
	summary.Updated = max(len(items)-len(newIDs), 0)

	targets := newIDs
	if force {
		targets = make([]string, 0, len(items))
		for _, it := range items {
			targets = append(targets, it.ID)
		}
	}
	summary.Enriched = s.enrichIDs(ctx, targets)

	s.persistFetched(ctx, items)
	s.finish(ctx, summary, start)
	return summary, nil
}

// Persist writes the mirror's current collection to the cache.
func (s *Syncer) Persist(ctx context.Context) {
	if s.cache == nil {
		return
	}
	s.cache.Put(ctx, s.account, s.mirror.Snapshot())
}

// persistFetched folds the mirror's copies of fetched items into the cached
// collection. Without a cached collection the whole mirror is written.
func (s *Syncer) persistFetched(ctx context.Context, fetched []mail.Item) {
	if s.cache == nil {
		return
	}
	if _, ok := s.cache.Get(s.account); !ok {
		s.Persist(ctx)
		return
	}
	current := make([]mail.Item, 0, len(fetched))
	for _, in := range fetched {
		if it, ok := s.mirror.Get(in.ID); ok {
			current = append(current, it)
		}
	}
	s.cache.Update(ctx, s.account, current)
}

func (s *Syncer) since() time.Time {
	var newest time.Time
	for _, it := range s.mirror.Snapshot() {
		if it.Timestamp.After(newest) {
			newest = it.Timestamp
		}
	}
	if !newest.IsZero() {
		return newest
	}
	if last := s.LastSync(); !last.IsZero() {
		return last
	}
	return s.now().Add(-DefaultLookback)
}

// enrichIDs classifies the current copies of ids. Enrichment is
// best-effort: failures are logged and never fail the sync.
func (s *Syncer) enrichIDs(ctx context.Context, ids []string) int {
	if s.enricher == nil || len(ids) == 0 {
		return 0
	}
	items := make([]mail.Item, 0, len(ids))
	for _, id := range ids {
		if it, ok := s.mirror.Get(id); ok {
			items = append(items, it)
		}
	}
	n, err := s.enricher.Enrich(ctx, s.mirror, items)
	if err != nil {
		s.logger.Warn("enrichment failed", "account", s.account, "error", err)
	}
	return n
}

func (s *Syncer) finish(ctx context.Context, summary *Summary, start time.Time) {
	done := s.now()
	s.mu.Lock()
	s.lastSync = done
	s.mu.Unlock()
	if s.recorder != nil {
		if err := s.recorder.RecordSync(ctx, s.account, done); err != nil {
			s.logger.Warn("failed to record sync time", "account", s.account, "error", err)
		}
	}

	summary.Total = s.mirror.Len()
	summary.Duration = done.Sub(start)
	s.logger.Info("sync complete",
		"account", s.account,
		"mode", summary.Mode,
		"found", summary.Found,
		"added", summary.Added,
		"updated", summary.Updated,
		"enriched", summary.Enriched,
		"duration", summary.Duration)
}

func idSet(items []mail.Item) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it.ID] = true
	}
	return set
}
