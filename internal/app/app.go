// Package app ties the per-account mirrors, the sync pipelines and the
// schedulers together and exposes the produced view and status.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	gosync "sync"
	"time"

	"github.com/wesm/mailmirror/internal/cache"
	"github.com/wesm/mailmirror/internal/enrich"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/mirror"
	"github.com/wesm/mailmirror/internal/mutation"
	"github.com/wesm/mailmirror/internal/remote"
	"github.com/wesm/mailmirror/internal/scheduler"
	"github.com/wesm/mailmirror/internal/store"
	"github.com/wesm/mailmirror/internal/sync"
)

// Account errors.
var (
	ErrUnknownAccount = errors.New("unknown account")
	ErrNoActive       = errors.New("no active account")
	ErrClosed         = errors.New("app closed")
)

// Deps are the collaborators the app is built from.
type Deps struct {
	Store     *store.Store
	Providers ProviderFactory
	// Sessions maps a provider kind (mail.ProviderGmail, mail.ProviderIMAP)
	// to the session store for accounts of that kind.
	Sessions   map[string]remote.Sessions
	Classifier enrich.Classifier // defaults to enrich.Heuristic
	Logger     *slog.Logger
}

// Options tune the app.
type Options struct {
	Refresh     scheduler.RefreshConfig
	FetchMax    int
	EnrichDelay time.Duration
	StatusTTL   time.Duration
	Schedules   map[string]string // account -> full-resync cron expression
	// Passive opens accounts without starting the refresher, the resync
	// schedules or initial loads. One-shot commands use it.
	Passive bool
}

// account is everything owned for one connected mailbox.
type account struct {
	info     mail.Account
	provider *lazyProvider
	mirror   *mirror.Mirror
	syncer   *sync.Syncer
	mutator  *mutation.Controller
}

// App is the per-process orchestrator.
type App struct {
	store     *store.Store
	cache     *cache.Manager
	providers ProviderFactory
	sessions  map[string]remote.Sessions
	enricher  *enrich.Enricher
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	refresher *scheduler.Refresher
	cron      *scheduler.Cron

	ctx    context.Context // background work; canceled by Close
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	watchMu     gosync.Mutex
	watchers    map[int]chan mirror.Change
	nextWatch   int
	watchClosed bool

	mu       gosync.Mutex
	accounts map[string]*account
	active   string
	status   statusState
	closed   bool
}

// New creates an app. Call Open to load accounts.
func New(deps Deps, opts Options) *App {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	classifier := deps.Classifier
	if classifier == nil {
		classifier = enrich.Heuristic{}
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		store:     deps.Store,
		cache:     cache.New(deps.Store).WithLogger(logger),
		providers: deps.Providers,
		sessions:  deps.Sessions,
		enricher:  enrich.New(classifier, opts.EnrichDelay).WithLogger(logger),
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		accounts:  make(map[string]*account),
		status:    newStatusState(),
		watchers:  make(map[int]chan mirror.Change),
	}
	a.refresher = scheduler.NewRefresher(opts.Refresh, a.tick).WithLogger(logger)
	a.cron = scheduler.NewCron(a.resync).WithLogger(logger)
	return a
}

// Open loads every stored account from cache, schedules resyncs, and
// activates the stored active account (or the first one).
func (a *App) Open(ctx context.Context) error {
	accts, err := a.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	active := ""
	for _, info := range accts {
		a.openAccount(ctx, *info)
		if info.IsActive {
			active = info.Email
		}
	}
	if active == "" && len(accts) > 0 {
		active = accts[0].Email
	}
	if !a.opts.Passive {
		a.cron.Start()
	}
	a.logger.Info("app opened", "accounts", len(accts), "active", active)

	if active == "" {
		return nil
	}
	return a.SwitchAccount(ctx, active)
}

// openAccount builds the in-memory state for info from the cache and
// registers its resync schedule.
func (a *App) openAccount(ctx context.Context, info mail.Account) *account {
	var items []mail.Item
	if a.cache.LoadIntoMemory(ctx, info.Email) {
		items, _ = a.cache.Get(info.Email)
	}

	acct := &account{
		info:     info,
		provider: &lazyProvider{acct: info, factory: a.providers},
		mirror:   mirror.New(info.Email, items, a.logger),
	}
	acct.mirror.Subscribe(a.forward)
	opts := sync.DefaultOptions()
	if a.opts.FetchMax > 0 {
		opts.FetchMax = a.opts.FetchMax
	}
	acct.syncer = sync.New(info.Email, acct.provider, acct.mirror, a.cache, opts).
		WithLogger(a.logger).
		WithEnricher(a.enricher).
		WithRecorder(a.store).
		WithLastSync(info.LastSync)
	acct.mutator = mutation.NewController(acct.provider).
		WithLogger(a.logger).
		WithSyncedHook(func(ctx context.Context, _ *mirror.Mirror) { acct.syncer.Persist(ctx) })

	if expr := a.opts.Schedules[info.Email]; expr != "" {
		if err := a.cron.Schedule(info.Email, expr); err != nil {
			a.logger.Warn("invalid resync schedule", "account", info.Email, "error", err)
		}
	}

	a.mu.Lock()
	a.accounts[info.Email] = acct
	a.mu.Unlock()
	a.logger.Debug("account opened", "account", info.Email, "cached_items", len(items))
	return acct
}

// Accounts returns the connected accounts, sorted by email.
func (a *App) Accounts() []mail.Account {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]mail.Account, 0, len(a.accounts))
	for _, acct := range a.accounts {
		info := acct.info
		info.IsActive = info.Email == a.active
		info.LastSync = nil
		if t := acct.syncer.LastSync(); !t.IsZero() {
			info.LastSync = &t
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(x, y mail.Account) int { return strings.Compare(x.Email, y.Email) })
	return out
}

// Active returns the active account's email, or "".
func (a *App) Active() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// lookup resolves account ("" means the active one).
func (a *App) lookup(email string) (*account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if email == "" {
		if a.active == "" {
			return nil, ErrNoActive
		}
		email = a.active
	}
	acct, ok := a.accounts[email]
	if !ok {
		return nil, fmt.Errorf("%s: %w", email, ErrUnknownAccount)
	}
	return acct, nil
}

// AddAccount stores info and opens it. The first account becomes active.
// An already connected account has its details updated.
func (a *App) AddAccount(ctx context.Context, info mail.Account) error {
	info.Email = strings.TrimSpace(info.Email)
	if info.Email == "" {
		return errors.New("account email is required")
	}
	if info.Provider == "" {
		info.Provider = mail.ProviderGmail
	}
	if _, ok := a.sessions[info.Provider]; !ok {
		return fmt.Errorf("unsupported provider %q", info.Provider)
	}
	if err := a.store.UpsertAccount(ctx, info); err != nil {
		return fmt.Errorf("add account: %w", err)
	}

	a.mu.Lock()
	existing, ok := a.accounts[info.Email]
	noActive := a.active == ""
	a.mu.Unlock()
	if ok {
		a.mu.Lock()
		existing.info.DisplayName = info.DisplayName
		existing.info.ProfileImage = info.ProfileImage
		a.mu.Unlock()
		return nil
	}

	a.openAccount(ctx, info)
	a.logger.Info("account added", "account", info.Email, "provider", info.Provider)
	if noActive {
		return a.SwitchAccount(ctx, info.Email)
	}
	return nil
}

// RemoveAccount discards everything held for email: schedules, the
// collection, its derived state, the cache and the stored row.
func (a *App) RemoveAccount(ctx context.Context, email string) error {
	acct, err := a.lookup(email)
	if err != nil {
		return err
	}

	a.mu.Lock()
	wasActive := a.active == email
	if wasActive {
		a.active = ""
	}
	delete(a.accounts, email)
	delete(a.status.reauth, email)
	a.mu.Unlock()

	if wasActive {
		a.refresher.Stop()
	}
	a.cron.Unschedule(email)
	acct.mutator.Wait()
	acct.mirror.Close()
	if err := acct.provider.Close(); err != nil {
		a.logger.Warn("failed to close provider", "account", email, "error", err)
	}
	if err := a.cache.Clear(ctx, email); err != nil {
		a.logger.Warn("failed to clear cache", "account", email, "error", err)
	}
	if err := a.store.RemoveAccount(ctx, email); err != nil && !errors.Is(err, store.ErrAccountNotFound) {
		return fmt.Errorf("remove account: %w", err)
	}
	a.logger.Info("account removed", "account", email)

	if wasActive {
		if rest := a.Accounts(); len(rest) > 0 {
			return a.SwitchAccount(ctx, rest[0].Email)
		}
	}
	return nil
}

// SwitchAccount makes email the active account. The refresher moves to it
// when it already has cached items; otherwise an initial load runs in the
// background and starts the refresher when it succeeds.
func (a *App) SwitchAccount(ctx context.Context, email string) error {
	acct, err := a.lookup(email)
	if err != nil {
		return err
	}
	if err := a.store.SetActiveAccount(ctx, email); err != nil {
		return fmt.Errorf("switch account: %w", err)
	}

	a.mu.Lock()
	prev := a.active
	a.active = email
	a.mu.Unlock()

	switch {
	case a.opts.Passive:
	case acct.mirror.Len() > 0:
		a.refresher.Switch(email)
	default:
		a.refresher.Stop()
		a.background(func(ctx context.Context) {
			if _, err := a.fullSync(ctx, acct, true); err == nil && a.Active() == email {
				a.refresher.Start(email)
			}
		})
	}
	if prev != email {
		a.logger.Info("switched account", "from", prev, "to", email)
	}
	return nil
}

// background runs fn on the app's context, tracked for Close.
func (a *App) background(fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn(a.ctx)
	}()
}

// Close stops the schedulers, waits for background work and in-flight
// mutations, persists every collection and releases providers.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	accts := make([]*account, 0, len(a.accounts))
	for _, acct := range a.accounts {
		accts = append(accts, acct)
	}
	a.mu.Unlock()

	a.refresher.Stop()
	<-a.cron.Stop().Done()
	a.cancel()
	a.wg.Wait()

	var errs []error
	for _, acct := range accts {
		acct.mutator.Wait()
		acct.syncer.Persist(context.Background())
		acct.mirror.Close()
		if err := acct.provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", acct.info.Email, err))
		}
	}
	a.closeWatchers()
	a.logger.Info("app closed")
	return errors.Join(errs...)
}
