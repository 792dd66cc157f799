package app

import (
	"context"
	"errors"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/wesm/mailmirror/internal/cache"
	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/filter"
	"github.com/wesm/mailmirror/internal/lifecycle"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/mutation"
	"github.com/wesm/mailmirror/internal/remote"
	"github.com/wesm/mailmirror/internal/scheduler"
	"github.com/wesm/mailmirror/internal/store"
	"github.com/wesm/mailmirror/internal/testutil"
)

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"
)

type fakeProvider struct {
	mu        gosync.Mutex
	inbox     []mail.Item
	recent    []mail.Item
	mutateErr error
	fetchErr  error
	fetches   int
	mutations []remote.Operation
}

func (p *fakeProvider) FetchByCategory(_ context.Context, cat category.Category, _ int) ([]mail.Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	if cat == category.Inbox {
		return p.inbox, nil
	}
	return nil, nil
}

func (p *fakeProvider) FetchRecent(context.Context, time.Time) ([]mail.Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	return p.recent, p.fetchErr
}

func (p *fakeProvider) Mutate(_ context.Context, _ string, op remote.Operation) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mutations = append(p.mutations, op)
	return p.mutateErr == nil, p.mutateErr
}

func (p *fakeProvider) fetchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}

type fakeSessions struct {
	mu         gosync.Mutex
	has        map[string]bool
	refreshErr error
}

func (s *fakeSessions) HasSession(account string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.has[account]
}

func (s *fakeSessions) RefreshIfNeeded(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshErr
}

func (s *fakeSessions) set(account string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.has[account] = ok
}

type testEnv struct {
	app       *App
	store     *store.Store
	sessions  *fakeSessions
	providers map[string]*fakeProvider
	dbPath    string
}

func testOptions() Options {
	return Options{
		Refresh: scheduler.RefreshConfig{
			QuickInterval:  time.Hour,
			QuickTicks:     1,
			SteadyInterval: time.Hour,
		},
		StatusTTL: time.Minute,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		sessions:  &fakeSessions{has: map[string]bool{alice: true, bob: true}},
		providers: map[string]*fakeProvider{alice: {}, bob: {}},
		dbPath:    filepath.Join(t.TempDir(), "mailmirror.db"),
	}
	env.providers[alice].inbox = []mail.Item{
		testutil.NewItem("a1").MessageID("a1").Labels("INBOX").Unread().Minutes(2).Build(),
		testutil.NewItem("a2").MessageID("a2").Labels("INBOX").Minutes(1).Build(),
	}
	env.providers[bob].inbox = []mail.Item{
		testutil.NewItem("b1").MessageID("b1").Labels("INBOX").Build(),
	}
	env.open(t)
	return env
}

// open builds a fresh App over the env's database.
func (env *testEnv) open(t *testing.T) {
	t.Helper()
	st, err := store.Open(env.dbPath)
	testutil.MustNoErr(t, err, "store.Open")
	env.store = st

	deps := Deps{
		Store: st,
		Providers: func(_ context.Context, acct mail.Account) (remote.Provider, error) {
			p, ok := env.providers[acct.Email]
			if !ok {
				return nil, errors.New("no provider")
			}
			return p, nil
		},
		Sessions: map[string]remote.Sessions{mail.ProviderGmail: env.sessions},
	}
	env.app = New(deps, testOptions())
	testutil.MustNoErr(t, env.app.Open(context.Background()), "Open")
	t.Cleanup(func() {
		_ = env.app.Close()
		_ = st.Close()
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (env *testEnv) addLoaded(t *testing.T, email string) {
	t.Helper()
	testutil.MustNoErr(t, env.app.AddAccount(context.Background(), mail.Account{Email: email}), "AddAccount")
	if env.app.Active() == email {
		waitFor(t, "initial load", func() bool {
			items, err := env.app.View(context.Background(), email, filter.Spec{}, filter.ByTimestamp)
			return err == nil && len(items) > 0 && !env.app.Status().Loading
		})
		return
	}
	_, err := env.app.FullSync(context.Background(), email)
	testutil.MustNoErr(t, err, "FullSync")
}

func TestAddAccount_FirstBecomesActiveAndLoads(t *testing.T) {
	env := newTestEnv(t)
	env.addLoaded(t, alice)

	if got := env.app.Active(); got != alice {
		t.Fatalf("Active() = %q, want %q", got, alice)
	}
	items, err := env.app.View(context.Background(), "", filter.Spec{}, filter.ByTimestamp)
	testutil.MustNoErr(t, err, "View")
	testutil.AssertIDs(t, items, "a1", "a2")

	waitFor(t, "refresher start", func() bool { return env.app.Status().Refresh.Running })
	st := env.app.Status()
	if st.Refresh.Account != alice || st.NeedsReauth || st.Message != "" {
		t.Errorf("status = %+v", st)
	}

	env.addLoaded(t, bob)
	if got := env.app.Active(); got != alice {
		t.Errorf("adding a second account changed active to %q", got)
	}
	accts := env.app.Accounts()
	if len(accts) != 2 || !accts[0].IsActive || accts[1].IsActive || accts[1].LastSync == nil {
		t.Errorf("Accounts() = %+v", accts)
	}
}

func TestView_Filters(t *testing.T) {
	env := newTestEnv(t)
	env.addLoaded(t, alice)

	items, err := env.app.View(context.Background(), alice, filter.Spec{Tags: []category.Category{category.Unread}}, filter.ByTimestamp)
	testutil.MustNoErr(t, err, "View")
	testutil.AssertIDs(t, items, "a1")

	if _, err := env.app.View(context.Background(), "nobody@example.com", filter.Spec{}, filter.ByTimestamp); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("View unknown account err = %v", err)
	}
}

func TestMutate_SyncsAndPersists(t *testing.T) {
	env := newTestEnv(t)
	env.addLoaded(t, alice)

	p, err := env.app.Mutate(context.Background(), "", "a2", remote.Star)
	testutil.MustNoErr(t, err, "Mutate")
	if it, _ := env.app.Item("", "a2"); !it.IsStarred {
		t.Error("star not applied locally before the provider answered")
	}
	res, err := p.Wait(context.Background())
	testutil.MustNoErr(t, err, "Wait")
	if res.State != mutation.StateSynced {
		t.Fatalf("state = %v, want synced", res.State)
	}
	starred, _ := env.app.View(context.Background(), "", filter.Spec{Tags: []category.Category{category.Starred}}, filter.ByTimestamp)
	testutil.AssertIDs(t, starred, "a2")
}

func TestMutate_RollbackRaisesReauth(t *testing.T) {
	env := newTestEnv(t)
	env.addLoaded(t, alice)
	env.providers[alice].mu.Lock()
	env.providers[alice].mutateErr = remote.NewError(remote.KindAuthRequired, "modify", errors.New("401"))
	env.providers[alice].mu.Unlock()

	p, err := env.app.Mutate(context.Background(), "", "a1", remote.MarkRead)
	testutil.MustNoErr(t, err, "Mutate")
	res, _ := p.Wait(context.Background())
	if res.State != mutation.StateRolledBack {
		t.Fatalf("state = %v, want rolled back", res.State)
	}
	if it, _ := env.app.Item("", "a1"); it.IsRead {
		t.Error("rollback did not restore unread state")
	}
	waitFor(t, "reauth flag", func() bool { return env.app.Status().NeedsReauth })
	if st := env.app.Status(); st.Message != MsgMutationFailed || st.ReauthMessage == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestMutate_LocalOnlyItem(t *testing.T) {
	env := newTestEnv(t)
	env.providers[alice].inbox = append(env.providers[alice].inbox,
		testutil.NewItem("draft").Labels("INBOX").Build())
	env.addLoaded(t, alice)

	p, err := env.app.Mutate(context.Background(), "", "draft", remote.Star)
	testutil.MustNoErr(t, err, "Mutate")
	res, _ := p.Wait(context.Background())
	if res.State != mutation.StateLocalOnly || res.Applied.SyncStatus != mail.StatusLocal {
		t.Errorf("result = %+v, want local only", res)
	}
	env.providers[alice].mu.Lock()
	defer env.providers[alice].mu.Unlock()
	if len(env.providers[alice].mutations) != 0 {
		t.Errorf("provider called for local item: %v", env.providers[alice].mutations)
	}
}

func TestRefresh_NoSessionNeedsReauth(t *testing.T) {
	env := newTestEnv(t)
	env.addLoaded(t, alice)
	env.sessions.set(alice, false)

	err := env.app.Refresh(context.Background())
	if remote.KindOf(err) != remote.KindAuthRequired {
		t.Fatalf("Refresh err = %v, want AuthRequired", err)
	}
	if st := env.app.Status(); !st.NeedsReauth {
		t.Errorf("status = %+v, want NeedsReauth", st)
	}

	before := env.providers[alice].fetchCount()
	if err := env.app.tick(context.Background(), alice); err != nil {
		t.Errorf("background tick without session = %v, want silent skip", err)
	}
	if got := env.providers[alice].fetchCount(); got != before {
		t.Errorf("tick fetched without a session (%d -> %d)", before, got)
	}
}

func TestBackgroundAuthFailureIsSilent(t *testing.T) {
	env := newTestEnv(t)
	env.addLoaded(t, alice)
	env.providers[alice].mu.Lock()
	env.providers[alice].fetchErr = remote.NewError(remote.KindAuthRequired, "list", errors.New("401"))
	env.providers[alice].mu.Unlock()
	ctx := context.Background()

	background := []struct {
		name string
		run  func() error
	}{
		{"tick", func() error { return env.app.tick(ctx, alice) }},
		{"cron resync", func() error { return env.app.resync(ctx, alice) }},
		{"external update", func() error {
			return env.app.HandleEvent(ctx, lifecycle.Event{Kind: lifecycle.ExternalUpdate, Account: alice})
		}},
	}
	for _, tt := range background {
		if err := tt.run(); remote.KindOf(err) != remote.KindAuthRequired {
			t.Errorf("%s err = %v, want AuthRequired", tt.name, err)
		}
		if st := env.app.Status(); st.NeedsReauth || st.Message != "" {
			t.Errorf("%s changed status: %+v", tt.name, st)
		}
	}

	if err := env.app.Refresh(ctx); remote.KindOf(err) != remote.KindAuthRequired {
		t.Fatalf("Refresh err = %v, want AuthRequired", err)
	}
	if st := env.app.Status(); !st.NeedsReauth {
		t.Errorf("manual refresh did not raise re-auth: %+v", st)
	}
}

func TestRefresh_MergesAndClearsReauth(t *testing.T) {
	env := newTestEnv(t)
	env.addLoaded(t, alice)
	env.app.setReauth(alice)
	env.providers[alice].mu.Lock()
	env.providers[alice].recent = []mail.Item{
		testutil.NewItem("a3").MessageID("a3").Labels("INBOX").Minutes(5).Build(),
	}
	env.providers[alice].mu.Unlock()

	testutil.MustNoErr(t, env.app.Refresh(context.Background()), "Refresh")
	items, _ := env.app.View(context.Background(), "", filter.Spec{}, filter.ByTimestamp)
	testutil.AssertIDs(t, items, "a3", "a1", "a2")
	if st := env.app.Status(); st.NeedsReauth {
		t.Errorf("reauth flag not cleared: %+v", st)
	}
}

func TestStatus_MessageExpires(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.app.now = func() time.Time { return now }

	env.app.setMessage(MsgRefreshFailed)
	if got := env.app.Status().Message; got != MsgRefreshFailed {
		t.Fatalf("Message = %q", got)
	}
	now = now.Add(time.Minute)
	if got := env.app.Status().Message; got != "" {
		t.Errorf("Message after TTL = %q, want empty", got)
	}
}

func TestHandleEvent(t *testing.T) {
	env := newTestEnv(t)
	env.addLoaded(t, alice)
	ctx := context.Background()

	testutil.MustNoErr(t, env.app.HandleEvent(ctx, lifecycle.Event{Kind: lifecycle.Background}), "background")
	if st := env.app.Status().Refresh; st.Foreground || st.Running {
		t.Errorf("refresh after background = %+v", st)
	}
	testutil.MustNoErr(t, env.app.HandleEvent(ctx, lifecycle.Event{Kind: lifecycle.Foreground}), "foreground")
	if st := env.app.Status().Refresh; !st.Foreground || !st.Running {
		t.Errorf("refresh after foreground = %+v", st)
	}

	env.providers[alice].mu.Lock()
	env.providers[alice].recent = []mail.Item{
		testutil.NewItem("pushed").MessageID("pushed").Labels("INBOX").Minutes(9).Build(),
	}
	env.providers[alice].mu.Unlock()
	testutil.MustNoErr(t, env.app.HandleEvent(ctx, lifecycle.Event{Kind: lifecycle.ExternalUpdate, Account: alice}), "external update")
	if _, err := env.app.Item(alice, "pushed"); err != nil {
		t.Errorf("external update did not merge: %v", err)
	}

	if err := env.app.HandleEvent(ctx, lifecycle.Event{Kind: lifecycle.ExternalUpdate, Account: "nobody@example.com"}); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("external update for unknown account = %v", err)
	}
}

func TestRun_ConsumesBus(t *testing.T) {
	env := newTestEnv(t)
	env.addLoaded(t, alice)

	bus := lifecycle.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.app.Run(ctx, bus) }()

	waitFor(t, "subscription", func() bool {
		_ = bus.Publish(ctx, lifecycle.Event{Kind: lifecycle.Background})
		return !env.app.Status().Refresh.Foreground
	})
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want canceled", err)
	}
	bus.Close()
}

func TestSwitchAndRemoveAccount(t *testing.T) {
	env := newTestEnv(t)
	env.addLoaded(t, alice)
	env.addLoaded(t, bob)
	ctx := context.Background()

	testutil.MustNoErr(t, env.app.SwitchAccount(ctx, bob), "SwitchAccount")
	if st := env.app.Status(); st.Account != bob || st.Refresh.Account != bob {
		t.Errorf("status after switch = %+v", st)
	}
	if err := env.app.SwitchAccount(ctx, "nobody@example.com"); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("switch to unknown = %v", err)
	}

	testutil.MustNoErr(t, env.app.RemoveAccount(ctx, bob), "RemoveAccount")
	if got := env.app.Active(); got != alice {
		t.Errorf("Active() after removing active = %q, want %q", got, alice)
	}
	stored, err := env.store.GetAccount(ctx, bob)
	testutil.MustNoErr(t, err, "GetAccount")
	if stored != nil {
		t.Errorf("stored account after remove: %+v", stored)
	}
	if _, ok, err := env.store.Get(ctx, cache.Key(bob)); err != nil || ok {
		t.Errorf("cache entry survived removal (ok=%v err=%v)", ok, err)
	}
}

func TestOpen_RestoresFromCache(t *testing.T) {
	env := newTestEnv(t)
	env.addLoaded(t, alice)
	testutil.MustNoErr(t, env.app.Close(), "Close")
	testutil.MustNoErr(t, env.store.Close(), "store Close")

	fetches := env.providers[alice].fetchCount()
	env.open(t)

	if got := env.app.Active(); got != alice {
		t.Fatalf("Active() after reopen = %q", got)
	}
	items, err := env.app.View(context.Background(), "", filter.Spec{}, filter.ByTimestamp)
	testutil.MustNoErr(t, err, "View")
	testutil.AssertIDs(t, items, "a1", "a2")
	if got := env.providers[alice].fetchCount(); got != fetches {
		t.Errorf("reopen fetched from provider (%d -> %d)", fetches, got)
	}
	if st := env.app.Status().Refresh; !st.Running || st.Account != alice {
		t.Errorf("refresher after reopen = %+v", st)
	}
}

func TestAddAccount_RejectsUnknownProvider(t *testing.T) {
	env := newTestEnv(t)
	err := env.app.AddAccount(context.Background(), mail.Account{Email: "x@example.com", Provider: "pop3"})
	if err == nil {
		t.Fatal("AddAccount with unknown provider should fail")
	}
}

func TestWatch_DeliversMirrorChanges(t *testing.T) {
	env := newTestEnv(t)
	env.addLoaded(t, alice)
	changes, stop := env.app.Watch()

	p, err := env.app.Mutate(context.Background(), "", "a2", remote.Star)
	testutil.MustNoErr(t, err, "Mutate")
	select {
	case c := <-changes:
		if c.Account != alice {
			t.Errorf("change account = %q, want %q", c.Account, alice)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}
	_, _ = p.Wait(context.Background())

	st := env.app.Status()
	if st.Counts[category.Inbox] != 2 || st.Counts[category.Starred] != 1 || st.Counts[category.Unread] != 1 {
		t.Errorf("Counts = %v", st.Counts)
	}

	stop()
	for range changes {
	}
	stop()
}

func TestWatch_ClosedByClose(t *testing.T) {
	env := newTestEnv(t)
	changes, _ := env.app.Watch()
	testutil.MustNoErr(t, env.app.Close(), "Close")
	select {
	case _, ok := <-changes:
		if ok {
			for range changes {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed by Close")
	}
	if late, _ := env.app.Watch(); late != nil {
		if _, ok := <-late; ok {
			t.Error("Watch after Close should return a closed channel")
		}
	}
}
