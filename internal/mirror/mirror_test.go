package mirror

import (
	"errors"
	"sync"
	"testing"

	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/filter"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/testutil"
)

const acct = "me@example.com"

func newTestMirror(t *testing.T, items []mail.Item) *Mirror {
	t.Helper()
	m := New(acct, items, nil)
	t.Cleanup(m.Close)
	return m
}

func markRead(it mail.Item) mail.Item {
	it = it.WithoutLabel(mail.LabelUnread)
	it.IsRead = true
	it.Version++
	return it
}

func TestApply_RecategorizesAndInvalidates(t *testing.T) {
	items := []mail.Item{
		testutil.NewItem("a").MessageID("m-a").Labels("INBOX", "UNREAD").Unread().Build(),
		testutil.NewItem("b").MessageID("m-b").Labels("INBOX").Build(),
	}
	m := newTestMirror(t, items)
	unread := filter.Spec{Tags: []category.Category{category.Unread}}

	got, err := m.View(unread, filter.ByTimestamp)
	testutil.MustNoErr(t, err, "View")
	testutil.AssertIDs(t, got, "a")

	before, after, err := m.Apply("a", false, markRead)
	testutil.MustNoErr(t, err, "Apply")
	if before.IsRead || !after.IsRead {
		t.Errorf("before.IsRead=%v after.IsRead=%v", before.IsRead, after.IsRead)
	}

	cats, _ := categoriesOf(m, "a")
	if cats.Has(category.Unread) {
		t.Error("category map not updated")
	}
	got, _ = m.View(unread, filter.ByTimestamp)
	if len(got) != 0 {
		t.Errorf("stale memo: %v", testutil.IDs(got))
	}
	if st := m.FilterStats(); st.Hits != 0 || st.Misses != 2 {
		t.Errorf("stats = %+v, want 0 hits 2 misses", st)
	}
}

func TestApply_Missing(t *testing.T) {
	m := newTestMirror(t, nil)
	if _, _, err := m.Apply("nope", true, markRead); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if m.Pending("nope") != 0 {
		t.Error("missing item must not be tracked")
	}
}

func TestView_RepeatedIsMemoHit(t *testing.T) {
	m := newTestMirror(t, testutil.GenerateItems(50))
	spec := filter.Spec{Search: "subject"}

	first, _ := m.View(spec, filter.ByPriority)
	second, _ := m.View(spec, filter.ByPriority)
	st := m.FilterStats()
	if st.Hits != 1 || st.Scans != 50 {
		t.Errorf("stats = %+v, want 1 hit and 50 scans", st)
	}
	testutil.AssertIDs(t, second, testutil.IDs(first)...)
}

func TestMergeIncoming_SkipsPendingAndBumpsVersion(t *testing.T) {
	items := []mail.Item{
		testutil.NewItem("a").MessageID("m-a").Labels("INBOX", "UNREAD").Unread().Version(3).Build(),
		testutil.NewItem("b").MessageID("m-b").Labels("INBOX").Version(7).Build(),
	}
	m := newTestMirror(t, items)

	_, local, err := m.Apply("a", true, markRead)
	testutil.MustNoErr(t, err, "Apply")

	incoming := []mail.Item{
		// Stale server copy of a: still unread.
		testutil.NewItem("a").MessageID("m-a").Labels("INBOX", "UNREAD").Unread().Build(),
		testutil.NewItem("b").MessageID("m-b").Labels("INBOX", "Work").Build(),
		testutil.NewItem("c").MessageID("m-c").Minutes(30).Labels("INBOX").Build(),
	}
	newIDs, err := m.MergeIncoming(incoming)
	testutil.MustNoErr(t, err, "MergeIncoming")
	testutil.AssertStrings(t, newIDs, "c")

	a, _ := m.Get("a")
	if !a.IsRead || a.Version != local.Version {
		t.Errorf("pending item overwritten: %+v", a)
	}
	b, _ := m.Get("b")
	if b.Version != 8 || !b.HasLabel("Work") {
		t.Errorf("b = version %d labels %v, want 8 with Work", b.Version, b.Labels)
	}
	c, _ := m.Get("c")
	if c.Version != 1 {
		t.Errorf("c.Version = %d, want 1", c.Version)
	}
	if cats, ok := categoriesOf(m, "c"); !ok || !cats.Has(category.Inbox) {
		t.Error("new item not categorized")
	}

	// Once resolved, fetched copies apply again.
	_, ok, err := m.Resolve("a", local.Version, func(it mail.Item) mail.Item {
		it.SyncStatus = mail.StatusSynced
		return it
	})
	testutil.MustNoErr(t, err, "Resolve")
	if !ok {
		t.Fatal("Resolve CAS failed")
	}
	if m.Pending("a") != 0 {
		t.Errorf("pending = %d after resolve", m.Pending("a"))
	}
	if _, err := m.MergeIncoming(incoming[:1]); err != nil {
		t.Fatal(err)
	}
	a, _ = m.Get("a")
	if a.IsRead {
		t.Error("fetched copy should apply after resolve")
	}
}

func TestResolve_VersionMismatch(t *testing.T) {
	m := newTestMirror(t, []mail.Item{testutil.NewItem("a").Version(1).Build()})
	_, first, _ := m.Apply("a", true, markRead)
	_, _, _ = m.Apply("a", true, markRead) // second local write bumps version again

	_, ok, err := m.Resolve("a", first.Version, func(it mail.Item) mail.Item {
		it.Subject = "should not apply"
		return it
	})
	testutil.MustNoErr(t, err, "Resolve")
	if ok {
		t.Error("Resolve should fail on stale version")
	}
	if m.Pending("a") != 1 {
		t.Errorf("pending = %d, want 1", m.Pending("a"))
	}
}

func TestReplace_KeepsPendingItems(t *testing.T) {
	items := []mail.Item{
		testutil.NewItem("a").MessageID("m-a").Labels("INBOX").Build(),
		testutil.NewItem("b").MessageID("m-b").Labels("INBOX").Build(),
	}
	m := newTestMirror(t, items)
	_, local, _ := m.Apply("a", true, func(it mail.Item) mail.Item {
		it.IsStarred = true
		it.Version++
		return it
	})

	// Full fetch no longer lists a at all and has an unstarred copy of b.
	testutil.MustNoErr(t, m.Replace([]mail.Item{
		testutil.NewItem("b").MessageID("m-b").Labels("INBOX").Build(),
		testutil.NewItem("d").MessageID("m-d").Labels("SENT").Build(),
	}), "Replace")

	if m.Len() != 3 {
		t.Fatalf("Len = %d, want 3", m.Len())
	}
	a, ok := m.Get("a")
	if !ok || !a.IsStarred || a.Version != local.Version {
		t.Errorf("pending item lost or changed: %+v", a)
	}
	if counts := m.Counts(); counts[category.Sent] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestObserversNotified(t *testing.T) {
	m := newTestMirror(t, testutil.GenerateItems(2))
	var mu sync.Mutex
	var got []Change
	m.Subscribe(func(c Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
		// Observers may read back without deadlocking.
		_ = m.Len()
	})

	_, _, _ = m.Apply("item-0", false, markRead)
	_, _ = m.MergeIncoming(nil)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].Kind != ChangeUpdated || got[1].Kind != ChangeMerged {
		t.Errorf("changes = %+v", got)
	}
	if got[0].Account != acct {
		t.Errorf("account = %q", got[0].Account)
	}
}

func TestClosed(t *testing.T) {
	m := New(acct, nil, nil)
	m.Close()
	m.Close()
	if err := m.Replace(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if _, ok := m.Get("x"); ok {
		t.Error("Get on closed mirror returned ok")
	}
}

func TestConcurrentWriters(t *testing.T) {
	m := newTestMirror(t, testutil.GenerateItems(20))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = m.Apply("item-0", false, func(it mail.Item) mail.Item {
				it.Version++
				return it
			})
			_, _ = m.View(filter.Spec{Search: "subject"}, filter.ByTimestamp)
		}()
	}
	wg.Wait()
	it, _ := m.Get("item-0")
	if it.Version != 21 {
		t.Errorf("Version = %d, want 21", it.Version)
	}
}

// categoriesOf reads the category index entry of one item.
func categoriesOf(m *Mirror, id string) (category.Set, bool) {
	var s category.Set
	var ok bool
	_ = m.do(func(st *state) { s, ok = st.cats[id] })
	return s, ok
}
