package tui

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/go-cmp/cmp"
	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/filter"
	"github.com/wesm/mailmirror/internal/lifecycle"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/mirror"
	"github.com/wesm/mailmirror/internal/mutation"
	"github.com/wesm/mailmirror/internal/remote"
	"github.com/wesm/mailmirror/internal/testutil"
)

func inboxItems() []mail.Item {
	return []mail.Item{
		testutil.NewItem("a").MessageID("ma").Minutes(30).Labels(mail.LabelInbox).
			Subject("Lunch plans").From("Alice", "alice@example.com").Unread().Build(),
		testutil.NewItem("b").MessageID("mb").Minutes(20).Labels(mail.LabelInbox).
			Subject("Quarterly invoice").From("Billing", "billing@example.com").Priority(mail.PriorityHigh).Build(),
		testutil.NewItem("c").MessageID("mc").Minutes(10).Labels(mail.LabelSent).
			Subject("Re: invoice").From("Me", "me@example.com").Build(),
	}
}

func TestInitialLoad(t *testing.T) {
	m := newTestModel(t, newFakeBackend(t, inboxItems()))

	if m.loading {
		t.Error("still loading after the first view arrived")
	}
	testutil.AssertIDs(t, m.items, "a", "b", "c")
	if len(m.accounts) != 2 || m.status.Account != "me@example.com" {
		t.Errorf("status = %+v, accounts = %v", m.status, m.accounts)
	}
}

func TestStaleViewIgnored(t *testing.T) {
	m := newTestModel(t, newFakeBackend(t, inboxItems()))
	m = update(t, m, viewLoadedMsg{items: nil, requestID: m.requestID - 1})
	if len(m.items) != 3 {
		t.Errorf("stale result replaced the list: %d items", len(m.items))
	}
}

func TestNavigation(t *testing.T) {
	m := newTestModel(t, newFakeBackend(t, inboxItems()))

	tests := []struct {
		key  string
		want int
	}{
		{"j", 1},
		{"j", 2},
		{"j", 2},
		{"k", 1},
		{"g", 0},
		{"G", 2},
	}
	for _, tt := range tests {
		m = update(t, m, key(tt.key))
		if m.cursor != tt.want {
			t.Fatalf("after %q cursor = %d, want %d", tt.key, m.cursor, tt.want)
		}
	}
}

func TestTabsFilterByCategory(t *testing.T) {
	m := newTestModel(t, newFakeBackend(t, inboxItems()))

	m = reload(t, update(t, m, key("tab")))
	if tabs[m.tab] != category.Inbox {
		t.Fatalf("tab = %q, want inbox", tabs[m.tab])
	}
	testutil.AssertIDs(t, m.items, "a", "b")

	m = reload(t, update(t, m, key("tab")))
	testutil.AssertIDs(t, m.items, "c")

	m = reload(t, update(t, update(t, m, key("shift+tab")), key("shift+tab")))
	if m.tab != 0 {
		t.Errorf("tab = %d, want All", m.tab)
	}
	testutil.AssertIDs(t, m.items, "a", "b", "c")
}

func TestSearchSpec(t *testing.T) {
	tests := []struct {
		name   string
		tab    int
		search string
		want   filter.Spec
	}{
		{"all", 0, "", filter.Spec{}},
		{"tab only", 1, "", filter.Spec{Tags: []category.Category{category.Inbox}}},
		{"free text narrows the tab", 1, "invoice", filter.Spec{Tags: []category.Category{category.Inbox}, Search: "invoice"}},
		{"operators become a query", 1, "from:alice", filter.Spec{Tags: []category.Category{category.Inbox}, Query: "from:alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Model{tab: tt.tab, searchText: tt.search}
			if diff := cmp.Diff(tt.want, m.spec()); diff != "" {
				t.Errorf("spec mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSearchInput(t *testing.T) {
	m := newTestModel(t, newFakeBackend(t, inboxItems()))

	m = update(t, m, key("/"))
	if !m.searchActive {
		t.Fatal("search not active after /")
	}
	for _, r := range "invoice" {
		m = update(t, m, key(string(r)))
	}
	m = reload(t, update(t, m, key("enter")))
	if m.searchActive || m.searchText != "invoice" {
		t.Fatalf("searchActive = %v, searchText = %q", m.searchActive, m.searchText)
	}
	testutil.AssertIDs(t, m.items, "b", "c")

	// Keys typed into the search box are not commands.
	m = update(t, m, key("/"))
	m = update(t, m, key("q"))
	if m.modal != modalNone {
		t.Error("q opened a modal while typing a search")
	}
	m = update(t, m, key("esc"))
	if m.searchText != "invoice" {
		t.Errorf("esc in the box changed the search to %q", m.searchText)
	}

	m = reload(t, update(t, m, key("esc")))
	if m.searchText != "" {
		t.Errorf("esc did not clear the search: %q", m.searchText)
	}
	testutil.AssertIDs(t, m.items, "a", "b", "c")
}

func TestSortToggle(t *testing.T) {
	m := newTestModel(t, newFakeBackend(t, inboxItems()))
	m = reload(t, update(t, m, key("s")))
	if m.order != filter.ByPriority {
		t.Fatalf("order = %q", m.order)
	}
	testutil.AssertIDs(t, m.items, "b", "a", "c")
}

func TestMutationRoundTrip(t *testing.T) {
	b := newFakeBackend(t, inboxItems())
	m := newTestModel(t, b)

	m = update(t, m, key("j"))
	m.pending++
	applied := m.mutateCmd("b", remote.Star)().(mutationAppliedMsg)
	if applied.err != nil {
		t.Fatalf("mutate: %v", applied.err)
	}
	m = reload(t, update(t, m, applied))
	if !m.items[1].IsStarred {
		t.Error("star not visible before the provider answered")
	}

	m = update(t, m, waitMutation(applied.pending)())
	if m.pending != 0 {
		t.Errorf("pending = %d after settling", m.pending)
	}
	if m.flashMessage != "" {
		t.Errorf("unexpected flash %q", m.flashMessage)
	}
}

func TestMutationRollbackFlashes(t *testing.T) {
	b := newFakeBackend(t, inboxItems())
	b.provider.decline = true
	m := newTestModel(t, b)

	m.pending++
	applied := m.mutateCmd("a", remote.MarkRead)().(mutationAppliedMsg)
	m = update(t, m, applied)
	done := waitMutation(applied.pending)().(mutationDoneMsg)
	if done.res.State != mutation.StateRolledBack {
		t.Fatalf("state = %s, want rolled back", done.res.State)
	}
	m = reload(t, update(t, m, done))
	if m.flashMessage == "" {
		t.Error("rollback did not flash")
	}
	if m.items[0].IsRead {
		t.Error("item not restored after rollback")
	}
}

func TestToggleOperations(t *testing.T) {
	unread := testutil.NewItem("x").Unread().Build()
	starred := testutil.NewItem("x").Starred().Trashed().Build()
	archived := testutil.NewItem("x").Build()
	archived.IsArchived = true

	tests := []struct {
		name string
		got  remote.Operation
		want remote.Operation
	}{
		{"read unread", readToggle(unread), remote.MarkRead},
		{"read read", readToggle(starred), remote.MarkUnread},
		{"star", starToggle(unread), remote.Star},
		{"unstar", starToggle(starred), remote.Unstar},
		{"trash", trashToggle(unread), remote.Trash},
		{"untrash", trashToggle(starred), remote.Untrash},
		{"archive", archiveToggle(unread), remote.Archive},
		{"unarchive", archiveToggle(archived), remote.Unarchive},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, tt.got, tt.want)
		}
	}
}

func TestDetailNavigation(t *testing.T) {
	m := newTestModel(t, newFakeBackend(t, inboxItems()))

	m = update(t, m, key("j"))
	m = update(t, m, key("enter"))
	if m.level != levelDetail || m.detailID != "b" {
		t.Fatalf("level = %v, detailID = %q", m.level, m.detailID)
	}
	m = update(t, m, key("n"))
	if m.detailID != "c" || m.cursor != 2 {
		t.Errorf("next: detailID = %q, cursor = %d", m.detailID, m.cursor)
	}
	m = update(t, m, key("n"))
	if m.detailID != "c" {
		t.Errorf("stepped past the end to %q", m.detailID)
	}
	m = update(t, m, key("esc"))
	if m.level != levelList {
		t.Error("esc did not return to the list")
	}
}

func TestOpeningUnreadMarksRead(t *testing.T) {
	m := newTestModel(t, newFakeBackend(t, inboxItems()))
	_, cmd := m.Update(key("enter"))
	if cmd == nil {
		t.Fatal("opening an unread message issued no command")
	}
	next, _ := m.Update(key("enter"))
	if next.(Model).pending != 1 {
		t.Errorf("pending = %d, want 1", next.(Model).pending)
	}
}

func TestDetailClosesWhenItemLeavesView(t *testing.T) {
	m := newTestModel(t, newFakeBackend(t, inboxItems()))
	m.level = levelDetail
	m.detailID = "c"
	m = update(t, m, viewLoadedMsg{items: inboxItems()[:2], requestID: m.requestID})
	if m.level != levelList {
		t.Error("detail stayed open for a message that left the view")
	}
}

func TestCursorFollowsItemAcrossReload(t *testing.T) {
	m := newTestModel(t, newFakeBackend(t, inboxItems()))
	m = update(t, m, key("j"))
	reordered := []mail.Item{inboxItems()[2], inboxItems()[0], inboxItems()[1]}
	m = update(t, m, viewLoadedMsg{items: reordered, requestID: m.requestID})
	if m.items[m.cursor].ID != "b" {
		t.Errorf("cursor on %q, want b", m.items[m.cursor].ID)
	}
}

func TestRefreshError(t *testing.T) {
	b := newFakeBackend(t, inboxItems())
	b.refreshErr = errors.New("offline")
	m := newTestModel(t, b)

	m = update(t, m, m.refreshCmd()())
	if b.refreshes != 1 {
		t.Errorf("refreshes = %d", b.refreshes)
	}
	if m.flashMessage != "Refresh: offline" {
		t.Errorf("flash = %q", m.flashMessage)
	}
}

func TestAccountSelector(t *testing.T) {
	b := newFakeBackend(t, inboxItems())
	m := newTestModel(t, b)

	m = update(t, m, key("a"))
	if m.modal != modalAccounts || m.modalCursor != 0 {
		t.Fatalf("modal = %v, cursor = %d", m.modal, m.modalCursor)
	}
	m = update(t, m, key("j"))
	next, cmd := m.Update(key("enter"))
	m = next.(Model)
	if m.modal != modalNone || cmd == nil {
		t.Fatalf("enter: modal = %v, cmd = %v", m.modal, cmd)
	}
	m = update(t, m, cmd())
	if diff := cmp.Diff([]string{"work@example.com"}, b.switched); diff != "" {
		t.Errorf("switched (-want +got):\n%s", diff)
	}
	if m.flashMessage != "Switched to work@example.com" {
		t.Errorf("flash = %q", m.flashMessage)
	}
}

func TestQuitConfirm(t *testing.T) {
	m := newTestModel(t, newFakeBackend(t, inboxItems()))

	m = update(t, m, key("q"))
	if m.modal != modalQuitConfirm {
		t.Fatal("q did not ask to confirm")
	}
	m = update(t, m, key("n"))
	if m.modal != modalNone || m.quit {
		t.Fatal("declining did not dismiss the dialog")
	}
	m = update(t, update(t, m, key("q")), key("y"))
	if !m.quit {
		t.Error("confirming did not quit")
	}
}

func TestFocusForwardsLifecycle(t *testing.T) {
	b := newFakeBackend(t, inboxItems())
	m := newTestModel(t, b)

	for _, msg := range []tea.Msg{tea.BlurMsg{}, tea.FocusMsg{}} {
		_, cmd := m.Update(msg)
		cmd()
	}
	want := []lifecycle.Kind{lifecycle.Background, lifecycle.Foreground}
	if diff := cmp.Diff(want, b.events); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestLifecycleFailureLogged(t *testing.T) {
	b := newFakeBackend(t, inboxItems())
	b.eventErr = errors.New("bus closed")
	var buf bytes.Buffer
	m := newTestModelWith(t, b, Options{Logger: slog.New(slog.NewTextHandler(&buf, nil))})

	_, cmd := m.Update(tea.FocusMsg{})
	if msg := cmd(); msg != nil {
		t.Errorf("lifecycle cmd returned %T, want nil", msg)
	}
	out := buf.String()
	if !strings.Contains(out, "lifecycle event failed") || !strings.Contains(out, "bus closed") {
		t.Errorf("log = %q, want lifecycle failure with cause", out)
	}
}

func TestViewErrorShown(t *testing.T) {
	m := newTestModel(t, newFakeBackend(t, inboxItems()))
	m = update(t, m, viewLoadedMsg{err: context.Canceled, requestID: m.requestID})
	if m.err == nil {
		t.Fatal("error dropped")
	}
	if len(m.items) != 3 {
		t.Error("failed load cleared the list")
	}
}

func TestMirrorChangeReloadsView(t *testing.T) {
	b := newFakeBackend(t, inboxItems())
	changes := make(chan mirror.Change, 8)
	b.mirror.Subscribe(func(c mirror.Change) { changes <- c })
	m := newTestModelWith(t, b, Options{Version: "test", Changes: changes})

	before := m.requestID
	m = update(t, m, pollTickMsg{})
	if m.requestID != before {
		t.Error("poll re-read the view although changes are delivered")
	}

	_, err := b.mirror.MergeIncoming([]mail.Item{
		testutil.NewItem("z").MessageID("mz").Minutes(40).Labels(mail.LabelInbox).Subject("Fresh").Build(),
	})
	testutil.MustNoErr(t, err, "MergeIncoming")
	m = update(t, m, m.waitChange()())
	if m.requestID == before {
		t.Fatal("change did not trigger a view load")
	}
	m = reload(t, m)
	testutil.AssertIDs(t, m.items, "z", "a", "b", "c")

	before = m.requestID
	m = update(t, m, changeMsg{change: mirror.Change{Account: "work@example.com", Kind: mirror.ChangeMerged}})
	if m.requestID != before {
		t.Error("change of another account reloaded the view")
	}
}

func TestPollReloadsViewWithoutChanges(t *testing.T) {
	m := newTestModel(t, newFakeBackend(t, inboxItems()))
	before := m.requestID
	m = update(t, m, pollTickMsg{})
	if m.requestID == before {
		t.Error("poll did not re-read the view")
	}
}
