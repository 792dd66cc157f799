// Package tui is an interactive terminal browser over the mirrored mail of
// the active account.
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/wesm/mailmirror/internal/app"
	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/filter"
	"github.com/wesm/mailmirror/internal/lifecycle"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/mirror"
	"github.com/wesm/mailmirror/internal/mutation"
	"github.com/wesm/mailmirror/internal/remote"
	"github.com/wesm/mailmirror/internal/search"
)

// Backend is the slice of the application the browser drives.
type Backend interface {
	Accounts() []mail.Account
	Status() app.Status
	View(ctx context.Context, account string, spec filter.Spec, order filter.Order) ([]mail.Item, error)
	Mutate(ctx context.Context, account, id string, op remote.Operation) (*mutation.Pending, error)
	Refresh(ctx context.Context) error
	SwitchAccount(ctx context.Context, email string) error
	HandleEvent(ctx context.Context, e lifecycle.Event) error
}

// Options configures the browser.
type Options struct {
	Version string
	// Poll is how often status is re-read. Zero uses the default.
	Poll time.Duration
	// Changes delivers committed mirror changes; the view is re-read when
	// the active account changes. Without it the view is re-read on every
	// poll.
	Changes <-chan mirror.Change
	// Logger receives failures with no place on screen. Nil uses
	// slog.Default().
	Logger *slog.Logger
}

type viewLevel int

const (
	levelList viewLevel = iota
	levelDetail
)

type modalType int

const (
	modalNone modalType = iota
	modalHelp
	modalQuitConfirm
	modalAccounts
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

const (
	spinnerInterval = 80 * time.Millisecond
	flashDuration   = 4 * time.Second
	defaultPoll     = time.Second
)

// tabs are the category tabs across the top; index 0 shows everything.
var tabs = append([]category.Category{""}, category.All...)

func tabLabel(c category.Category) string {
	if c == "" {
		return "All"
	}
	s := string(c)
	return strings.ToUpper(s[:1]) + s[1:]
}

// Model is the bubbletea model of the browser.
type Model struct {
	backend Backend
	version string
	poll    time.Duration
	changes <-chan mirror.Change
	logger  *slog.Logger
	now     func() time.Time

	width    int
	height   int
	pageSize int

	level viewLevel
	modal modalType
	tab   int
	order filter.Order

	searchInput  textinput.Model
	searchActive bool
	searchText   string

	items        []mail.Item
	cursor       int
	scrollOffset int
	requestID    uint64
	loading      bool
	err          error

	detailID     string
	detailScroll int

	accounts    []mail.Account
	status      app.Status
	modalCursor int

	spinnerFrame  int
	spinnerActive bool

	flashMessage   string
	flashExpiresAt time.Time

	pending int
	quit    bool
}

// New creates a browser over backend.
func New(backend Backend, opts Options) Model {
	ti := textinput.New()
	ti.Placeholder = "search (from:, subject:, is:unread, label:...)"
	ti.CharLimit = 200
	ti.Width = 50

	poll := opts.Poll
	if poll <= 0 {
		poll = defaultPoll
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return Model{
		backend:     backend,
		version:     opts.Version,
		poll:        poll,
		changes:     opts.Changes,
		logger:      logger,
		now:         time.Now,
		order:       filter.ByTimestamp,
		searchInput: ti,
		pageSize:    20,
		loading:     true,
		requestID:   1,
		// Init starts the first spinner tick.
		spinnerActive: true,
	}
}

// Messages.
type (
	viewLoadedMsg struct {
		items     []mail.Item
		err       error
		requestID uint64
	}
	statusMsg struct {
		status   app.Status
		accounts []mail.Account
	}
	pollTickMsg        struct{}
	changeMsg          struct{ change mirror.Change }
	spinnerTickMsg     struct{}
	flashClearMsg      struct{}
	mutationAppliedMsg struct {
		op      remote.Operation
		id      string
		pending *mutation.Pending
		err     error
	}
	mutationDoneMsg struct {
		res mutation.Result
		err error
	}
	refreshDoneMsg   struct{ err error }
	accountSwitchMsg struct {
		email string
		err   error
	}
)

// Init loads the first view and starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.viewCmd(m.requestID), m.loadStatus(), m.pollTick(), m.waitChange(), spinnerTick(), textinput.Blink)
}

// spec is the filter for the current tab and search text. Input using
// query operators becomes a custom query and replaces the tab; plain words
// narrow the tab.
func (m Model) spec() filter.Spec {
	var spec filter.Spec
	if c := tabs[m.tab]; c != "" {
		spec.Tags = []category.Category{c}
	}
	if m.searchText == "" {
		return spec
	}
	q := search.Parse(m.searchText)
	if len(q.SubjectTerms)+len(q.FromTerms)+len(q.ToTerms)+len(q.Labels)+len(q.Predicates) > 0 {
		spec.Query = m.searchText
		return spec
	}
	spec.Search = m.searchText
	return spec
}

// loadView starts a view load; results of earlier loads are dropped.
func (m *Model) loadView() tea.Cmd {
	m.requestID++
	return m.viewCmd(m.requestID)
}

func (m Model) viewCmd(id uint64) tea.Cmd {
	spec, order := m.spec(), m.order
	backend := m.backend
	return func() (msg tea.Msg) {
		defer func() {
			if r := recover(); r != nil {
				msg = viewLoadedMsg{err: fmt.Errorf("view panic: %v", r), requestID: id}
			}
		}()
		items, err := backend.View(context.Background(), "", spec, order)
		return viewLoadedMsg{items: items, err: err, requestID: id}
	}
}

func (m Model) loadStatus() tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		return statusMsg{status: backend.Status(), accounts: backend.Accounts()}
	}
}

func (m Model) pollTick() tea.Cmd {
	return tea.Tick(m.poll, func(time.Time) tea.Msg { return pollTickMsg{} })
}

// waitChange blocks for the next mirror change. A closed channel ends the
// wait for good.
func (m Model) waitChange() tea.Cmd {
	ch := m.changes
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		c, ok := <-ch
		if !ok {
			return nil
		}
		return changeMsg{change: c}
	}
}

func spinnerTick() tea.Cmd {
	return tea.Tick(spinnerInterval, func(time.Time) tea.Msg { return spinnerTickMsg{} })
}

func (m *Model) startSpinner() tea.Cmd {
	if m.spinnerActive {
		return nil
	}
	m.spinnerActive = true
	return spinnerTick()
}

func (m Model) busy() bool {
	return m.loading || m.pending > 0 || m.status.Loading || m.status.Refreshing
}

func (m *Model) flash(msg string) tea.Cmd {
	m.flashMessage = msg
	m.flashExpiresAt = m.now().Add(flashDuration)
	return tea.Tick(flashDuration, func(time.Time) tea.Msg { return flashClearMsg{} })
}

// Update handles a message.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.pageSize = max(m.height-7, 1)
		m.searchInput.Width = max(m.width-12, 10)
		m.ensureCursorVisible()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.FocusMsg:
		return m, m.lifecycle(lifecycle.Foreground)

	case tea.BlurMsg:
		return m, m.lifecycle(lifecycle.Background)

	case viewLoadedMsg:
		if msg.requestID != m.requestID {
			return m, nil
		}
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.setItems(msg.items)
		}
		return m, nil

	case statusMsg:
		m.status = msg.status
		m.accounts = msg.accounts
		var cmd tea.Cmd
		if m.busy() {
			cmd = m.startSpinner()
		}
		return m, cmd

	case pollTickMsg:
		if m.changes != nil {
			return m, tea.Batch(m.loadStatus(), m.pollTick())
		}
		load := m.loadView()
		return m, tea.Batch(load, m.loadStatus(), m.pollTick())

	case changeMsg:
		next := m.waitChange()
		if msg.change.Account != m.status.Account && m.status.Account != "" {
			return m, next
		}
		load := m.loadView()
		return m, tea.Batch(load, m.loadStatus(), next)

	case spinnerTickMsg:
		if m.busy() {
			m.spinnerFrame = (m.spinnerFrame + 1) % len(spinnerFrames)
			return m, spinnerTick()
		}
		m.spinnerActive = false
		return m, nil

	case flashClearMsg:
		if !m.now().Before(m.flashExpiresAt) {
			m.flashMessage = ""
		}
		return m, nil

	case mutationAppliedMsg:
		if msg.err != nil {
			m.pending--
			flash := m.flash(fmt.Sprintf("%s failed: %v", msg.op, msg.err))
			return m, flash
		}
		load := m.loadView()
		return m, tea.Batch(load, waitMutation(msg.pending))

	case mutationDoneMsg:
		m.pending--
		cmds := []tea.Cmd{m.loadView()}
		switch {
		case msg.err != nil:
			cmds = append(cmds, m.flash(msg.err.Error()))
		case msg.res.State == mutation.StateRolledBack:
			cmds = append(cmds, m.flash(fmt.Sprintf("%s rejected, message restored", msg.res.Op)))
		case msg.res.State == mutation.StateLocalOnly:
			cmds = append(cmds, m.flash(fmt.Sprintf("%s saved locally", msg.res.Op)))
		}
		return m, tea.Batch(cmds...)

	case refreshDoneMsg:
		cmds := []tea.Cmd{m.loadView(), m.loadStatus()}
		if msg.err != nil {
			cmds = append(cmds, m.flash("Refresh: "+msg.err.Error()))
		}
		return m, tea.Batch(cmds...)

	case accountSwitchMsg:
		if msg.err != nil {
			flash := m.flash(msg.err.Error())
			return m, flash
		}
		m.level = levelList
		m.cursor, m.scrollOffset = 0, 0
		m.loading = true
		cmds := []tea.Cmd{m.flash("Switched to " + msg.email), m.loadView(), m.loadStatus(), m.startSpinner()}
		return m, tea.Batch(cmds...)
	}
	return m, nil
}

// setItems replaces the list, keeping the cursor on the same message when
// it is still present.
func (m *Model) setItems(items []mail.Item) {
	var keep string
	if m.cursor < len(m.items) {
		keep = m.items[m.cursor].ID
	}
	m.items = items
	m.cursor = min(m.cursor, max(len(items)-1, 0))
	for i, it := range items {
		if it.ID == keep {
			m.cursor = i
			break
		}
	}
	if m.level == levelDetail {
		if _, ok := m.detailItem(); !ok {
			m.level = levelList
		}
	}
	m.ensureCursorVisible()
}

func (m *Model) ensureCursorVisible() {
	if m.cursor < m.scrollOffset {
		m.scrollOffset = m.cursor
	}
	if m.cursor >= m.scrollOffset+m.pageSize {
		m.scrollOffset = m.cursor - m.pageSize + 1
	}
	m.scrollOffset = max(m.scrollOffset, 0)
}

// detailItem is the message open in the detail view.
func (m Model) detailItem() (mail.Item, bool) {
	for _, it := range m.items {
		if it.ID == m.detailID {
			return it, true
		}
	}
	return mail.Item{}, false
}

func (m Model) selected() (mail.Item, bool) {
	if m.level == levelDetail {
		return m.detailItem()
	}
	if m.cursor < len(m.items) {
		return m.items[m.cursor], true
	}
	return mail.Item{}, false
}

func (m *Model) mutate(op remote.Operation) tea.Cmd {
	it, ok := m.selected()
	if !ok {
		return nil
	}
	m.pending++
	return tea.Batch(m.startSpinner(), m.mutateCmd(it.ID, op))
}

func (m Model) mutateCmd(id string, op remote.Operation) tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		p, err := backend.Mutate(context.Background(), "", id, op)
		return mutationAppliedMsg{op: op, id: id, pending: p, err: err}
	}
}

func waitMutation(p *mutation.Pending) tea.Cmd {
	return func() tea.Msg {
		res, err := p.Wait(context.Background())
		return mutationDoneMsg{res: res, err: err}
	}
}

func (m *Model) refresh() tea.Cmd {
	return tea.Batch(m.startSpinner(), m.refreshCmd())
}

func (m Model) refreshCmd() tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		return refreshDoneMsg{err: backend.Refresh(context.Background())}
	}
}

func (m Model) switchAccount(email string) tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		return accountSwitchMsg{email: email, err: backend.SwitchAccount(context.Background(), email)}
	}
}

func (m Model) lifecycle(kind lifecycle.Kind) tea.Cmd {
	backend := m.backend
	logger := m.logger
	now := m.now()
	return func() tea.Msg {
		if err := backend.HandleEvent(context.Background(), lifecycle.Event{Kind: kind, At: now}); err != nil {
			logger.Warn("lifecycle event failed", "kind", kind, "error", err)
		}
		return nil
	}
}

// Toggle operations for the selected message.
func readToggle(it mail.Item) remote.Operation {
	if it.IsRead {
		return remote.MarkUnread
	}
	return remote.MarkRead
}

func starToggle(it mail.Item) remote.Operation {
	if it.IsStarred {
		return remote.Unstar
	}
	return remote.Star
}

func trashToggle(it mail.Item) remote.Operation {
	if it.IsTrash {
		return remote.Untrash
	}
	return remote.Trash
}

func archiveToggle(it mail.Item) remote.Operation {
	if it.IsArchived {
		return remote.Unarchive
	}
	return remote.Archive
}
