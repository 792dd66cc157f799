package tui

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/wesm/mailmirror/internal/app"
	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/filter"
	"github.com/wesm/mailmirror/internal/lifecycle"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/mirror"
	"github.com/wesm/mailmirror/internal/mutation"
	"github.com/wesm/mailmirror/internal/remote"
)

// colorProfileMu serializes tests that change the global lipgloss profile.
var colorProfileMu sync.Mutex

// forceColorProfile makes lipgloss emit ANSI styling for the test.
func forceColorProfile(t *testing.T) {
	t.Helper()
	colorProfileMu.Lock()
	orig := lipgloss.ColorProfile()
	lipgloss.SetColorProfile(termenv.ANSI)
	t.Cleanup(func() {
		lipgloss.SetColorProfile(orig)
		colorProfileMu.Unlock()
	})
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// fakeProvider accepts every mutation unless decline is set.
type fakeProvider struct {
	decline bool
}

func (p *fakeProvider) FetchByCategory(context.Context, category.Category, int) ([]mail.Item, error) {
	return nil, nil
}

func (p *fakeProvider) FetchRecent(context.Context, time.Time) ([]mail.Item, error) {
	return nil, nil
}

func (p *fakeProvider) Mutate(context.Context, string, remote.Operation) (bool, error) {
	return !p.decline, nil
}

// fakeBackend serves a real mirror and mutation controller for one account.
type fakeBackend struct {
	mu         sync.Mutex
	mirror     *mirror.Mirror
	provider   *fakeProvider
	controller *mutation.Controller
	accounts   []mail.Account
	status     app.Status
	refreshes  int
	refreshErr error
	switched   []string
	events     []lifecycle.Kind
	eventErr   error
}

func newFakeBackend(t *testing.T, items []mail.Item) *fakeBackend {
	t.Helper()
	p := &fakeProvider{}
	b := &fakeBackend{
		mirror:     mirror.New("me@example.com", items, nil),
		provider:   p,
		controller: mutation.NewController(p),
		accounts: []mail.Account{
			{Email: "me@example.com", Provider: mail.ProviderGmail, IsActive: true},
			{Email: "work@example.com", Provider: mail.ProviderIMAP},
		},
		status: app.Status{Account: "me@example.com"},
	}
	t.Cleanup(func() {
		b.controller.Wait()
		b.mirror.Close()
	})
	return b
}

func (b *fakeBackend) Accounts() []mail.Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accounts
}

func (b *fakeBackend) Status() app.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *fakeBackend) View(_ context.Context, _ string, spec filter.Spec, order filter.Order) ([]mail.Item, error) {
	return b.mirror.View(spec, order)
}

func (b *fakeBackend) Mutate(ctx context.Context, _ string, id string, op remote.Operation) (*mutation.Pending, error) {
	return b.controller.Apply(ctx, b.mirror, id, op)
}

func (b *fakeBackend) Refresh(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshes++
	return b.refreshErr
}

func (b *fakeBackend) SwitchAccount(_ context.Context, email string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.switched = append(b.switched, email)
	b.status.Account = email
	return nil
}

func (b *fakeBackend) HandleEvent(_ context.Context, e lifecycle.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e.Kind)
	return b.eventErr
}

// newTestModel builds a sized model with its first view and status loaded.
func newTestModel(t *testing.T, b *fakeBackend) Model {
	t.Helper()
	return newTestModelWith(t, b, Options{Version: "test"})
}

func newTestModelWith(t *testing.T, b *fakeBackend, opts Options) Model {
	t.Helper()
	m := New(b, opts)
	m.now = func() time.Time { return time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC) }
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	m = update(t, m, m.viewCmd(m.requestID)())
	m = update(t, m, m.loadStatus()())
	return m
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

// reload runs the view load the model would issue next.
func reload(t *testing.T, m Model) Model {
	t.Helper()
	return update(t, m, m.viewCmd(m.requestID)())
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "shift+tab":
		return tea.KeyMsg{Type: tea.KeyShiftTab}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}
