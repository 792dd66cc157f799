package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/wesm/mailmirror/internal/filter"
)

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		m.quit = true
		return m, tea.Quit
	}
	if m.modal != modalNone {
		return m.handleModalKeys(msg)
	}
	if m.searchActive {
		return m.handleSearchKeys(msg)
	}
	if handled, next, cmd := m.handleGlobalKeys(msg); handled {
		return next, cmd
	}
	if m.level == levelDetail {
		return m.handleDetailKeys(msg)
	}
	return m.handleListKeys(msg)
}

// handleGlobalKeys handles keys that act the same at every level.
func (m Model) handleGlobalKeys(msg tea.KeyMsg) (bool, Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		m.modal = modalQuitConfirm
		return true, m, nil
	case "?":
		m.modal = modalHelp
		return true, m, nil
	case "a":
		m.modal = modalAccounts
		m.modalCursor = 0
		for i, acct := range m.accounts {
			if acct.IsActive {
				m.modalCursor = i
			}
		}
		return true, m, nil
	case "R":
		cmd := m.refresh()
		return true, m, cmd
	case "r":
		if it, ok := m.selected(); ok {
			cmd := m.mutate(readToggle(it))
			return true, m, cmd
		}
		return true, m, nil
	case "*":
		if it, ok := m.selected(); ok {
			cmd := m.mutate(starToggle(it))
			return true, m, cmd
		}
		return true, m, nil
	case "d":
		if it, ok := m.selected(); ok {
			cmd := m.mutate(trashToggle(it))
			return true, m, cmd
		}
		return true, m, nil
	case "e":
		if it, ok := m.selected(); ok {
			cmd := m.mutate(archiveToggle(it))
			return true, m, cmd
		}
		return true, m, nil
	}
	return false, m, nil
}

func (m Model) handleListKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "j", "down":
		if m.cursor < len(m.items)-1 {
			m.cursor++
		}
	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
		}
	case "g", "home":
		m.cursor = 0
	case "G", "end":
		m.cursor = max(len(m.items)-1, 0)
	case "pgdown", "ctrl+d", " ":
		m.cursor = min(m.cursor+m.pageSize, max(len(m.items)-1, 0))
	case "pgup", "ctrl+u":
		m.cursor = max(m.cursor-m.pageSize, 0)
	case "enter":
		if m.cursor < len(m.items) {
			m.level = levelDetail
			m.detailID = m.items[m.cursor].ID
			m.detailScroll = 0
			// Opening an unread message reads it.
			if !m.items[m.cursor].IsRead {
				cmd := m.mutate(readToggle(m.items[m.cursor]))
				return m, cmd
			}
		}
	case "tab", "l", "right":
		return m.switchTab((m.tab + 1) % len(tabs))
	case "shift+tab", "h", "left":
		return m.switchTab((m.tab + len(tabs) - 1) % len(tabs))
	case "/":
		m.searchActive = true
		m.searchInput.SetValue(m.searchText)
		m.searchInput.CursorEnd()
		cmd := m.searchInput.Focus()
		return m, cmd
	case "s":
		if m.order == filter.ByTimestamp {
			m.order = filter.ByPriority
		} else {
			m.order = filter.ByTimestamp
		}
		m.cursor = 0
		cmd := m.loadView()
		return m, cmd
	case "esc":
		if m.searchText != "" {
			m.searchText = ""
			m.cursor = 0
			cmd := m.loadView()
			return m, cmd
		}
	}
	m.ensureCursorVisible()
	return m, nil
}

func (m Model) switchTab(tab int) (tea.Model, tea.Cmd) {
	m.tab = tab
	m.cursor, m.scrollOffset = 0, 0
	m.loading = true
	cmd := m.loadView()
	return m, cmd
}

func (m Model) handleDetailKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "backspace":
		m.level = levelList
	case "j", "down":
		m.detailScroll++
	case "k", "up":
		m.detailScroll = max(m.detailScroll-1, 0)
	case "pgdown", " ":
		m.detailScroll += m.pageSize
	case "pgup":
		m.detailScroll = max(m.detailScroll-m.pageSize, 0)
	case "g", "home":
		m.detailScroll = 0
	case "n", "right":
		return m.stepDetail(1), nil
	case "p", "left":
		return m.stepDetail(-1), nil
	}
	return m, nil
}

// stepDetail opens the next (or previous) message in the list.
func (m Model) stepDetail(delta int) Model {
	for i, it := range m.items {
		if it.ID != m.detailID {
			continue
		}
		j := i + delta
		if j >= 0 && j < len(m.items) {
			m.cursor = j
			m.detailID = m.items[j].ID
			m.detailScroll = 0
			m.ensureCursorVisible()
		}
		break
	}
	return m
}

func (m Model) handleSearchKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.searchActive = false
		m.searchInput.Blur()
		m.searchText = m.searchInput.Value()
		m.cursor, m.scrollOffset = 0, 0
		m.level = levelList
		m.loading = true
		cmd := m.loadView()
		return m, cmd
	case "esc":
		m.searchActive = false
		m.searchInput.Blur()
		return m, nil
	}
	var cmd tea.Cmd
	m.searchInput, cmd = m.searchInput.Update(msg)
	return m, cmd
}

func (m Model) handleModalKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.modal {
	case modalQuitConfirm:
		switch msg.String() {
		case "y", "Y", "q", "enter":
			m.quit = true
			return m, tea.Quit
		default:
			m.modal = modalNone
		}
	case modalHelp:
		m.modal = modalNone
	case modalAccounts:
		switch msg.String() {
		case "j", "down":
			if m.modalCursor < len(m.accounts)-1 {
				m.modalCursor++
			}
		case "k", "up":
			if m.modalCursor > 0 {
				m.modalCursor--
			}
		case "enter":
			m.modal = modalNone
			if m.modalCursor < len(m.accounts) && !m.accounts[m.modalCursor].IsActive {
				return m, m.switchAccount(m.accounts[m.modalCursor].Email)
			}
		case "esc", "q", "a":
			m.modal = modalNone
		}
	}
	return m, nil
}
