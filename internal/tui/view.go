package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/filter"
	"github.com/wesm/mailmirror/internal/mail"
)

// Monochrome theme, adaptive for light and dark terminals.
var (
	bgBase   = lipgloss.AdaptiveColor{Light: "#ffffff", Dark: "#000000"}
	bgAlt    = lipgloss.AdaptiveColor{Light: "#f0f0f0", Dark: "#181818"}
	bgCursor = lipgloss.AdaptiveColor{Light: "#e0e0e0", Dark: "#282828"}
	fgMuted  = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#999999"}

	titleBarStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.AdaptiveColor{Light: "#e0e0e0", Dark: "#333333"}).
			Foreground(lipgloss.AdaptiveColor{Light: "#000000", Dark: "#ffffff"}).
			Padding(0, 1)

	statsStyle = lipgloss.NewStyle().
			Foreground(fgMuted).
			Background(bgBase).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Underline(true).
			Padding(0, 1)

	tabStyle = lipgloss.NewStyle().
			Foreground(fgMuted).
			Padding(0, 1)

	tableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Background(bgBase)

	separatorStyle = lipgloss.NewStyle().
			Faint(true).
			Background(bgBase)

	cursorRowStyle = lipgloss.NewStyle().
			Background(bgCursor)

	unreadRowStyle = lipgloss.NewStyle().
			Bold(true).
			Background(bgBase)

	normalRowStyle = lipgloss.NewStyle().
			Background(bgBase)

	altRowStyle = lipgloss.NewStyle().
			Background(bgAlt)

	footerStyle = lipgloss.NewStyle().
			Foreground(fgMuted).
			Background(bgBase).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Background(bgBase)

	modalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(1, 2).
			Background(bgBase)

	modalTitleStyle = lipgloss.NewStyle().
			Bold(true)

	flashStyle = lipgloss.NewStyle().
			Italic(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#996600", Dark: "#ffcc00"}).
			Background(bgBase)

	highlightStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#000000", Dark: "#000000"}).
			Background(lipgloss.AdaptiveColor{Light: "#e8d44d", Dark: "#e8d44d"}).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Width(10)
)

// View renders the screen.
func (m Model) View() string {
	if m.quit {
		return ""
	}
	if m.width == 0 {
		return "Loading..."
	}

	body := m.listView()
	if m.level == levelDetail {
		body = m.detailView()
	}
	if m.modal != modalNone {
		return m.overlayModal()
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.headerView(),
		m.tabsView(),
		body,
		m.footerView(),
	)
}

func (m Model) headerView() string {
	title := "mailmirror"
	if m.version != "" && m.version != "dev" {
		title += " " + m.version
	}
	account := m.status.Account
	if account == "" {
		account = "no account"
	}
	left := titleBarStyle.Render(fmt.Sprintf("%s - %s", title, account))

	var right string
	switch {
	case m.status.Loading:
		right = spinnerFrames[m.spinnerFrame] + " syncing"
	case m.status.Refreshing, m.pending > 0:
		right = spinnerFrames[m.spinnerFrame] + " updating"
	case !m.status.Refresh.LastTick.IsZero():
		right = "updated " + formatWhen(m.status.Refresh.LastTick, m.now())
	}
	right = statsStyle.Render(right)

	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right), 0)
	return left + strings.Repeat(" ", gap) + right
}

func (m Model) tabsView() string {
	parts := make([]string, len(tabs))
	for i, c := range tabs {
		style := tabStyle
		if i == m.tab {
			style = activeTabStyle
		}
		label := tabLabel(c)
		if n := m.status.Counts[c]; c != "" && n > 0 {
			label = fmt.Sprintf("%s %d", label, n)
		}
		parts[i] = style.Render(label)
	}
	line := strings.Join(parts, " ")

	var info []string
	if m.order == filter.ByPriority {
		info = append(info, "by priority")
	}
	if m.searchText != "" {
		info = append(info, "search: "+m.searchText)
	}
	if len(info) > 0 {
		line += statsStyle.Render(strings.Join(info, "  "))
	}
	return truncateToWidth(line, m.width)
}

// Column widths of the message table.
const (
	flagsWidth = 3
	whenWidth  = 10
	fromWidth  = 22
)

func (m Model) listView() string {
	var b strings.Builder
	if m.searchActive {
		b.WriteString("Search: " + m.searchInput.View() + "\n")
	}

	subjectWidth := max(m.width-flagsWidth-whenWidth-fromWidth-6, 10)
	header := fmt.Sprintf(" %s %s %s %s",
		padRight("", flagsWidth), padRight("Date", whenWidth), padRight("From", fromWidth), "Subject")
	b.WriteString(tableHeaderStyle.Render(padRight(header, m.width)) + "\n")
	b.WriteString(separatorStyle.Render(strings.Repeat("─", m.width)) + "\n")

	rows := m.pageSize
	if m.searchActive {
		rows--
	}
	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render("Error: "+m.err.Error()) + "\n")
		rows--
	case m.loading && len(m.items) == 0:
		b.WriteString(normalRowStyle.Render(spinnerFrames[m.spinnerFrame]+" Loading...") + "\n")
		rows--
	case len(m.items) == 0:
		b.WriteString(normalRowStyle.Render(m.emptyMessage()) + "\n")
		rows--
	}

	end := min(m.scrollOffset+rows, len(m.items))
	for i := m.scrollOffset; i < end; i++ {
		it := m.items[i]
		subject := truncateRunes(it.Subject, subjectWidth)
		if m.searchText != "" {
			subject = highlightTerms(subject, m.searchText)
		}
		row := fmt.Sprintf(" %s %s %s %s",
			flagColumn(it),
			padRight(formatWhen(it.Timestamp, m.now()), whenWidth),
			padRight(truncateRunes(senderLabel(it.Sender), fromWidth), fromWidth),
			subject)
		row = padRight(row, m.width)

		style := normalRowStyle
		switch {
		case i == m.cursor:
			style = cursorRowStyle
		case !it.IsRead:
			style = unreadRowStyle
		case i%2 == 1:
			style = altRowStyle
		}
		b.WriteString(style.Render(row) + "\n")
	}
	for i := end - m.scrollOffset; i < rows; i++ {
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) emptyMessage() string {
	if m.status.Loading {
		return "Fetching mail..."
	}
	if m.searchText != "" {
		return "No messages match the search."
	}
	return "No messages."
}

func (m Model) detailView() string {
	it, ok := m.detailItem()
	if !ok {
		return "Message not found."
	}
	lines := m.detailLines(it)
	height := m.pageSize + 2
	start := min(m.detailScroll, max(len(lines)-height, 0))
	end := min(start+height, len(lines))

	visible := make([]string, 0, height)
	for _, l := range lines[start:end] {
		visible = append(visible, truncateToWidth(l, m.width))
	}
	for len(visible) < height {
		visible = append(visible, "")
	}
	return strings.Join(visible, "\n")
}

// detailLines lays out the headers and wrapped body of a message.
func (m Model) detailLines(it mail.Item) []string {
	header := func(label, value string) string {
		return labelStyle.Render(label) + " " + value
	}
	from := it.Sender.Address
	if it.Sender.Name != "" {
		from = fmt.Sprintf("%s <%s>", it.Sender.Name, it.Sender.Address)
	}
	lines := []string{
		header("From:", from),
	}
	if len(it.Recipients) > 0 {
		lines = append(lines, header("To:", strings.Join(it.Recipients, ", ")))
	}
	lines = append(lines,
		header("Date:", it.Timestamp.Local().Format("Mon, 02 Jan 2006 15:04")),
		header("Subject:", highlightTerms(it.Subject, m.searchText)),
		header("Tags:", strings.Join(category.Categorize(it).Strings(), ", ")),
		header("Priority:", it.Priority.String()),
	)
	if it.SuggestedAction != "" {
		lines = append(lines, header("Suggests:", it.SuggestedAction))
	}
	if it.SyncStatus != "" && it.SyncStatus != mail.StatusSynced {
		lines = append(lines, header("Sync:", string(it.SyncStatus)))
	}
	lines = append(lines, separatorStyle.Render(strings.Repeat("─", m.width)))
	for _, l := range wrapText(it.Content, m.width-2) {
		lines = append(lines, highlightTerms(l, m.searchText))
	}
	return lines
}

func (m Model) footerView() string {
	var text string
	switch {
	case m.flashMessage != "":
		return flashStyle.Render(padRight(" "+m.flashMessage, m.width))
	case m.status.NeedsReauth:
		return errorStyle.Render(padRight(" "+m.status.ReauthMessage, m.width))
	case m.status.Message != "":
		return flashStyle.Render(padRight(" "+m.status.Message, m.width))
	case m.level == levelDetail:
		text = "esc back | n/p next/prev | r read | * star | d trash | e archive | ? help"
	default:
		pos := ""
		if len(m.items) > 0 {
			pos = fmt.Sprintf("%d/%d | ", m.cursor+1, len(m.items))
		}
		text = pos + "enter open | tab category | / search | s sort | R refresh | a accounts | ? help"
	}
	return footerStyle.Render(padRight(text, max(m.width-2, 0)))
}

var helpLines = []string{
	"j/k, up/down   move",
	"g/G            first/last",
	"pgup/pgdn      page",
	"enter          open message",
	"esc            back / clear search",
	"tab, shift+tab next/previous category",
	"/              search (from:, subject:, is:unread...)",
	"s              sort by date or priority",
	"r              toggle read",
	"*              toggle star",
	"d              trash / restore",
	"e              archive / unarchive",
	"R              refresh now",
	"a              switch account",
	"q              quit",
}

func (m Model) modalView() string {
	var b strings.Builder
	switch m.modal {
	case modalHelp:
		b.WriteString(modalTitleStyle.Render("Keys") + "\n\n")
		b.WriteString(strings.Join(helpLines, "\n"))
	case modalQuitConfirm:
		b.WriteString(modalTitleStyle.Render("Quit mailmirror?") + "\n\n")
		b.WriteString("y / enter to quit, any other key to stay")
	case modalAccounts:
		b.WriteString(modalTitleStyle.Render("Accounts") + "\n\n")
		if len(m.accounts) == 0 {
			b.WriteString("No accounts. Add one with 'mailmirror add-account'.")
		}
		for i, acct := range m.accounts {
			marker := "  "
			if i == m.modalCursor {
				marker = "> "
			}
			line := marker + acct.Email
			if acct.IsActive {
				line += " (active)"
			}
			b.WriteString(line + "\n")
		}
	}
	return modalStyle.Render(strings.TrimSuffix(b.String(), "\n"))
}

// overlayModal centers the open dialog on an otherwise blank screen.
func (m Model) overlayModal() string {
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, m.modalView())
}
