package tui

import (
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/search"
)

// highlightTerms marks every case-insensitive occurrence of the searchable
// terms in query within text.
func highlightTerms(text, query string) string {
	if query == "" || text == "" {
		return text
	}
	return applyHighlight(text, queryTerms(query))
}

// queryTerms returns the terms of query worth highlighting, deduplicated.
func queryTerms(query string) []string {
	q := search.Parse(query)
	var all []string
	all = append(all, q.TextTerms...)
	all = append(all, q.SubjectTerms...)
	all = append(all, q.FromTerms...)
	all = append(all, q.ToTerms...)

	seen := make(map[string]bool, len(all))
	var terms []string
	for _, t := range all {
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		terms = append(terms, t)
	}
	return terms
}

type span struct{ start, end int }

// applyHighlight works on runes so that case folding which changes byte
// length cannot shift the offsets.
func applyHighlight(text string, terms []string) string {
	src := []rune(text)
	lower := []rune(strings.ToLower(text))
	if len(lower) != len(src) {
		return text
	}

	var spans []span
	for _, term := range terms {
		needle := []rune(strings.ToLower(term))
		if len(needle) == 0 {
			continue
		}
		for i := 0; i+len(needle) <= len(lower); {
			if runesEqual(lower[i:i+len(needle)], needle) {
				spans = append(spans, span{i, i + len(needle)})
				i += len(needle)
				continue
			}
			i++
		}
	}
	if len(spans) == 0 {
		return text
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			last.end = max(last.end, s.end)
			continue
		}
		merged = append(merged, s)
	}

	var b strings.Builder
	prev := 0
	for _, s := range merged {
		b.WriteString(string(src[prev:s.start]))
		b.WriteString(highlightStyle.Render(string(src[s.start:s.end])))
		prev = s.end
	}
	b.WriteString(string(src[prev:]))
	return b.String()
}

func runesEqual(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// padRight pads or cuts s to exactly width cells. ANSI sequences are kept.
func padRight(s string, width int) string {
	w := lipgloss.Width(s)
	if w >= width {
		return ansi.Truncate(s, width, "")
	}
	return s + strings.Repeat(" ", width-w)
}

// truncateRunes flattens s onto one line and cuts it to maxWidth cells.
func truncateRunes(s string, maxWidth int) string {
	s = strings.Join(strings.Fields(s), " ")
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	if maxWidth <= 3 {
		return runewidth.Truncate(s, maxWidth, "")
	}
	return runewidth.Truncate(s, maxWidth, "...")
}

// truncateToWidth cuts a styled line to maxWidth visible columns.
func truncateToWidth(s string, maxWidth int) string {
	return ansi.Truncate(s, maxWidth, "")
}

// wrapText wraps each line of text to width cells, breaking at a space when
// one falls in the second half of the line.
func wrapText(text string, width int) []string {
	if width <= 0 {
		width = 80
	}
	var out []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.ReplaceAll(line, "\t", "    ")
		if runewidth.StringWidth(line) <= width {
			out = append(out, line)
			continue
		}
		rest := []rune(line)
		for len(rest) > 0 {
			cells, cut, space := 0, 0, -1
			for i, r := range rest {
				rw := runewidth.RuneWidth(r)
				if cells+rw > width {
					break
				}
				cells += rw
				cut = i + 1
				if r == ' ' {
					space = i
				}
			}
			if cut < len(rest) && space > cut/2 {
				cut = space
			}
			if cut == 0 {
				cut = 1
			}
			out = append(out, string(rest[:cut]))
			rest = []rune(strings.TrimLeft(string(rest[cut:]), " "))
		}
	}
	return out
}

// senderLabel is the display name, falling back to the address.
func senderLabel(s mail.Sender) string {
	if s.Name != "" {
		return s.Name
	}
	return s.Address
}

// formatWhen shows a time of day for today's mail and a date otherwise.
func formatWhen(ts, now time.Time) string {
	ts = ts.Local()
	now = now.Local()
	if ts.Year() == now.Year() && ts.YearDay() == now.YearDay() {
		return ts.Format("15:04")
	}
	if ts.Year() == now.Year() {
		return ts.Format("Jan 02")
	}
	return ts.Format("2006-01-02")
}

// flagColumn renders the unread/star/action markers of an item.
func flagColumn(it mail.Item) string {
	b := []byte("   ")
	if !it.IsRead {
		b[0] = 'U'
	}
	if it.IsStarred {
		b[1] = '*'
	}
	if it.RequiresAction {
		b[2] = '!'
	}
	return string(b)
}
