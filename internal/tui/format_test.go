package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mattn/go-runewidth"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/testutil"
)

func TestHighlightTerms(t *testing.T) {
	forceColorProfile(t)

	tests := []struct {
		name  string
		text  string
		query string
		want  []string // spans expected to be highlighted
	}{
		{"no query", "Quarterly invoice", "", nil},
		{"plain term", "Quarterly invoice", "invoice", []string{"invoice"}},
		{"case insensitive", "INVOICE and invoice", "Invoice", []string{"INVOICE", "invoice"}},
		{"operator values", "from alice about lunch", "from:alice subject:lunch", []string{"alice", "lunch"}},
		{"predicates are not highlighted", "unread mail", "is:unread", nil},
		{"overlapping terms merge", "invoices", "invoice voices", []string{"invoices"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := highlightTerms(tt.text, tt.query)
			if stripANSI(got) != tt.text {
				t.Errorf("text changed: %q", stripANSI(got))
			}
			if len(tt.want) == 0 && got != tt.text {
				t.Errorf("unexpected highlight: %q", got)
			}
			for _, span := range tt.want {
				if !strings.Contains(got, highlightStyle.Render(span)) {
					t.Errorf("%q not highlighted in %q", span, got)
				}
			}
		})
	}
}

func TestQueryTermsDeduplicates(t *testing.T) {
	got := queryTerms("invoice Invoice from:bob subject:invoice")
	if diff := cmp.Diff([]string{"invoice", "bob"}, got); diff != "" {
		t.Errorf("terms (-want +got):\n%s", diff)
	}
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"line\nbreak\ttab", 20, "line break tab"},
		{"this is too long", 10, "this is..."},
		{"abcdef", 3, "abc"},
		{"日本語のメール", 7, "日本..."},
	}
	for _, tt := range tests {
		if got := truncateRunes(tt.in, tt.width); got != tt.want {
			t.Errorf("truncateRunes(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}

func TestPadRight(t *testing.T) {
	if got := padRight("ab", 5); got != "ab   " {
		t.Errorf("padRight = %q", got)
	}
	if got := padRight("abcdef", 3); got != "abc" {
		t.Errorf("padRight = %q", got)
	}
	if got := padRight("日本", 5); runewidth.StringWidth(got) != 5 {
		t.Errorf("padRight(CJK) width = %d", runewidth.StringWidth(got))
	}
}

func TestWrapText(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		width int
		want  []string
	}{
		{"fits", "hello world", 20, []string{"hello world"}},
		{"breaks at space", "hello world again", 12, []string{"hello world", "again"}},
		{"keeps blank lines", "a\n\nb", 10, []string{"a", "", "b"}},
		{"hard break", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"wide runes", "日本語のメール", 6, []string{"日本語", "のメー", "ル"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, wrapText(tt.text, tt.width)); diff != "" {
				t.Errorf("wrap mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatWhen(t *testing.T) {
	now := time.Date(2024, 6, 15, 18, 0, 0, 0, time.Local)
	tests := []struct {
		ts   time.Time
		want string
	}{
		{time.Date(2024, 6, 15, 9, 5, 0, 0, time.Local), "09:05"},
		{time.Date(2024, 3, 2, 9, 5, 0, 0, time.Local), "Mar 02"},
		{time.Date(2023, 12, 31, 9, 5, 0, 0, time.Local), "2023-12-31"},
	}
	for _, tt := range tests {
		if got := formatWhen(tt.ts, now); got != tt.want {
			t.Errorf("formatWhen(%v) = %q, want %q", tt.ts, got, tt.want)
		}
	}
}

func TestFlagColumn(t *testing.T) {
	it := testutil.NewItem("x").Unread().Starred().Build()
	it.RequiresAction = true
	if got := flagColumn(it); got != "U*!" {
		t.Errorf("flagColumn = %q", got)
	}
	if got := flagColumn(testutil.NewItem("y").Build()); got != "   " {
		t.Errorf("flagColumn = %q", got)
	}
	if got := senderLabel(mail.Sender{Address: "a@x.com"}); got != "a@x.com" {
		t.Errorf("senderLabel = %q", got)
	}
}
