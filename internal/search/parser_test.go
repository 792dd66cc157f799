package search

import (
	"testing"

	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/testutil"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  Query
	}{
		{
			name:  "empty",
			query: "",
			want:  Query{},
		},
		{
			name:  "no operator falls back to free text",
			query: "Quarterly  Report",
			want:  Query{TextTerms: []string{"quarterly", "report"}},
		},
		{
			name:  "unknown operator is free text",
			query: "cc:bob budget",
			want:  Query{TextTerms: []string{"cc:bob", "budget"}},
		},
		{
			name:  "apostrophe inside a word is literal",
			query: "from:bob can't",
			want:  Query{FromTerms: []string{"bob", "can't"}},
		},
		{
			name:  "subject quoted phrase",
			query: `subject:"Weekly Sync"`,
			want:  Query{SubjectTerms: []string{"weekly sync"}},
		},
		{
			name:  "from with bare terms up to three",
			query: "from:Alice Smith Corp Extra",
			want: Query{
				FromTerms: []string{"alice", "smith", "corp"},
				TextTerms: []string{"extra"},
			},
		},
		{
			name:  "operator stops absorbing at next operator",
			query: "from:alice to:bob label:Work",
			want: Query{
				FromTerms: []string{"alice"},
				ToTerms:   []string{"bob"},
				Labels:    []string{"work"},
			},
		},
		{
			name:  "operator stops absorbing at quoted phrase",
			query: `subject:invoice "due soon"`,
			want: Query{
				SubjectTerms: []string{"invoice"},
				TextTerms:    []string{"due soon"},
			},
		},
		{
			name:  "predicates",
			query: "is:unread has:attachment IS:Starred",
			want:  Query{Predicates: []Predicate{IsUnread, HasAttachment, IsStarred}},
		},
		{
			name:  "unknown predicate value is free text",
			query: "is:snoozed subject:x",
			want: Query{
				TextTerms:    []string{"is:snoozed"},
				SubjectTerms: []string{"x"},
			},
		},
		{
			name:  "operator with space before terms",
			query: "subject: hello world",
			want:  Query{SubjectTerms: []string{"hello", "world"}},
		},
		{
			name:  "empty quoted value ignored",
			query: `subject:"" is:read`,
			want:  Query{Predicates: []Predicate{IsRead}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.query)
			assertQueryEqual(t, *got, tt.want)
		})
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize(`from:a subject:"x y" "free phrase" tail`)
	testutil.AssertStrings(t, got, "from:a", `subject:"x y"`, `"free phrase"`, "tail")
}

func TestTokenize_Apostrophes(t *testing.T) {
	tests := []struct {
		query string
		want  []string
	}{
		{"from:bob can't", []string{"from:bob", "can't"}},
		{"O'Brien's memo", []string{"O'Brien's", "memo"}},
		{"'weekly sync' notes", []string{`"weekly sync"`, "notes"}},
		{"subject:'it is' done", []string{"subject:'it is'", "done"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			testutil.AssertStrings(t, tokenize(tt.query), tt.want...)
		})
	}
}

func TestQueryIsEmpty(t *testing.T) {
	if !Parse("   ").IsEmpty() {
		t.Error("blank query should be empty")
	}
	if Parse("is:read").IsEmpty() {
		t.Error("is:read should not be empty")
	}
}

func TestMatches(t *testing.T) {
	invoice := testutil.NewItem("1").
		Subject("Invoice #42 overdue").
		From("Acme Billing", "billing@acme.com").
		To("me@example.com", "boss@example.com").
		Content("Please pay the attached invoice").
		Labels("INBOX", "UNREAD", "Finance", "HAS_ATTACHMENT").
		Unread().
		Build()
	newsletter := testutil.NewItem("2").
		Subject("Weekly digest").
		From("News", "news@example.org").
		Labels("INBOX").
		Read().
		Priority(mail.PriorityLow).
		Build()
	urgent := testutil.NewItem("3").
		Subject("Server down").
		From("Ops", "ops@example.com").
		Labels("INBOX").
		Starred().
		Priority(mail.PriorityUrgent).
		Build()

	items := []mail.Item{invoice, newsletter, urgent}

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"1", "2", "3"}},
		{"invoice", []string{"1"}},
		{"INVOICE overdue", []string{"1"}},
		{"example", []string{"2", "3"}},
		{"from:acme", []string{"1"}},
		{"from:billing@acme.com", []string{"1"}},
		{"to:boss", []string{"1"}},
		{`subject:"weekly digest"`, []string{"2"}},
		{"subject:weekly digest", []string{"2"}},
		{"label:finance", []string{"1"}},
		{"label:fin", nil},
		{"has:attachment", []string{"1"}},
		{"has:star", []string{"3"}},
		{"is:starred", []string{"3"}},
		{"has:priority", []string{"3"}},
		{"is:important", []string{"3"}},
		{"is:unread", []string{"1"}},
		{"is:read", []string{"2", "3"}},
		{"is:read from:ops", []string{"3"}},
		{"is:unread nothing-matches", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			q := Parse(tt.query)
			var got []string
			for _, it := range items {
				if q.Matches(it) {
					got = append(got, it.ID)
				}
			}
			testutil.AssertStrings(t, got, tt.want...)
		})
	}
}

func TestMatchesText(t *testing.T) {
	it := testutil.NewItem("1").Subject("Hello").From("Jane Doe", "jane@x.io").Content("lunch?").Build()
	if !MatchesText(it, SplitTerms("jane LUNCH")) {
		t.Error("expected match across sender and content")
	}
	if MatchesText(it, SplitTerms("jane dinner")) {
		t.Error("every term must match")
	}
	if !MatchesText(it, nil) {
		t.Error("no terms should match")
	}
}
