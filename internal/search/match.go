package search

import (
	"strings"

	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/mail"
)

// Matches reports whether the item satisfies every criterion in the query.
// An empty query matches everything.
func (q *Query) Matches(it mail.Item) bool {
	if !MatchesText(it, q.TextTerms) {
		return false
	}
	if !allContained(q.SubjectTerms, strings.ToLower(it.Subject)) {
		return false
	}
	if len(q.FromTerms) > 0 {
		from := strings.ToLower(it.Sender.Name + " " + it.Sender.Address)
		if !allContained(q.FromTerms, from) {
			return false
		}
	}
	if len(q.ToTerms) > 0 {
		to := strings.ToLower(strings.Join(it.Recipients, " "))
		if !allContained(q.ToTerms, to) {
			return false
		}
	}
	for _, label := range q.Labels {
		if !hasLabelFold(it, label) {
			return false
		}
	}
	if len(q.Predicates) > 0 {
		cats := category.Categorize(it)
		for _, p := range q.Predicates {
			if !predicateHolds(p, it, cats) {
				return false
			}
		}
	}
	return true
}

// MatchesText reports whether every term occurs, case-insensitively, in the
// item's subject, sender name, sender address or content. Terms must already
// be lowercased.
func MatchesText(it mail.Item, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	fields := [...]string{
		strings.ToLower(it.Subject),
		strings.ToLower(it.Sender.Name),
		strings.ToLower(it.Sender.Address),
		strings.ToLower(it.Content),
	}
	for _, term := range terms {
		found := false
		for _, f := range fields {
			if strings.Contains(f, term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func allContained(terms []string, haystack string) bool {
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

func hasLabelFold(it mail.Item, label string) bool {
	for _, l := range it.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

func predicateHolds(p Predicate, it mail.Item, cats category.Set) bool {
	switch p {
	case HasAttachment:
		return it.HasLabel(mail.LabelHasAttachment)
	case HasStar, IsStarred:
		return cats.Has(category.Starred)
	case HasPriority:
		return it.Priority.AtLeast(mail.PriorityHigh)
	case IsUnread:
		return cats.Has(category.Unread)
	case IsRead:
		return !cats.Has(category.Unread)
	case IsImportant:
		return cats.Has(category.Important)
	default:
		return false
	}
}
