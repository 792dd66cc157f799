// Package search parses and evaluates the custom filter query language.
package search

import (
	"strings"
	"unicode"
)

// MaxTermsPerOperator bounds how many bare terms a single operator consumes.
// Additional bare terms fall back to free-text matching.
const MaxTermsPerOperator = 3

// Predicate is a fixed boolean test selected by has: or is:.
type Predicate string

const (
	HasAttachment Predicate = "has:attachment"
	HasStar       Predicate = "has:star"
	HasPriority   Predicate = "has:priority"
	IsUnread      Predicate = "is:unread"
	IsRead        Predicate = "is:read"
	IsStarred     Predicate = "is:starred"
	IsImportant   Predicate = "is:important"
)

// Query represents a parsed filter query. All populated criteria must match.
// String terms are stored lowercased.
type Query struct {
	TextTerms    []string    // Free-text terms (subject, sender, content)
	SubjectTerms []string    // subject: terms
	FromTerms    []string    // from: terms (sender name or address)
	ToTerms      []string    // to: terms (any recipient)
	Labels       []string    // label: values
	Predicates   []Predicate // has: and is: predicates
}

// IsEmpty returns true if the query has no criteria.
func (q *Query) IsEmpty() bool {
	return len(q.TextTerms) == 0 &&
		len(q.SubjectTerms) == 0 &&
		len(q.FromTerms) == 0 &&
		len(q.ToTerms) == 0 &&
		len(q.Labels) == 0 &&
		len(q.Predicates) == 0
}

// termOperators take a quoted phrase or up to MaxTermsPerOperator bare terms.
var termOperators = map[string]func(q *Query, term string){
	"subject": func(q *Query, v string) { q.SubjectTerms = append(q.SubjectTerms, v) },
	"from":    func(q *Query, v string) { q.FromTerms = append(q.FromTerms, v) },
	"to":      func(q *Query, v string) { q.ToTerms = append(q.ToTerms, v) },
	"label":   func(q *Query, v string) { q.Labels = append(q.Labels, v) },
}

// predicates maps has:/is: values to their Predicate.
var predicates = map[string]Predicate{
	"has:attachment":  HasAttachment,
	"has:attachments": HasAttachment,
	"has:star":        HasStar,
	"has:priority":    HasPriority,
	"is:unread":       IsUnread,
	"is:read":         IsRead,
	"is:starred":      IsStarred,
	"is:important":    IsImportant,
}

// Parse parses a query string. When no recognized operator is present the
// whole string is treated as free text, split on whitespace.
//
// Supported operators:
//   - subject:, from:, to:, label: - a "quoted phrase" or up to three bare terms
//   - has:attachment, has:star, has:priority
//   - is:unread, is:read, is:starred, is:important
//   - anything else - free-text terms
func Parse(queryStr string) *Query {
	q := &Query{}
	tokens := tokenize(queryStr)
	sawOperator := false

	for i := 0; i < len(tokens); i++ {
		token := tokens[i]
		if isQuotedPhrase(token) {
			q.TextTerms = appendTerm(q.TextTerms, unquote(token))
			continue
		}

		op, value, hasOp := splitOperator(token)
		if !hasOp {
			q.TextTerms = appendTerm(q.TextTerms, token)
			continue
		}

		if op == "has" || op == "is" {
			if p, ok := predicates[op+":"+strings.ToLower(value)]; ok {
				sawOperator = true
				q.Predicates = append(q.Predicates, p)
			} else {
				q.TextTerms = appendTerm(q.TextTerms, token)
			}
			continue
		}

		sawOperator = true
		add := termOperators[op]
		if strings.HasPrefix(value, "\"") || strings.HasPrefix(value, "'") {
			if phrase := strings.ToLower(strings.Trim(value, "\"'")); phrase != "" {
				add(q, phrase)
			}
			continue
		}
		taken := 0
		if value != "" {
			add(q, strings.ToLower(value))
			taken++
		}
		for taken < MaxTermsPerOperator && i+1 < len(tokens) && isBareTerm(tokens[i+1]) {
			i++
			add(q, strings.ToLower(tokens[i]))
			taken++
		}
	}

	if !sawOperator {
		return &Query{TextTerms: SplitTerms(queryStr)}
	}
	return q
}

// SplitTerms lowercases s and splits it on whitespace.
func SplitTerms(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

// splitOperator recognizes "op:value" tokens for the supported operators.
func splitOperator(token string) (op, value string, ok bool) {
	idx := strings.Index(token, ":")
	if idx <= 0 {
		return "", "", false
	}
	op = strings.ToLower(token[:idx])
	if _, known := termOperators[op]; !known && op != "has" && op != "is" {
		return "", "", false
	}
	return op, token[idx+1:], true
}

// isBareTerm reports whether a token may be absorbed by the preceding
// operator: not quoted and not itself an operator.
func isBareTerm(token string) bool {
	if isQuotedPhrase(token) {
		return false
	}
	_, _, isOp := splitOperator(token)
	return !isOp
}

func appendTerm(terms []string, term string) []string {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return terms
	}
	return append(terms, term)
}

// unquote removes surrounding quotes from a string if present.
func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// isQuotedPhrase returns true if the token is a double-quoted phrase.
func isQuotedPhrase(token string) bool {
	return len(token) > 2 && token[0] == '"' && token[len(token)-1] == '"'
}

// tokenize splits a query string, preserving quoted phrases and op:"value"
// pairs such as subject:"quarterly report".
func tokenize(queryStr string) []string {
	var tokens []string
	var current strings.Builder
	inQuotes := false
	quoteChar := rune(0)
	afterColon := false
	opQuoted := false

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, char := range queryStr {
		switch {
		// An apostrophe inside a word is literal: can't, O'Brien.
		case (char == '"' || (char == '\'' && (current.Len() == 0 || afterColon))) && !inQuotes:
			inQuotes = true
			quoteChar = char
			opQuoted = afterColon
			if afterColon {
				current.WriteRune(char)
			} else {
				flush()
			}
			afterColon = false
		case char == quoteChar && inQuotes:
			inQuotes = false
			if opQuoted {
				current.WriteRune(char)
				flush()
			} else if current.Len() > 0 {
				tokens = append(tokens, "\""+current.String()+"\"")
				current.Reset()
			}
			quoteChar = 0
			opQuoted = false
		case unicode.IsSpace(char) && !inQuotes:
			flush()
			afterColon = false
		default:
			current.WriteRune(char)
			afterColon = char == ':'
		}
	}
	flush()

	return tokens
}
