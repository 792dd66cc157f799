// Package mime parses raw RFC 5322 messages fetched from a provider into the
// fields a mail item carries.
package mime

import (
	"bytes"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
)

// Message is the parsed view of one raw message.
type Message struct {
	Subject     string
	Date        time.Time
	From        []Address
	To          []Address
	Cc          []Address
	MessageID   string
	BodyText    string
	BodyHTML    string
	Attachments []Attachment
	Errors      []string // non-fatal parse problems
}

// Address is one mailbox from an address header.
type Address struct {
	Name  string
	Email string
}

// Attachment describes a non-body part. Content is not retained.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int
	IsInline    bool
}

// Parse parses raw MIME data.
func Parse(raw []byte) (*Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Subject:   env.GetHeader("Subject"),
		MessageID: strings.Trim(strings.TrimSpace(env.GetHeader("Message-ID")), "<>"),
		BodyText:  env.Text,
		BodyHTML:  env.HTML,
		From:      addressList(env, "From"),
		To:        addressList(env, "To"),
		Cc:        addressList(env, "Cc"),
	}
	if s := env.GetHeader("Date"); s != "" {
		msg.Date, _ = parseDate(s)
	}

	msg.Attachments = append(msg.Attachments, attachments(env.Attachments, false)...)
	msg.Attachments = append(msg.Attachments, attachments(env.Inlines, true)...)
	for _, e := range env.Errors {
		msg.Errors = append(msg.Errors, e.Error())
	}
	return msg, nil
}

func addressList(env *enmime.Envelope, header string) []Address {
	list, err := env.AddressList(header)
	if err != nil || list == nil {
		return nil
	}
	out := make([]Address, 0, len(list))
	for _, a := range list {
		if a.Address == "" {
			continue
		}
		out = append(out, Address{Name: a.Name, Email: strings.ToLower(a.Address)})
	}
	return out
}

// isBodyPart reports whether a part is message text rather than an
// attachment: text/plain or text/html with no filename and no explicit
// attachment disposition.
func isBodyPart(part *enmime.Part) bool {
	switch mediaType(part.ContentType) {
	case "text/plain", "text/html":
	default:
		return false
	}
	if part.FileName != "" {
		return false
	}
	return mediaType(part.Disposition) != "attachment"
}

// mediaType lowercases a header value and drops its parameters.
func mediaType(v string) string {
	v = strings.ToLower(v)
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

func attachments(parts []*enmime.Part, inline bool) []Attachment {
	var out []Attachment
	for _, p := range parts {
		if isBodyPart(p) {
			continue
		}
		out = append(out, Attachment{
			Filename:    p.FileName,
			ContentType: p.ContentType,
			Size:        len(p.Content),
			IsInline:    inline,
		})
	}
	return out
}

var dateFormats = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"02 Jan 2006 15:04:05 -0700",
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
	time.RFC3339,
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
}

// parseDate tries the common header formats and returns UTC. An
// unparseable date yields the zero time and no error; callers fall back to
// the provider's internal date.
func parseDate(s string) (time.Time, error) {
	s = strings.Join(strings.Fields(s), " ")
	if i := strings.LastIndex(s, "("); i > 0 {
		s = strings.TrimSpace(s[:i])
	}
	for _, f := range dateFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, nil
}

var (
	blockTagRe  = regexp.MustCompile(`(?i)<(/?)(p|div|br|hr|h[1-6]|li|tr|blockquote|pre|table|ul|ol)[^>]*>`)
	dropBlockRe = regexp.MustCompile(`(?is)<(script|style|head)[^>]*>.*?</(script|style|head)>`)
	anyTagRe    = regexp.MustCompile(`<[^>]*>`)
)

// StripHTML turns an HTML body into readable plain text: block elements
// become line breaks, entities are decoded and runs of spaces collapse.
func StripHTML(rawHTML string) string {
	text := dropBlockRe.ReplaceAllString(rawHTML, "")
	text = blockTagRe.ReplaceAllString(text, "\n")
	text = anyTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = strings.NewReplacer("\r\n", "\n", "\r", "\n", "\u00a0", " ").Replace(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	text = strings.Join(lines, "\n")
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}

// Text returns the plain body, or the stripped HTML body when there is no
// plain part.
func (m *Message) Text() string {
	if strings.TrimSpace(m.BodyText) != "" {
		return m.BodyText
	}
	if m.BodyHTML != "" {
		return StripHTML(m.BodyHTML)
	}
	return ""
}

// Sender returns the first From address.
func (m *Message) Sender() Address {
	if len(m.From) > 0 {
		return m.From[0]
	}
	return Address{}
}
