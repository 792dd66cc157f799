package testutil

import (
	"encoding/base64"
	"fmt"
	"strings"
)

type rawAttachment struct {
	name  string
	ctype string
	data  []byte
}

// RawMail builds RFC 5322 messages for parser and provider tests.
type RawMail struct {
	from        string
	to          string
	cc          string
	subject     string
	date        string
	messageID   string
	contentType string
	body        string
	extra       []string
	attachments []rawAttachment
}

// NewRawMail returns a plain-text message with fixed defaults.
func NewRawMail() *RawMail {
	return &RawMail{
		from:    "Sender <sender@example.com>",
		to:      "me@example.com",
		subject: "Test",
		date:    "Mon, 01 Jan 2024 12:00:00 +0000",
		body:    "Hello there.",
	}
}

func (r *RawMail) From(v string) *RawMail        { r.from = v; return r }
func (r *RawMail) To(v string) *RawMail          { r.to = v; return r }
func (r *RawMail) Cc(v string) *RawMail          { r.cc = v; return r }
func (r *RawMail) Subject(v string) *RawMail     { r.subject = v; return r }
func (r *RawMail) Date(v string) *RawMail        { r.date = v; return r }
func (r *RawMail) MessageID(v string) *RawMail   { r.messageID = v; return r }
func (r *RawMail) ContentType(v string) *RawMail { r.contentType = v; return r }
func (r *RawMail) Body(v string) *RawMail        { r.body = v; return r }

// Header appends an arbitrary header line.
func (r *RawMail) Header(key, value string) *RawMail {
	r.extra = append(r.extra, key+": "+value)
	return r
}

// Attach adds a base64 attachment part, turning the message multipart.
func (r *RawMail) Attach(name, contentType string, data []byte) *RawMail {
	r.attachments = append(r.attachments, rawAttachment{name, contentType, data})
	return r
}

// Bytes renders the message with CRLF line endings.
func (r *RawMail) Bytes() []byte {
	const nl = "\r\n"
	var b strings.Builder
	header := func(k, v string) {
		if v != "" {
			b.WriteString(k + ": " + v + nl)
		}
	}
	header("From", r.from)
	header("To", r.to)
	header("Cc", r.cc)
	header("Subject", r.subject)
	header("Date", r.date)
	header("Message-ID", r.messageID)
	for _, h := range r.extra {
		b.WriteString(h + nl)
	}

	if len(r.attachments) == 0 {
		ct := r.contentType
		if ct == "" {
			ct = `text/plain; charset="utf-8"`
		}
		header("Content-Type", ct)
		b.WriteString(nl + r.body + nl)
		return []byte(b.String())
	}

	const boundary = "mixed-boundary"
	header("MIME-Version", "1.0")
	header("Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", boundary))
	b.WriteString(nl)
	b.WriteString("--" + boundary + nl)
	b.WriteString(`Content-Type: text/plain; charset="utf-8"` + nl + nl)
	b.WriteString(r.body + nl)
	for _, a := range r.attachments {
		ct := a.ctype
		if ct == "" {
			ct = "application/octet-stream"
		}
		b.WriteString("--" + boundary + nl)
		b.WriteString(fmt.Sprintf("Content-Type: %s; name=%q", ct, a.name) + nl)
		b.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=%q", a.name) + nl)
		b.WriteString("Content-Transfer-Encoding: base64" + nl + nl)
		b.WriteString(base64.StdEncoding.EncodeToString(a.data) + nl)
	}
	b.WriteString("--" + boundary + "--" + nl)
	return []byte(b.String())
}
