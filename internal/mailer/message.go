package mailer

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/legismail/internal/email"
)

// NameToken is replaced by the recipient's name in message bodies
const NameToken = "{name}"

// Personalize substitutes every NameToken in body with name.
func Personalize(body, name string) string {
	return strings.ReplaceAll(body, NameToken, name)
}

// Composer lays out the plain-text body around the sender's message
type Composer struct {
	// Greeting is a format string taking the recipient name
	Greeting string
	Closing  string
	now      func() time.Time
}

// NewComposer returns a Composer, using the Portuguese salutation and
// closing when either is empty.
func NewComposer(greeting, closing string) *Composer {
	if greeting == "" {
		greeting = "Prezado(a) %s,"
	}
	if closing == "" {
		closing = "Atenciosamente,"
	}
	return &Composer{Greeting: greeting, Closing: closing, now: time.Now}
}

// Text renders the full body for one recipient
func (c *Composer) Text(b *Batch, r Recipient) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, c.Greeting, r.Name)
	sb.WriteString("\n\n")
	sb.WriteString(Personalize(b.Body, r.Name))
	sb.WriteString("\n\n")
	sb.WriteString(c.Closing)
	sb.WriteString("\n")
	sb.WriteString(b.SenderName)
	sb.WriteString("\n")
	sb.WriteString(b.SenderEmail)
	sb.WriteString("\n")
	return sb.String()
}

// Build renders the RFC 5322 message for one recipient
func (c *Composer) Build(b *Batch, r Recipient) ([]byte, error) {
	var buf bytes.Buffer

	domain := email.ExtractDomainOrDefault(b.SenderEmail, "localhost")
	now := time.Now
	if c.now != nil {
		now = c.now
	}

	headers := []struct{ key, value string }{
		{"From", email.Format(b.SenderName, b.SenderEmail)},
		{"To", email.Format(r.Name, r.Email)},
		{"Subject", mime.QEncoding.Encode("utf-8", b.Subject)},
		{"Date", now().Format(time.RFC1123Z)},
		{"Message-ID", fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/plain; charset=utf-8"},
		{"Content-Transfer-Encoding", "quoted-printable"},
	}
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.key, h.value)
	}
	buf.WriteString("\r\n")

	text := strings.ReplaceAll(c.Text(b, r), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\n", "\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(text)); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}

	return buf.Bytes(), nil
}
