package mailer

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/foxzi/drip/internal/email"
	"gopkg.in/gomail.v2"
)

// Message is one outbound email to a single recipient
type Message struct {
	ID          string // delivery log id, becomes the Message-ID local part
	From        string
	FromName    string
	ReplyTo     string
	To          string
	Subject     string
	HTML        string
	Text        string
	Headers     map[string]string
	Attachments []Attachment
}

// Attachment is a loaded file ready to be attached
type Attachment struct {
	Filename string
	Data     []byte
}

// MessageID returns the Message-ID header value
func (m *Message) MessageID() string {
	return fmt.Sprintf("<%s@%s>", m.ID, email.ExtractDomainOrDefault(m.From, "localhost"))
}

// Compose renders the message as RFC 5322 bytes with CRLF line endings
func Compose(msg *Message, now time.Time) ([]byte, error) {
	if msg.To == "" {
		return nil, &DeliveryError{Message: "recipient is required"}
	}
	if msg.From == "" {
		return nil, &DeliveryError{Message: "sender is required"}
	}

	m := gomail.NewMessage(gomail.SetCharset("UTF-8"))
	m.SetAddressHeader("From", msg.From, msg.FromName)
	m.SetHeader("To", msg.To)
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetDateHeader("Date", now)
	if msg.ID != "" {
		m.SetHeader("Message-ID", msg.MessageID())
	}
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	for _, att := range msg.Attachments {
		data := att.Data
		m.Attach(att.Filename, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		}))
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to compose message: %w", err)
	}
	return buf.Bytes(), nil
}
