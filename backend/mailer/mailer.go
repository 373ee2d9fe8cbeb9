package mailer

import (
	"fmt"
	"net/smtp"
	"strings"
)

// Mailer is the email collaborator. Delivery is best effort, callers decide
// whether a send failure aborts the surrounding operation.
type Mailer interface {
	Send(to, subject, text, html string) error
}

type SMTPMailer struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (m *SMTPMailer) Send(to, subject, text, html string) error {
	addr := fmt.Sprintf("%v:%v", m.Host, m.Port)

	var auth smtp.Auth
	if m.Username != "" {
		auth = smtp.PlainAuth("", m.Username, m.Password, m.Host)
	}

	msg := buildMessage(m.From, to, subject, text, html)

	if err := smtp.SendMail(addr, auth, m.From, []string{to}, msg); err != nil {
		return fmt.Errorf("error sending mail to %v: %w", to, err)
	}
	return nil
}

const mimeBoundary = "release-hub-alt"

func buildMessage(from, to, subject, text, html string) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "From: %v\r\n", from)
	fmt.Fprintf(&b, "To: %v\r\n", to)
	fmt.Fprintf(&b, "Subject: %v\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%v\r\n", mimeBoundary)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%v\r\n", mimeBoundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(text)
	b.WriteString("\r\n")

	if html != "" {
		fmt.Fprintf(&b, "--%v\r\n", mimeBoundary)
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		b.WriteString(html)
		b.WriteString("\r\n")
	}

	fmt.Fprintf(&b, "--%v--\r\n", mimeBoundary)

	return []byte(b.String())
}
