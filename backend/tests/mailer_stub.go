package tests

import (
	"errors"
	"strings"
	"sync"
)

type sentEmail struct {
	To      string
	Subject string
	Text    string
	Html    string
}

// mailerStub records sent emails instead of delivering them. Setting fail
// makes every send return an error.
type mailerStub struct {
	mu   sync.Mutex
	sent []sentEmail
	fail bool
}

func (m *mailerStub) Send(to, subject, text, html string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail {
		return errors.New("smtp connection refused")
	}

	m.sent = append(m.sent, sentEmail{To: to, Subject: subject, Text: text, Html: html})
	return nil
}

func (m *mailerStub) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

func (m *mailerStub) sentEmails() []sentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentEmail{}, m.sent...)
}

func (m *mailerStub) sentTo(address string) []sentEmail {
	var matches []sentEmail
	for _, e := range m.sentEmails() {
		if strings.EqualFold(e.To, address) {
			matches = append(matches, e)
		}
	}
	return matches
}
