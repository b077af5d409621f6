package preparer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

var ErrHeaderInjection = errors.New("header value contains line breaks")

// RawPreparer renders the notification as a single-part text/plain MIME
// message. Non-ASCII subjects are RFC 2047 encoded and the body is
// quoted-printable.
type RawPreparer struct {
	fromAddress string
	fromName    string
	domain      string

	now       func() time.Time
	messageID func() string
}

// NewRawPreparer creates a preparer for the fixed sender identity.
func NewRawPreparer(fromAddress string, fromName string) *RawPreparer {
	return &RawPreparer{
		fromAddress: fromAddress,
		fromName:    fromName,
		domain:      domainOf(fromAddress),
		now:         time.Now,
		messageID:   uuid.NewString,
	}
}

func (p *RawPreparer) Prepare(_ context.Context, msg *Message) error {
	if strings.TrimSpace(p.fromAddress) == "" {
		return fmt.Errorf("sender address is required")
	}
	if strings.TrimSpace(msg.Recipient) == "" {
		return fmt.Errorf("recipient is required")
	}
	for name, value := range map[string]string{"subject": msg.Subject, "recipient": msg.Recipient} {
		if strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("%s: %w", name, ErrHeaderInjection)
		}
	}

	m := gomail.NewMessage(gomail.SetCharset("UTF-8"), gomail.SetEncoding(gomail.QuotedPrintable))
	m.SetAddressHeader("From", p.fromAddress, p.fromName)
	m.SetHeader("To", msg.Recipient)
	m.SetHeader("Subject", msg.Subject)
	m.SetDateHeader("Date", p.now())
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", p.messageID(), p.domain))
	m.SetBody("text/plain", msg.Content)

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return fmt.Errorf("render mime message: %w", err)
	}
	msg.Raw = buf.Bytes()
	return nil
}

func domainOf(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 && i+1 < len(address) {
		return strings.ToLower(strings.Trim(address[i+1:], "> "))
	}
	return "localhost"
}
