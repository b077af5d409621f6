package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/textproto"

	"gopkg.in/gomail.v2"
)

type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	From               string
	InsecureSkipVerify bool
	// ImplicitTLS forces TLS from the first byte (port 465 style). Without it
	// the dialer upgrades with STARTTLS when the relay offers it.
	ImplicitTLS bool
}

// SMTPProvider relays prepared messages through an SMTP server.
type SMTPProvider struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTPProvider(cfg SMTPConfig) *SMTPProvider {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = cfg.ImplicitTLS || cfg.Port == 465
	if cfg.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: cfg.Host}
	}
	return &SMTPProvider{dialer: d, from: cfg.From}
}

// SendRaw opens one SMTP session per message. The envelope sender is the
// configured From address.
func (p *SMTPProvider) SendRaw(ctx context.Context, recipient string, raw []byte) error {
	if recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	if len(raw) == 0 {
		return fmt.Errorf("raw content is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sc, err := p.dialer.Dial()
	if err != nil {
		return fmt.Errorf("smtp dial %s:%d: %w", p.dialer.Host, p.dialer.Port, err)
	}
	defer sc.Close()

	if err := sc.Send(p.from, []string{recipient}, bytes.NewReader(raw)); err != nil {
		err = fmt.Errorf("smtp send: %w", err)
		// 5xx replies are permanent per RFC 5321.
		var reply *textproto.Error
		if errors.As(err, &reply) && reply.Code >= 500 {
			return &RejectedError{Transport: "smtp", Err: err}
		}
		return err
	}
	return nil
}
