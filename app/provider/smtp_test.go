package provider

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
)

type smtpSession struct {
	from string
	to   []string
	data string
}

// startTestSMTPServer accepts a single session and records what the client
// sent. rcptReply is the response to RCPT TO.
func startTestSMTPServer(t *testing.T, rcptReply string) (string, int, func() smtpSession) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var (
		wg      sync.WaitGroup
		session smtpSession
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		fmt.Fprintf(conn, "220 localhost ESMTP test\r\n")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "EHLO"), strings.HasPrefix(line, "HELO"):
				fmt.Fprintf(conn, "250-localhost\r\n250 8BITMIME\r\n")
			case strings.HasPrefix(line, "MAIL FROM:"):
				session.from = strings.Trim(strings.TrimPrefix(line, "MAIL FROM:"), "<> ")
				if i := strings.Index(session.from, ">"); i >= 0 {
					session.from = session.from[:i]
				}
				fmt.Fprintf(conn, "250 OK\r\n")
			case strings.HasPrefix(line, "RCPT TO:"):
				session.to = append(session.to, strings.Trim(strings.TrimPrefix(line, "RCPT TO:"), "<> "))
				fmt.Fprintf(conn, "%s\r\n", rcptReply)
			case line == "DATA":
				fmt.Fprintf(conn, "354 End data with <CR><LF>.<CR><LF>\r\n")
				var b strings.Builder
				for {
					dline, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if dline == ".\r\n" {
						break
					}
					b.WriteString(dline)
				}
				session.data = b.String()
				fmt.Fprintf(conn, "250 OK: queued\r\n")
			case line == "QUIT":
				fmt.Fprintf(conn, "221 Bye\r\n")
				return
			case line == "RSET", line == "NOOP":
				fmt.Fprintf(conn, "250 OK\r\n")
			default:
				fmt.Fprintf(conn, "502 not implemented\r\n")
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, func() smtpSession {
		wg.Wait()
		return session
	}
}

func TestSMTPProviderSendRaw(t *testing.T) {
	t.Parallel()

	host, port, wait := startTestSMTPServer(t, "250 OK")
	p := NewSMTPProvider(SMTPConfig{Host: host, Port: port, From: "noreply@bank.example"})

	raw := []byte("From: noreply@bank.example\r\nTo: a@b.com\r\nSubject: Hi\r\n\r\nHello\r\n")
	if err := p.SendRaw(context.Background(), "a@b.com", raw); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}

	session := wait()
	if session.from != "noreply@bank.example" {
		t.Fatalf("unexpected envelope sender %q", session.from)
	}
	if len(session.to) != 1 || session.to[0] != "a@b.com" {
		t.Fatalf("unexpected recipients %v", session.to)
	}
	if !strings.Contains(session.data, "Subject: Hi\r\n") || !strings.Contains(session.data, "Hello") {
		t.Fatalf("message body not relayed verbatim: %q", session.data)
	}
}

func TestSMTPProviderRejectedRecipient(t *testing.T) {
	t.Parallel()

	host, port, wait := startTestSMTPServer(t, "550 mailbox unavailable")
	p := NewSMTPProvider(SMTPConfig{Host: host, Port: port, From: "noreply@bank.example"})

	err := p.SendRaw(context.Background(), "nobody@b.com", []byte("Subject: Hi\r\n\r\nHello\r\n"))
	if err == nil || !strings.Contains(err.Error(), "550") {
		t.Fatalf("expected relay rejection, got %v", err)
	}
	if !IsRejected(err) {
		t.Fatalf("expected a 5xx reply to be a permanent rejection, got %T", err)
	}
	wait()
}

func TestSMTPProviderTemporaryFailure(t *testing.T) {
	t.Parallel()

	host, port, wait := startTestSMTPServer(t, "451 greylisted, try again later")
	p := NewSMTPProvider(SMTPConfig{Host: host, Port: port, From: "noreply@bank.example"})

	err := p.SendRaw(context.Background(), "a@b.com", []byte("Subject: Hi\r\n\r\nHello\r\n"))
	if err == nil || IsRejected(err) {
		t.Fatalf("expected a retryable 4xx failure, got %v", err)
	}
	wait()
}

func TestSMTPProviderDialFailure(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := NewSMTPProvider(SMTPConfig{Host: "127.0.0.1", Port: port, From: "noreply@bank.example"})
	if err := p.SendRaw(context.Background(), "a@b.com", []byte("x")); err == nil || !strings.Contains(err.Error(), "smtp dial") {
		t.Fatalf("expected dial error, got %v", err)
	}
}

func TestSMTPProviderValidation(t *testing.T) {
	t.Parallel()

	p := NewSMTPProvider(SMTPConfig{Host: "127.0.0.1", Port: 25})
	if err := p.SendRaw(context.Background(), "", []byte("x")); err == nil {
		t.Fatalf("expected error for empty recipient")
	}
	if err := p.SendRaw(context.Background(), "a@b.com", nil); err == nil {
		t.Fatalf("expected error for empty message")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.SendRaw(ctx, "a@b.com", []byte("x")); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewSMTPProviderTLSModes(t *testing.T) {
	t.Parallel()

	if p := NewSMTPProvider(SMTPConfig{Host: "smtp.bank.example", Port: 465}); !p.dialer.SSL {
		t.Fatalf("port 465 implies implicit TLS")
	}
	if p := NewSMTPProvider(SMTPConfig{Host: "smtp.bank.example", Port: 587}); p.dialer.SSL {
		t.Fatalf("port 587 uses STARTTLS")
	}
	p := NewSMTPProvider(SMTPConfig{Host: "smtp.bank.example", Port: 587, InsecureSkipVerify: true})
	if p.dialer.TLSConfig == nil || !p.dialer.TLSConfig.InsecureSkipVerify {
		t.Fatalf("expected insecure TLS config")
	}
}
