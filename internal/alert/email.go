package alert

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"sort"
	"strings"
	"time"
)

// EmailSender delivers a plain-text message.
type EmailSender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// SMTPSender sends email via an SMTP server.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	timeout  time.Duration
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	return &SMTPSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		timeout:  30 * time.Second,
	}
}

// Send delivers a plain-text email to every recipient.
func (s *SMTPSender) Send(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return fmt.Errorf("smtp: no recipients")
	}
	msg := strings.Join([]string{
		"From: " + s.from,
		"To: " + strings.Join(to, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		body,
	}, "\r\n")

	addr := net.JoinHostPort(s.host, fmt.Sprint(s.port))
	dialer := &net.Dialer{Timeout: s.timeout}

	var (
		conn net.Conn
		err  error
	)
	// Port 465 uses implicit TLS; elsewhere STARTTLS is negotiated when offered.
	if s.port == 465 {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: s.host}}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline) //nolint:errcheck
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer client.Close()

	if s.port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
				return fmt.Errorf("smtp STARTTLS: %w", err)
			}
		}
	}
	if s.username != "" {
		if err := client.Auth(smtp.PlainAuth("", s.username, s.password, s.host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(s.from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := wc.Write([]byte(msg)); err != nil {
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp end DATA: %w", err)
	}
	return client.Quit()
}

// EmailNotifier renders alerts as plain-text email.
type EmailNotifier struct {
	sender EmailSender
	to     []string
}

// NewEmailNotifier creates an EmailNotifier delivering to the given recipients.
func NewEmailNotifier(sender EmailSender, to []string) *EmailNotifier {
	return &EmailNotifier{sender: sender, to: to}
}

// Notify implements Notifier.
func (n *EmailNotifier) Notify(ctx context.Context, a Alert) error {
	subject := fmt.Sprintf("[audit-ledger] %s: %s", strings.ToUpper(string(a.Severity)), a.Summary)
	return n.sender.Send(ctx, n.to, subject, renderText(a))
}

func renderText(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", a.Summary)
	fmt.Fprintf(&b, "kind:      %s\n", a.Kind)
	fmt.Fprintf(&b, "severity:  %s\n", a.Severity)
	fmt.Fprintf(&b, "raised at: %s\n", a.RaisedAt.UTC().Format(time.RFC3339))

	keys := make([]string, 0, len(a.Details))
	for k := range a.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		b.WriteString("\n")
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, a.Details[k])
	}
	return b.String()
}
