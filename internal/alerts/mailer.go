package alerts

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"

	"github.com/sudo-init-do/strathshare/internal/config"
)

// Mailer delivers one email.
type Mailer interface {
	Send(ctx context.Context, env EmailEnvelope) error
}

// NewMailer picks the provider named by MAIL_PROVIDER.
func NewMailer(cfg config.Mail, log *slog.Logger) (Mailer, error) {
	switch strings.ToLower(cfg.Provider) {
	case "smtp":
		if cfg.SMTPHost == "" || cfg.SMTPPort == "" || cfg.SMTPUsername == "" || cfg.SMTPPassword == "" {
			return nil, fmt.Errorf("smtp not configured: set SMTP_HOST, SMTP_PORT, SMTP_USERNAME, SMTP_PASSWORD (or set MAIL_PROVIDER=plunk|resend|log)")
		}
		return &SMTPMailer{cfg: cfg}, nil
	case "plunk":
		return NewPlunkMailer(cfg)
	case "resend":
		return NewResendMailer(cfg)
	case "", "log":
		return &LogMailer{log: log}, nil
	}
	return nil, fmt.Errorf("unknown MAIL_PROVIDER %q", cfg.Provider)
}

// LogMailer writes emails to the log instead of sending them.
type LogMailer struct {
	log *slog.Logger
}

func (m *LogMailer) Send(_ context.Context, env EmailEnvelope) error {
	l := m.log
	if l == nil {
		l = slog.Default()
	}
	l.Info("[notify] email (log provider)", "to", env.To, "subject", env.Subject)
	return nil
}

// SMTPMailer sends plain text or HTML mail over implicit TLS.
type SMTPMailer struct {
	cfg config.Mail
}

func isHTML(body string) bool {
	lb := strings.ToLower(body)
	return strings.Contains(lb, "<html") || strings.Contains(lb, "<body") || strings.Contains(lb, "<!doctype html")
}

func (m *SMTPMailer) message(env EmailEnvelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", env.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", env.Subject)
	if m.cfg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", m.cfg.ReplyTo)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	contentType := "text/plain"
	if isHTML(env.Body) {
		contentType = "text/html"
	}
	fmt.Fprintf(&b, "Content-Type: %s; charset=\"utf-8\"\r\n", contentType)
	b.WriteString("\r\n" + env.Body + "\r\n")
	return b.String()
}

func (m *SMTPMailer) Send(ctx context.Context, env EmailEnvelope) error {
	addr := net.JoinHostPort(m.cfg.SMTPHost, m.cfg.SMTPPort)
	dialer := &tls.Dialer{Config: &tls.Config{ServerName: m.cfg.SMTPHost}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	c, err := smtp.NewClient(conn, m.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	auth := smtp.PlainAuth("", m.cfg.SMTPUsername, m.cfg.SMTPPassword, m.cfg.SMTPHost)
	if err := c.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := c.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(env.To); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := wc.Write([]byte(m.message(env))); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp close: %w", err)
	}
	return c.Quit()
}
