package alerts

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"

	"github.com/sudo-init-do/strathshare/internal/config"
)

// ResendMailer sends through the Resend API.
type ResendMailer struct {
	client *resend.Client
	from   string
	reply  string
}

func NewResendMailer(cfg config.Mail) (*ResendMailer, error) {
	if cfg.ResendAPIKey == "" {
		return nil, fmt.Errorf("resend not configured: set RESEND_API_KEY")
	}
	return &ResendMailer{client: resend.NewClient(cfg.ResendAPIKey), from: cfg.From, reply: cfg.ReplyTo}, nil
}

func (m *ResendMailer) Send(ctx context.Context, env EmailEnvelope) error {
	params := &resend.SendEmailRequest{
		From:    m.from,
		To:      []string{env.To},
		Subject: env.Subject,
		ReplyTo: m.reply,
	}
	if isHTML(env.Body) {
		params.Html = env.Body
	} else {
		params.Text = env.Body
	}
	if _, err := m.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("resend send: %w", err)
	}
	return nil
}
