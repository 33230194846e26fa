package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sudo-init-do/strathshare/internal/config"
)

// PlunkMailer sends through the Plunk HTTP API.
type PlunkMailer struct {
	apiKey string
	apiURL string
	from   string
	reply  string
	client *http.Client
}

func NewPlunkMailer(cfg config.Mail) (*PlunkMailer, error) {
	if cfg.PlunkAPIKey == "" {
		return nil, fmt.Errorf("plunk not configured: set PLUNK_API_KEY")
	}
	url := cfg.PlunkAPIURL
	if url == "" {
		url = "https://api.useplunk.com/v1/send"
	}
	return &PlunkMailer{
		apiKey: cfg.PlunkAPIKey,
		apiURL: url,
		from:   cfg.From,
		reply:  cfg.ReplyTo,
		client: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type plunkSendBody struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	From    string `json:"from,omitempty"`
	Reply   string `json:"reply,omitempty"`
}

func (m *PlunkMailer) Send(ctx context.Context, env EmailEnvelope) error {
	b, err := json.Marshal(plunkSendBody{
		To:      env.To,
		Subject: env.Subject,
		Body:    env.Body,
		From:    m.from,
		Reply:   m.reply,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Try to read response body for more context
		if msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10)); len(msg) > 0 {
			return fmt.Errorf("plunk send failed: status=%d body=%s", resp.StatusCode, msg)
		}
		return fmt.Errorf("plunk send failed: status=%d", resp.StatusCode)
	}
	return nil
}
