package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sudo-init-do/strathshare/internal/alerts"
)

// Auditor records every lifecycle event and escalates failed payments to
// the operations inbox.
type Auditor struct {
	log        *slog.Logger
	emails     alerts.EmailQueue
	adminEmail string
}

func NewAuditor(log *slog.Logger, emails alerts.EmailQueue, adminEmail string) *Auditor {
	return &Auditor{log: log, emails: emails, adminEmail: adminEmail}
}

func (a *Auditor) Handle(ctx context.Context, ev alerts.Event) error {
	a.log.Info("lifecycle event",
		"key", ev.Key,
		"request_id", ev.RequestID,
		"at", ev.At,
		"data", ev.Data,
	)

	if ev.Key != "payment.failed" || a.emails == nil || a.adminEmail == "" {
		return nil
	}
	msg := fmt.Sprintf("Payment failed for request %s (transaction %v): %v",
		ev.RequestID, ev.Data["transaction_id"], ev.Data["reason"])
	return a.emails.Enqueue(ctx, alerts.AdminAlertEmail(a.adminEmail, "warning", msg))
}
