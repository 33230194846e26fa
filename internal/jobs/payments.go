package jobs

import (
	"context"
	"log/slog"
	"time"
)

// PaymentExpirer fails gateway payments that were never confirmed.
type PaymentExpirer interface {
	ExpirePayments(ctx context.Context, olderThan time.Duration, batch int) (int, error)
}

// PaymentExpiryJob releases requests whose STK push was never answered, so
// the seeker can pay again.
type PaymentExpiryJob struct {
	expirer  PaymentExpirer
	after    time.Duration
	interval time.Duration
	batch    int
	log      *slog.Logger
}

func NewPaymentExpiryJob(x PaymentExpirer, after, interval time.Duration, batch int, log *slog.Logger) *PaymentExpiryJob {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PaymentExpiryJob{expirer: x, after: after, interval: interval, batch: batch, log: log}
}

func (j *PaymentExpiryJob) Enabled() bool { return j.after > 0 }

func (j *PaymentExpiryJob) Run(ctx context.Context) error {
	if !j.Enabled() {
		j.log.Info("payment expiry disabled")
		return nil
	}
	j.log.Info("payment expiry started", "after", j.after, "interval", j.interval)
	every(ctx, j.interval, j.tick)
	j.log.Info("payment expiry stopped")
	return nil
}

func (j *PaymentExpiryJob) tick(ctx context.Context) {
	n, err := j.expirer.ExpirePayments(ctx, j.after, j.batch)
	if err != nil {
		j.log.Error("payment expiry failed", "error", err, "expired", n)
		return
	}
	if n > 0 {
		j.log.Info("expired unconfirmed payments", "count", n)
	}
}
