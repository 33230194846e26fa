package marketplace

import (
	"context"
	"fmt"
	"time"

	"github.com/sudo-init-do/strathshare/internal/alerts"
	"github.com/sudo-init-do/strathshare/internal/apperr"
)

const ReasonPaymentTimeout = "payment timed out"

// ExpirePayments fails gateway transactions that were never confirmed
// within olderThan, so the seeker can pay again. A non-positive olderThan
// disables it.
func (e *Engine) ExpirePayments(ctx context.Context, olderThan time.Duration, batch int) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	if batch <= 0 {
		batch = 100
	}
	cutoff := e.now().Add(-olderThan)

	var stale []Transaction
	err := e.store.Read(ctx, func(q Queries) error {
		var err error
		stale, err = q.StalePayments(ctx, cutoff, batch)
		return err
	})
	if err != nil {
		return 0, apperr.Internal(err, "failed to list stale payments")
	}

	n := 0
	for _, t := range stale {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		ok, err := e.expire(ctx, t)
		if err != nil {
			e.log.Error("expire payment", "transaction_id", t.ID, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (e *Engine) expire(ctx context.Context, t Transaction) (bool, error) {
	var (
		ob      outbox
		expired bool
	)
	err := e.store.InTx(ctx, func(q Queries) error {
		if t.CheckoutRequestID != nil {
			if err := q.LockCheckout(ctx, *t.CheckoutRequestID); err != nil {
				return err
			}
		}
		ok, err := q.TransitionTransaction(ctx, TxTransition{
			ID:            t.ID,
			From:          []TxStatus{TxPending, TxProcessing},
			To:            TxFailed,
			FailureReason: ReasonPaymentTimeout,
			At:            e.now(),
		})
		if err != nil || !ok {
			return err
		}
		expired = true

		ob.notify(alerts.Notification{
			UserID:        t.PayerID,
			Type:          alerts.NotifySystem,
			Title:         "Payment Not Completed",
			Message:       fmt.Sprintf("We did not receive a confirmation for your payment of %s. You can try again.", alerts.FormatKES(t.Amount)),
			ReferenceID:   t.ID,
			ReferenceType: "transaction",
		})
		ob.event("payment.failed", t.RequestID, map[string]any{"transaction_id": t.ID, "reason": ReasonPaymentTimeout})
		return nil
	})
	if err != nil {
		return false, err
	}
	e.flush(ctx, &ob)
	return expired, nil
}
