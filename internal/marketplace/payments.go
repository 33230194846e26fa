package marketplace

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sudo-init-do/strathshare/internal/alerts"
	"github.com/sudo-init-do/strathshare/internal/apperr"
	"github.com/sudo-init-do/strathshare/internal/auth"
	"github.com/sudo-init-do/strathshare/internal/mpesa"
)

type PayInput struct {
	ReceiverID  string          `json:"receiver_id"`
	Amount      decimal.Decimal `json:"amount"`
	PhoneNumber string          `json:"phone_number" validate:"required"`
}

type PayResult struct {
	TransactionID string          `json:"transaction_id"`
	Status        TxStatus        `json:"status"`
	Receipt       string          `json:"receipt,omitempty"`
	CheckoutID    string          `json:"checkout_id,omitempty"`
	DemoMode      bool            `json:"demo_mode"`
	Amount        decimal.Decimal `json:"amount"`
	Phone         string          `json:"phone"`
	Message       string          `json:"message"`
}

var minAmount = decimal.NewFromInt(1)

// Pay settles a request awaiting payment. In demo mode the transaction is
// created and completed in one unit of work; in mpesa mode an STK push is
// sent and settlement waits for the gateway callback.
func (e *Engine) Pay(ctx context.Context, p auth.Principal, requestID string, in PayInput) (res PayResult, err error) {
	ctx, span := e.span(ctx, "Pay",
		attribute.String("request_id", requestID),
		attribute.String("payment_mode", e.mode))
	defer func() { endSpan(span, err) }()

	if err := requirePrincipal(p); err != nil {
		return PayResult{}, err
	}
	phone, err := NormalizePhone(in.PhoneNumber)
	if err != nil {
		return PayResult{}, apperr.Validation("Invalid phone number. Use format: 254XXXXXXXXX")
	}
	amount := in.Amount
	if e.mode == PaymentModeMPesa {
		amount = amount.Round(0)
	}
	if amount.LessThan(minAmount) {
		return PayResult{}, apperr.Validation("Amount must be at least KES 1")
	}

	if e.mode == PaymentModeMPesa {
		return e.payGateway(ctx, p, requestID, in.ReceiverID, amount, phone)
	}
	return e.payDemo(ctx, p, requestID, in.ReceiverID, amount, phone)
}

func checkPayable(ctx context.Context, q Queries, p auth.Principal, requestID, receiverID string) (Request, error) {
	r, err := loadRequest(ctx, q, requestID)
	if err != nil {
		return Request{}, err
	}
	if r.SeekerID != p.UserID {
		return Request{}, apperr.Forbidden("Only the seeker can make payment")
	}
	if r.Status != StatusAwaitingPayment {
		return Request{}, apperr.Conflict("Request is not awaiting payment")
	}
	if receiverID != "" && receiverID != r.Provider() {
		return Request{}, apperr.Validation("Receiver does not match the assigned provider")
	}
	_, err = q.ActiveTransaction(ctx, r.ID)
	switch {
	case err == nil:
		return Request{}, apperr.Conflict("A payment is already in progress for this request")
	case !errors.Is(err, ErrNotFound):
		return Request{}, apperr.Internal(err, "failed to check payments")
	}
	return r, nil
}

func newTransaction(r Request, amount decimal.Decimal, method, phone string, at time.Time) Transaction {
	return Transaction{
		ID:            uuid.NewString(),
		RequestID:     r.ID,
		PayerID:       r.SeekerID,
		ReceiverID:    r.Provider(),
		Amount:        amount,
		PaymentMethod: method,
		Status:        TxPending,
		PhoneNumber:   phone,
		CreatedAt:     at,
	}
}

func insertTransaction(ctx context.Context, q Queries, t Transaction) error {
	err := q.InsertTransaction(ctx, t)
	if errors.Is(err, ErrDuplicate) {
		return apperr.Conflict("A payment is already in progress for this request")
	}
	return err
}

// demoReceipt is DEMO followed by ten upper-case hex characters.
func demoReceipt(at time.Time, transactionID string) string {
	sum := md5.Sum([]byte(strconv.FormatInt(at.UnixNano(), 10) + transactionID))
	return "DEMO" + strings.ToUpper(hex.EncodeToString(sum[:]))[:10]
}

func (e *Engine) payDemo(ctx context.Context, p auth.Principal, requestID, receiverID string, amount decimal.Decimal, phone string) (PayResult, error) {
	var (
		ob  outbox
		res PayResult
	)
	err := e.store.InTx(ctx, func(q Queries) error {
		r, err := checkPayable(ctx, q, p, requestID, receiverID)
		if err != nil {
			return err
		}

		now := e.now()
		t := newTransaction(r, amount, MethodDemo, phone, now)
		if err := insertTransaction(ctx, q, t); err != nil {
			return err
		}

		receipt := demoReceipt(now, t.ID)
		ok, err := q.TransitionTransaction(ctx, TxTransition{
			ID:      t.ID,
			From:    []TxStatus{TxPending},
			To:      TxCompleted,
			Receipt: receipt,
			At:      now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("transaction %s left pending", t.ID)
		}
		t.Status, t.GatewayReference, t.CompletedAt = TxCompleted, strPtr(receipt), &now

		if err := e.settleRequest(ctx, q, r, now); err != nil {
			return err
		}
		if err := e.settlementOutbox(ctx, q, &ob, r, t); err != nil {
			return err
		}

		res = PayResult{
			TransactionID: t.ID,
			Status:        TxCompleted,
			Receipt:       receipt,
			DemoMode:      true,
			Amount:        amount,
			Phone:         phone,
			Message:       "Payment successful (Demo Mode)",
		}
		return nil
	})
	if err != nil {
		if ae := (*apperr.Error)(nil); errors.As(err, &ae) && ae.Kind != apperr.KindInternal {
			return PayResult{}, err
		}
		e.log.Error("demo payment failed", "request_id", requestID, "error", err)
		return PayResult{}, apperr.Internal(err, "Payment processing failed")
	}

	e.flush(ctx, &ob)
	return res, nil
}

// settleRequest closes the request in the same unit of work as its transaction.
func (e *Engine) settleRequest(ctx context.Context, q Queries, r Request, at time.Time) error {
	ok, err := q.TransitionRequest(ctx, Transition{
		RequestID: r.ID,
		From:      []Status{StatusAwaitingPayment},
		To:        StatusCompleted,
		Seeker:    r.SeekerID,
		At:        at,
	})
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflict("Request is not awaiting payment")
	}
	return nil
}

func (e *Engine) settlementOutbox(ctx context.Context, q Queries, ob *outbox, r Request, t Transaction) error {
	seeker, err := loadUser(ctx, q, t.PayerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	provider, err := loadUser(ctx, q, t.ReceiverID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	receipt := ""
	if t.GatewayReference != nil {
		receipt = *t.GatewayReference
	}
	kes := alerts.FormatKES(t.Amount)

	ob.notify(alerts.Notification{
		UserID:        t.ReceiverID,
		Type:          alerts.NotifyPaymentReceived,
		Title:         "Payment Received!",
		Message:       fmt.Sprintf("You received %s from %s for: %s", kes, seeker.FullName(), r.Title),
		ReferenceID:   t.ID,
		ReferenceType: "transaction",
	})
	ob.notify(alerts.Notification{
		UserID:        t.PayerID,
		Type:          alerts.NotifyPaymentSent,
		Title:         "Payment Sent",
		Message:       fmt.Sprintf("Your payment of %s to %s was successful.", kes, provider.FullName()),
		ReferenceID:   t.ID,
		ReferenceType: "transaction",
	})
	ob.email(alerts.PaymentReceivedEmail(t.ID, provider.Email, provider.FirstName, seeker.FullName(), r.Title, t.Amount, receipt))
	ob.email(alerts.PaymentConfirmationEmail(t.ID, seeker.Email, seeker.FirstName, provider.FullName(), r.Title, t.Amount, receipt))
	ob.event("request.completed", r.ID, map[string]any{
		"transaction_id": t.ID,
		"amount":         t.Amount.StringFixed(2),
		"method":         t.PaymentMethod,
	})
	return nil
}

func (e *Engine) payGateway(ctx context.Context, p auth.Principal, requestID, receiverID string, amount decimal.Decimal, phone string) (PayResult, error) {
	if e.gateway == nil {
		return PayResult{}, apperr.Internal(errors.New("no gateway configured"), "Payment processing failed")
	}

	var t Transaction
	err := e.store.InTx(ctx, func(q Queries) error {
		r, err := checkPayable(ctx, q, p, requestID, receiverID)
		if err != nil {
			return err
		}
		t = newTransaction(r, amount, MethodMPesa, phone, e.now())
		return insertTransaction(ctx, q, t)
	})
	if err != nil {
		return PayResult{}, internal(err, "Payment processing failed")
	}

	gctx, cancel := context.WithTimeout(ctx, e.gatewayTimeout)
	resp, gerr := e.gateway.STKPush(gctx, mpesa.STKRequest{
		Phone:       phone,
		Amount:      amount.IntPart(),
		Reference:   mpesa.AccountReference,
		Description: fmt.Sprintf("Payment for service - Trans #%s", t.ID),
	})
	cancel()

	// The caller may have gone away while the gateway answered; the
	// transaction still has to leave pending.
	dctx := context.WithoutCancel(ctx)

	if gerr != nil || !resp.Accepted() {
		reason := gatewayReason(gerr, resp)
		e.log.Warn("stk push failed", "transaction_id", t.ID, "request_id", requestID, "reason", reason)
		if err := e.markFailed(dctx, t.ID, []TxStatus{TxPending}, reason); err != nil {
			e.log.Error("marking transaction failed", "transaction_id", t.ID, "error", err)
		}
		return PayResult{}, apperr.External(gerr, "M-Pesa error: %s", reason)
	}

	// A callback that raced ahead of this unit of work was parked under the
	// checkout id; it is applied here once the id is on the transaction.
	ob := outbox{events: []alerts.Event{{
		Key:       "payment.initiated",
		RequestID: requestID,
		Data:      map[string]any{"transaction_id": t.ID, "checkout_id": resp.CheckoutRequestID},
	}}}
	status := TxProcessing
	err = e.store.InTx(dctx, func(q Queries) error {
		if err := q.LockCheckout(dctx, resp.CheckoutRequestID); err != nil {
			return err
		}
		ok, err := q.TransitionTransaction(dctx, TxTransition{
			ID:         t.ID,
			From:       []TxStatus{TxPending},
			To:         TxProcessing,
			CheckoutID: resp.CheckoutRequestID,
			MerchantID: resp.MerchantRequestID,
			At:         e.now(),
		})
		if err != nil {
			return err
		}
		if !ok {
			// expired while the gateway was answering
			cur, err := q.TransactionByID(dctx, t.ID)
			if err != nil {
				return err
			}
			status = cur.Status
			return nil
		}

		cb, err := q.TakeParkedCallback(dctx, resp.CheckoutRequestID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		t.Status = TxProcessing
		t.CheckoutRequestID = strPtr(resp.CheckoutRequestID)
		if err := e.applyCallback(dctx, q, &ob, t, cb); err != nil {
			return err
		}
		cur, err := q.TransactionByID(dctx, t.ID)
		if err != nil {
			return err
		}
		status = cur.Status
		return nil
	})
	if err != nil {
		e.log.Error("recording stk push", "transaction_id", t.ID, "checkout_id", resp.CheckoutRequestID, "error", err)
		return PayResult{}, apperr.Internal(err, "Payment processing failed")
	}

	e.flush(ctx, &ob)

	return PayResult{
		TransactionID: t.ID,
		Status:        status,
		CheckoutID:    resp.CheckoutRequestID,
		Amount:        amount,
		Phone:         phone,
		Message:       "STK Push sent! Check your phone to complete payment.",
	}, nil
}

func gatewayReason(err error, resp mpesa.STKResponse) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	case err != nil:
		return err.Error()
	case resp.ResponseDescription != "":
		return resp.ResponseDescription
	case resp.CustomerMessage != "":
		return resp.CustomerMessage
	}
	return "request rejected with code " + resp.ResponseCode
}

func (e *Engine) markFailed(ctx context.Context, id string, from []TxStatus, reason string) error {
	return e.store.InTx(ctx, func(q Queries) error {
		_, err := q.TransitionTransaction(ctx, TxTransition{
			ID:            id,
			From:          from,
			To:            TxFailed,
			FailureReason: reason,
			At:            e.now(),
		})
		return err
	})
}

func (e *Engine) transaction(ctx context.Context, id string) (Transaction, error) {
	var t Transaction
	err := e.store.Read(ctx, func(q Queries) error {
		var err error
		t, err = q.TransactionByID(ctx, id)
		return err
	})
	return t, err
}

// HandleCallback applies the gateway's verdict on an STK push. Replays of a
// settled transaction are no-ops. A callback for a checkout id not yet
// recorded is parked until the STK push response is stored.
func (e *Engine) HandleCallback(ctx context.Context, cb mpesa.CallbackResult) (err error) {
	ctx, span := e.span(ctx, "HandleCallback", attribute.String("checkout_id", cb.CheckoutRequestID))
	defer func() { endSpan(span, err) }()

	if cb.CheckoutRequestID == "" {
		return apperr.Validation("missing CheckoutRequestID")
	}

	var ob outbox
	err = e.store.InTx(ctx, func(q Queries) error {
		if err := q.LockCheckout(ctx, cb.CheckoutRequestID); err != nil {
			return apperr.Internal(err, "failed to lock checkout")
		}
		t, err := q.TransactionByCheckoutID(ctx, cb.CheckoutRequestID)
		if errors.Is(err, ErrNotFound) {
			e.log.Info("callback parked", "checkout_id", cb.CheckoutRequestID, "result_code", cb.ResultCode)
			if err := q.ParkCallback(ctx, cb, e.now()); err != nil {
				return apperr.Internal(err, "failed to park callback")
			}
			return nil
		}
		if err != nil {
			return apperr.Internal(err, "failed to load transaction")
		}
		return e.applyCallback(ctx, q, &ob, t, cb)
	})
	if err != nil {
		return internal(err, "failed to process callback")
	}

	e.flush(ctx, &ob)
	return nil
}

func (e *Engine) applyCallback(ctx context.Context, q Queries, ob *outbox, t Transaction, cb mpesa.CallbackResult) error {
	switch {
	case t.Status == TxFailed && cb.Succeeded():
		// money moved after we gave up on the transaction
		e.log.Error("payment confirmed after failure", "transaction_id", t.ID, "receipt", cb.ReceiptNumber)
		if e.adminEmail != "" {
			ob.email(alerts.AdminAlertEmail(e.adminEmail, "critical",
				fmt.Sprintf("M-Pesa confirmed receipt %s for failed transaction %s (request %s). Reconcile manually.",
					cb.ReceiptNumber, t.ID, t.RequestID)))
		}
		ob.event("payment.late_confirmation", t.RequestID, map[string]any{"transaction_id": t.ID, "receipt": cb.ReceiptNumber})
		return nil
	case t.Status == TxCompleted || t.Status == TxFailed:
		e.log.Info("callback replay ignored", "transaction_id", t.ID, "status", t.Status)
		return nil
	}

	now := e.now()
	open := []TxStatus{TxPending, TxProcessing}
	if !cb.Succeeded() {
		_, err := q.TransitionTransaction(ctx, TxTransition{ID: t.ID, From: open, To: TxFailed, FailureReason: cb.ResultDesc, At: now})
		if err != nil {
			return apperr.Internal(err, "failed to update transaction")
		}
		ob.event("payment.failed", t.RequestID, map[string]any{"transaction_id": t.ID, "reason": cb.ResultDesc})
		return nil
	}

	ok, err := q.TransitionTransaction(ctx, TxTransition{ID: t.ID, From: open, To: TxCompleted, Receipt: cb.ReceiptNumber, At: now})
	if err != nil {
		return apperr.Internal(err, "failed to update transaction")
	}
	if !ok {
		return nil
	}
	t.Status, t.GatewayReference, t.CompletedAt = TxCompleted, strPtr(cb.ReceiptNumber), &now

	r, err := loadRequest(ctx, q, t.RequestID)
	if err != nil {
		return err
	}
	if err := e.settleRequest(ctx, q, r, now); err != nil {
		return err
	}
	return e.settlementOutbox(ctx, q, ob, r, t)
}

// MyTransactions lists transactions where the principal paid or was paid.
func (e *Engine) MyTransactions(ctx context.Context, p auth.Principal, limit, offset int) ([]Transaction, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return e.listTransactions(ctx, p.UserID, limit, offset)
}

// AllTransactions is the admin ledger.
func (e *Engine) AllTransactions(ctx context.Context, p auth.Principal, limit, offset int) ([]Transaction, error) {
	if !p.IsAdmin() {
		return nil, apperr.Forbidden("Admin access required")
	}
	return e.listTransactions(ctx, "", limit, offset)
}

func (e *Engine) listTransactions(ctx context.Context, userID string, limit, offset int) ([]Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	var out []Transaction
	err := e.store.Read(ctx, func(q Queries) error {
		var err error
		out, err = q.ListTransactions(ctx, userID, limit, offset)
		return err
	})
	if err != nil {
		return nil, apperr.Internal(err, "failed to list transactions")
	}
	if out == nil {
		out = []Transaction{}
	}
	return out, nil
}
