package alerts

import (
	"context"
	"time"
)

// Task type constants
const (
	TaskWelcomeEmail        = "email:welcome"
	TaskRequestAccepted     = "email:request_accepted"
	TaskPaymentReceived     = "email:payment_received"
	TaskPaymentConfirmation = "email:payment_confirmation"
	TaskReviewReceived      = "email:review_received"
	TaskRequestAbandoned    = "email:request_abandoned"
	TaskAdminAlert          = "email:admin_alert"
)

// Notification types stored in the notifications table
const (
	NotifyNewRequest       = "new_request"
	NotifyRequestAccepted  = "request_accepted"
	NotifySystem           = "system"
	NotifyRequestCompleted = "request_completed"
	NotifyRequestCancelled = "request_cancelled"
	NotifyPaymentReceived  = "payment_received"
	NotifyPaymentSent      = "payment_sent"
	NotifyNewReview        = "new_review"
	NotifyNewMessage       = "new_message"
)

// Notification is one in-app alert row.
type Notification struct {
	UserID        string `json:"user_id"`
	Type          string `json:"type"`
	Title         string `json:"title"`
	Message       string `json:"message"`
	ReferenceID   string `json:"reference_id,omitempty"`
	ReferenceType string `json:"reference_type,omitempty"`
}

// Common envelope for email-like notifications
type EmailEnvelope struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Email is an envelope bound to the task type that delivers it.
type Email struct {
	Task      string        `json:"task"`
	Reference string        `json:"reference,omitempty"`
	Envelope  EmailEnvelope `json:"envelope"`
}

// EmailPayload is the asynq task body.
type EmailPayload struct {
	Reference string        `json:"reference,omitempty"`
	Envelope  EmailEnvelope `json:"envelope"`
	QueuedAt  time.Time     `json:"queued_at"`
}

// Event is a lifecycle fact published to other services and live clients.
type Event struct {
	Key       string         `json:"key"`
	RequestID string         `json:"request_id"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
}

// Sink receives side effects once a unit of work has committed.
// Implementations must not assume the caller retries.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
	Email(ctx context.Context, e Email) error
	Publish(ctx context.Context, ev Event) error
}
