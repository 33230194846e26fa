package marketplace

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sudo-init-do/strathshare/internal/alerts"
	"github.com/sudo-init-do/strathshare/internal/apperr"
	"github.com/sudo-init-do/strathshare/internal/auth"
	"github.com/sudo-init-do/strathshare/internal/mpesa"
)

const (
	PaymentModeDemo  = "demo"
	PaymentModeMPesa = "mpesa"
)

// Gateway starts an asynchronous mobile-money collection.
type Gateway interface {
	STKPush(ctx context.Context, in mpesa.STKRequest) (mpesa.STKResponse, error)
}

// Engine owns the request lifecycle and the payment and review workflows
// coupled to it. Side effects are collected while a unit of work runs and
// dispatched only after it commits.
type Engine struct {
	store          Store
	sink           alerts.Sink
	gateway        Gateway
	mode           string
	log            *slog.Logger
	tracer         trace.Tracer
	now            func() time.Time
	notifyTimeout  time.Duration
	gatewayTimeout time.Duration
	adminEmail     string
}

type Option func(*Engine)

func WithGateway(g Gateway, timeout time.Duration) Option {
	return func(e *Engine) {
		e.gateway = g
		if timeout > 0 {
			e.gatewayTimeout = timeout
		}
	}
}

func WithPaymentMode(mode string) Option { return func(e *Engine) { e.mode = mode } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithNotifyTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.notifyTimeout = d
		}
	}
}

// WithAdminEmail sets where abandon alerts are mailed.
func WithAdminEmail(addr string) Option { return func(e *Engine) { e.adminEmail = addr } }

func NewEngine(store Store, sink alerts.Sink, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		sink:           sink,
		mode:           PaymentModeDemo,
		log:            slog.Default(),
		tracer:         otel.Tracer("github.com/sudo-init-do/strathshare/internal/marketplace"),
		now:            time.Now,
		notifyTimeout:  5 * time.Second,
		gatewayTimeout: 15 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	if e.sink == nil {
		e.sink = discardSink{}
	}
	return e
}

func (e *Engine) PaymentMode() string { return e.mode }

// outbox collects the side effects of one unit of work.
type outbox struct {
	notes  []alerts.Notification
	emails []alerts.Email
	events []alerts.Event
}

func (o *outbox) notify(n alerts.Notification) { o.notes = append(o.notes, n) }

func (o *outbox) email(m alerts.Email) {
	if m.Envelope.To == "" {
		return
	}
	o.emails = append(o.emails, m)
}

func (o *outbox) event(key, requestID string, data map[string]any) {
	o.events = append(o.events, alerts.Event{Key: key, RequestID: requestID, Data: data})
}

// flush delivers the outbox on a context detached from the caller so a
// finished HTTP request does not cut dispatch short. Failures are logged.
func (e *Engine) flush(ctx context.Context, ob *outbox) {
	if ob == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.notifyTimeout)
	defer cancel()

	for _, n := range ob.notes {
		if err := e.sink.Notify(ctx, n); err != nil {
			e.log.Warn("notification failed", "user_id", n.UserID, "type", n.Type, "error", err)
		}
	}
	for _, m := range ob.emails {
		if err := e.sink.Email(ctx, m); err != nil {
			e.log.Warn("email enqueue failed", "task", m.Task, "reference", m.Reference, "error", err)
		}
	}
	at := e.now()
	for _, ev := range ob.events {
		ev.At = at
		if err := e.sink.Publish(ctx, ev); err != nil {
			e.log.Warn("event publish failed", "key", ev.Key, "request_id", ev.RequestID, "error", err)
		}
	}
}

func (e *Engine) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "marketplace."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Message(err))
	}
	span.End()
}

func requirePrincipal(p auth.Principal) error {
	if p.UserID == "" {
		return apperr.Forbidden("Authentication required")
	}
	return nil
}

// internal wraps foreign errors and passes classified ones through.
func internal(err error, message string) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Internal(err, message)
}

func loadRequest(ctx context.Context, q Queries, id string) (Request, error) {
	r, err := q.RequestByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Request{}, apperr.NotFound("Request not found")
	}
	if err != nil {
		return Request{}, apperr.Internal(err, "failed to load request")
	}
	return r, nil
}

func loadUser(ctx context.Context, q Queries, id string) (User, error) {
	u, err := q.UserByID(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return User{}, apperr.Internal(err, "failed to load user")
	}
	return u, err
}

type discardSink struct{}

func (discardSink) Notify(context.Context, alerts.Notification) error { return nil }
func (discardSink) Email(context.Context, alerts.Email) error         { return nil }
func (discardSink) Publish(context.Context, alerts.Event) error       { return nil }
