package alerts

import (
	"context"
	"log/slog"
)

// NotificationWriter stores in-app notifications.
type NotificationWriter interface {
	Insert(ctx context.Context, n Notification) (string, error)
}

// EmailQueue schedules emails for background delivery.
type EmailQueue interface {
	Enqueue(ctx context.Context, e Email) error
}

// EventPublisher forwards lifecycle events to other services.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Broadcaster pushes events to live clients watching a request.
type Broadcaster interface {
	Broadcast(requestID string, ev Event)
}

// Dispatcher is the production Sink. Any collaborator may be nil, in which
// case that channel is skipped.
type Dispatcher struct {
	notes  NotificationWriter
	emails EmailQueue
	events EventPublisher
	live   Broadcaster
	log    *slog.Logger
}

type DispatcherOption func(*Dispatcher)

func WithNotifications(w NotificationWriter) DispatcherOption {
	return func(d *Dispatcher) { d.notes = w }
}

func WithEmailQueue(q EmailQueue) DispatcherOption {
	return func(d *Dispatcher) { d.emails = q }
}

func WithEvents(p EventPublisher) DispatcherOption {
	return func(d *Dispatcher) { d.events = p }
}

func WithBroadcaster(b Broadcaster) DispatcherOption {
	return func(d *Dispatcher) { d.live = b }
}

func NewDispatcher(log *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{log: log}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Notify(ctx context.Context, n Notification) error {
	if d.notes == nil {
		return nil
	}
	_, err := d.notes.Insert(ctx, n)
	return err
}

func (d *Dispatcher) Email(ctx context.Context, e Email) error {
	if d.emails == nil {
		d.log.Debug("email dropped, no queue", "task", e.Task, "reference", e.Reference)
		return nil
	}
	return d.emails.Enqueue(ctx, e)
}

// Publish fans an event out to the broker and to live clients. Live
// delivery does not depend on the broker.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) error {
	if d.live != nil && ev.RequestID != "" {
		d.live.Broadcast(ev.RequestID, ev)
	}
	if d.events == nil {
		return nil
	}
	return d.events.Publish(ctx, ev)
}

var _ Sink = (*Dispatcher)(nil)
