package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	QueueEmails = "emails"
	QueueAlerts = "alerts"
)

// TaskEnqueuer is satisfied by *asynq.Client.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Queue schedules emails for the worker.
type Queue struct {
	client TaskEnqueuer
	now    func() time.Time
}

func NewQueue(client TaskEnqueuer) *Queue {
	return &Queue{client: client, now: time.Now}
}

// NewEmailTask builds the asynq task that delivers e.
func NewEmailTask(e Email, queuedAt time.Time) (*asynq.Task, error) {
	if e.Task == "" {
		return nil, fmt.Errorf("email without task type")
	}
	b, err := json.Marshal(EmailPayload{Reference: e.Reference, Envelope: e.Envelope, QueuedAt: queuedAt})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(e.Task, b), nil
}

// emailOptions routes admin alerts to their own queue.
func emailOptions(task string) []asynq.Option {
	queue := QueueEmails
	if task == TaskAdminAlert {
		queue = QueueAlerts
	}
	return []asynq.Option{asynq.Queue(queue), asynq.MaxRetry(5), asynq.Timeout(30 * time.Second)}
}

// Enqueue schedules e. It does not wait for delivery.
func (q *Queue) Enqueue(ctx context.Context, e Email) error {
	task, err := NewEmailTask(e, q.now())
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueContext(ctx, task, emailOptions(e.Task)...)
	return err
}
