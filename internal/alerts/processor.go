package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// EmailTasks lists every task type the worker delivers.
var EmailTasks = []string{
	TaskWelcomeEmail,
	TaskRequestAccepted,
	TaskPaymentReceived,
	TaskPaymentConfirmation,
	TaskReviewReceived,
	TaskRequestAbandoned,
	TaskAdminAlert,
}

// Processor turns queued email tasks into mail.
type Processor struct {
	mailer Mailer
	log    *slog.Logger
}

func NewProcessor(m Mailer, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{mailer: m, log: log}
}

// Mux routes every email task to the processor.
func (p *Processor) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, t := range EmailTasks {
		mux.HandleFunc(t, p.handleEmail)
	}
	return mux
}

// NewServer builds the asynq server for the email queues.
func NewServer(redisAddr string, concurrency int, log *slog.Logger) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 5
	}
	return asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueEmails: 10,
			QueueAlerts: 5,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, t *asynq.Task, err error) {
			log.Error("[notify] task failed", "task", t.Type(), "error", err)
		}),
	})
}

func (p *Processor) handleEmail(ctx context.Context, t *asynq.Task) error {
	var payload EmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if payload.Envelope.To == "" {
		p.log.Warn("[notify] email without recipient dropped", "task", t.Type(), "reference", payload.Reference)
		return nil
	}
	if err := p.mailer.Send(ctx, payload.Envelope); err != nil {
		p.log.Error("[notify] send failed", "task", t.Type(), "reference", payload.Reference, "error", err)
		return err
	}
	p.log.Info("[notify] sent", "task", t.Type(), "to", payload.Envelope.To, "reference", payload.Reference)
	return nil
}
