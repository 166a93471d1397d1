package notify

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"

	"github.com/antonioobaid/linkly/internal/logging"
	"github.com/antonioobaid/linkly/internal/metrics"
)

// TaskPush is the asynq task type for one push notification.
const TaskPush = "notify:push"

// QueueName keeps notifications apart from any other asynq traffic.
const QueueName = "notifications"

type pushPayload struct {
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
}

// QueueTrigger enqueues notifications on Redis for a separate worker pool.
// Tasks are never retried.
type QueueTrigger struct {
	client *asynq.Client
}

func NewQueueTrigger(redisAddr string) *QueueTrigger {
	return &QueueTrigger{client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})}
}

func NewPushTask(recipientID, text string) (*asynq.Task, error) {
	payload, err := json.Marshal(pushPayload{RecipientID: recipientID, Text: text})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPush, payload, asynq.MaxRetry(0), asynq.Queue(QueueName)), nil
}

func (q *QueueTrigger) Notify(ctx context.Context, recipientID, text string) {
	if recipientID == "" {
		return
	}
	task, err := NewPushTask(recipientID, text)
	if err == nil {
		_, err = q.client.EnqueueContext(ctx, task)
	}
	if err != nil {
		metrics.Notifications.WithLabelValues("dropped").Inc()
		logging.Error().Err(err).Str("recipient_id", recipientID).Msg("enqueue notification failed")
	}
}

func (q *QueueTrigger) Close() error {
	return q.client.Close()
}

// PushHandler processes TaskPush tasks with p.
func PushHandler(p Pusher) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload pushPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("decode push payload: %v: %w", err, asynq.SkipRetry)
		}
		if err := p.Push(ctx, payload.RecipientID, payload.Text); err != nil {
			metrics.Notifications.WithLabelValues("failed").Inc()
			logging.Error().Err(err).Str("recipient_id", payload.RecipientID).Msg("push failed")
			return fmt.Errorf("push: %v: %w", err, asynq.SkipRetry)
		}
		return nil
	}
}

// Worker consumes the notification queue.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

func NewWorker(redisAddr string, p Pusher, concurrency int) *Worker {
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logging.Warn().Err(err).Str("task", task.Type()).Msg("notification task failed")
		}),
	})
	mux := asynq.NewServeMux()
	mux.Handle(TaskPush, PushHandler(p))
	return &Worker{server: srv, mux: mux}
}

// Run blocks until ctx is cancelled, then shuts the worker down.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	<-ctx.Done()
	w.server.Shutdown()
	return nil
}
