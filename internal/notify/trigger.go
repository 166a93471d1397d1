// Package notify delivers best-effort push notifications for new messages.
// Nothing here ever reports failure back to the caller: errors are logged,
// counted and dropped. There is no retry.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/antonioobaid/linkly/internal/logging"
	"github.com/antonioobaid/linkly/internal/metrics"
)

// Pusher talks to a push provider.
type Pusher interface {
	Push(ctx context.Context, recipientID, text string) error
}

// NoopPusher is used when no provider is configured.
type NoopPusher struct{}

func (NoopPusher) Push(ctx context.Context, recipientID, text string) error {
	metrics.Notifications.WithLabelValues("skipped").Inc()
	return nil
}

type job struct {
	recipientID string
	text        string
}

// AsyncTrigger hands notifications to a fixed pool of workers through a
// bounded queue. Notify never blocks; a full queue drops the notification.
type AsyncTrigger struct {
	pusher  Pusher
	queue   chan job
	workers int
	timeout time.Duration
	log     zerolog.Logger
}

func NewAsyncTrigger(p Pusher, workers, queueSize int) *AsyncTrigger {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &AsyncTrigger{
		pusher:  p,
		queue:   make(chan job, queueSize),
		workers: workers,
		timeout: 10 * time.Second,
		log:     logging.With("notify"),
	}
}

func (t *AsyncTrigger) Notify(ctx context.Context, recipientID, text string) {
	if recipientID == "" {
		return
	}
	select {
	case t.queue <- job{recipientID: recipientID, text: text}:
	default:
		metrics.Notifications.WithLabelValues("dropped").Inc()
		t.log.Warn().Str("recipient_id", recipientID).Msg("notification queue full, dropping")
	}
}

// Run starts the workers and blocks until ctx is cancelled and they have exited.
func (t *AsyncTrigger) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < t.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-t.queue:
					t.push(ctx, j)
				}
			}
		}()
	}
	wg.Wait()
}

func (t *AsyncTrigger) push(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	defer func() {
		// A panicking provider client must not take the worker down.
		if r := recover(); r != nil {
			metrics.Notifications.WithLabelValues("failed").Inc()
			t.log.Error().Interface("panic", r).Str("recipient_id", j.recipientID).Msg("push panicked")
		}
	}()
	if err := t.pusher.Push(ctx, j.recipientID, j.text); err != nil {
		metrics.Notifications.WithLabelValues("failed").Inc()
		t.log.Error().Err(err).Str("recipient_id", j.recipientID).Msg("push failed")
	}
}
