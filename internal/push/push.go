// Package push asks the push-delivery service to send pending notifications.
// Requests are queued as asynq tasks so a send never waits on delivery.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"chatpipe/internal/conversation"
	"chatpipe/internal/logging"
)

// TaskDeliverPending is the asynq task type.
const TaskDeliverPending = "push:deliver_pending"

// DefaultQueue is the queue tasks go to when none is configured.
const DefaultQueue = "push"

var ErrInvalidPayload = errors.New("push: invalid task payload")

// DeliverPendingPayload is the task body.
type DeliverPendingPayload struct {
	Limit int `json:"limit"`
}

// NewDeliverPendingTask builds the task for limit notifications.
func NewDeliverPendingTask(limit int) (*asynq.Task, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidPayload)
	}
	payload, err := json.Marshal(DeliverPendingPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDeliverPending, payload), nil
}

// ParseDeliverPending decodes a task built by NewDeliverPendingTask.
func ParseDeliverPending(t *asynq.Task) (DeliverPendingPayload, error) {
	var p DeliverPendingPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Limit <= 0 {
		return p, fmt.Errorf("%w: limit must be positive", ErrInvalidPayload)
	}
	return p, nil
}

// enqueuer is the part of *asynq.Client the notifier uses.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// AsynqNotifier implements conversation.Notifier on an asynq queue.
type AsynqNotifier struct {
	client enqueuer
	queue  string
	// coalesce drops repeated requests inside this window.
	coalesce time.Duration
	logger   *slog.Logger
}

var _ conversation.Notifier = (*AsynqNotifier)(nil)

// NewAsynqNotifier connects to the Redis instance at redisURL.
func NewAsynqNotifier(redisURL, queue string, coalesce time.Duration, logger *slog.Logger) (*AsynqNotifier, error) {
	if redisURL == "" {
		return nil, errors.New("push: redis url is required")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("push: parse redis url: %w", err)
	}
	return newNotifier(asynq.NewClient(opt), queue, coalesce, logger), nil
}

func newNotifier(c enqueuer, queue string, coalesce time.Duration, logger *slog.Logger) *AsynqNotifier {
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = logging.Component("push")
	}
	return &AsynqNotifier{client: c, queue: queue, coalesce: coalesce, logger: logger}
}

// NotifyPending queues a delivery of up to limit pending notifications.
func (n *AsynqNotifier) NotifyPending(ctx context.Context, limit int) error {
	task, err := NewDeliverPendingTask(limit)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.Queue(n.queue), asynq.MaxRetry(3)}
	if n.coalesce > 0 {
		opts = append(opts, asynq.Unique(n.coalesce))
	}

	info, err := n.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("push: enqueue: %w", err)
	}
	n.logger.Debug("delivery queued", "task", info.ID, "limit", limit)
	return nil
}

// Close releases the Redis connection.
func (n *AsynqNotifier) Close() error {
	return n.client.Close()
}

// Deliverer sends up to limit pending notifications.
type Deliverer func(ctx context.Context, limit int) error

// Worker consumes delivery tasks.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker creates a worker on redisURL that passes each task to deliver.
func NewWorker(redisURL, queue string, concurrency int, deliver Deliverer, logger *slog.Logger) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("push: parse redis url: %w", err)
	}
	if queue == "" {
		queue = DefaultQueue
	}
	if concurrency <= 0 {
		concurrency = 2
	}
	if logger == nil {
		logger = logging.Component("push")
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Warn("delivery task failed", "type", task.Type(), "error", err)
		}),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskDeliverPending, Handler(deliver))
	return &Worker{server: srv, mux: mux}, nil
}

// Handler adapts deliver to an asynq handler.
func Handler(deliver Deliverer) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		p, err := ParseDeliverPending(t)
		if err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return deliver(ctx, p.Limit)
	}
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	<-ctx.Done()
	w.server.Shutdown()
	return nil
}
