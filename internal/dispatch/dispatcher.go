package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"freight/backend/features/job"
)

// Publisher is the transport write side. *nsq.Producer satisfies it.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Config carries the queue wiring explicitly; there is no process-wide
// dispatcher state.
type Config struct {
	BatchTopic string
	RetryTopic string
}

// Dispatcher publishes task payloads onto the transport's two topics. The
// worker-side consumers feed them into Lanes, which enforces priority,
// fairness, and the single-execution guarantee.
type Dispatcher struct {
	pub    Publisher
	cfg    Config
	logger *slog.Logger
}

func NewDispatcher(pub Publisher, cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{pub: pub, cfg: cfg, logger: logger}
}

func (d *Dispatcher) publish(ctx context.Context, topic string, task job.Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := d.pub.Publish(topic, body); err != nil {
		d.logger.ErrorContext(ctx, "publish failed", "topic", topic, "batch_id", task.BatchID, "error", err)
		return fmt.Errorf("%w: publish to %s: %v", job.ErrQueueUnavailable, topic, err)
	}
	d.logger.DebugContext(ctx, "task enqueued", "topic", topic, "batch_id", task.BatchID, "attempt", task.Attempt)
	return nil
}

func (d *Dispatcher) EnqueueBatch(ctx context.Context, task job.Task) error {
	return d.publish(ctx, d.cfg.BatchTopic, task)
}

func (d *Dispatcher) EnqueueRetry(ctx context.Context, task job.Task) error {
	return d.publish(ctx, d.cfg.RetryTopic, task)
}
