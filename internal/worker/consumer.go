package worker

import (
	"encoding/json"
	"log/slog"

	"github.com/nsqio/go-nsq"

	"freight/backend/features/job"
	"freight/backend/internal/config"
	"freight/backend/internal/dispatch"
)

// TaskConsumer feeds transport messages into the in-process lanes. One
// consumer per topic; the topic determines the lane.
type TaskConsumer struct {
	lanes  *dispatch.Lanes
	lane   dispatch.Lane
	logger *slog.Logger
}

func NewTaskConsumer(lanes *dispatch.Lanes, lane dispatch.Lane, logger *slog.Logger) *TaskConsumer {
	return &TaskConsumer{lanes: lanes, lane: lane, logger: logger}
}

func (c *TaskConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var task job.Task
	if err := json.Unmarshal(m.Body, &task); err != nil {
		c.logger.Error("invalid task payload, dropping", "error", err)
		return nil // don't retry malformed messages
	}
	if task.JobID == "" || task.BatchID == "" || task.TenantID == "" {
		c.logger.Error("task missing required fields, dropping",
			"job_id", task.JobID, "batch_id", task.BatchID)
		return nil
	}

	c.lanes.Push(task, c.lane)
	return nil
}

// StartConsumers connects NSQ consumers for both lanes through lookupd.
// Returned consumers should be stopped on shutdown.
func StartConsumers(cfg *config.Config, lanes *dispatch.Lanes, logger *slog.Logger) ([]*nsq.Consumer, error) {
	topics := []struct {
		topic string
		lane  dispatch.Lane
	}{
		{config.TopicMigrateBatch, dispatch.LaneNormal},
		{config.TopicMigrateRetry, dispatch.LaneHigh},
	}

	var consumers []*nsq.Consumer
	for _, t := range topics {
		nsqCfg := nsq.NewConfig()
		consumer, err := nsq.NewConsumer(t.topic, "freight-worker", nsqCfg)
		if err != nil {
			return consumers, err
		}
		handler := NewTaskConsumer(lanes, t.lane, logger)
		consumer.AddHandler(nsq.HandlerFunc(handler.HandleMessage))

		if err := consumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
			return consumers, err
		}
		logger.Info("task consumer connected", "topic", t.topic, "lane", t.lane.String())
		consumers = append(consumers, consumer)
	}
	return consumers, nil
}
