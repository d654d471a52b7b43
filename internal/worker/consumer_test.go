package worker

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freight/backend/features/job"
	"freight/backend/internal/dispatch"
)

func nsqMessage(body []byte) *nsq.Message {
	return nsq.NewMessage(nsq.MessageID{}, body)
}

func TestTaskConsumer_PushesValidTask(t *testing.T) {
	lanes := dispatch.NewLanes(dispatch.LanesConfig{})
	c := NewTaskConsumer(lanes, dispatch.LaneHigh, slog.Default())

	body, err := json.Marshal(job.Task{JobID: "j1", TenantID: "t1", BatchID: "b1", Attempt: 2})
	require.NoError(t, err)

	require.NoError(t, c.HandleMessage(nsqMessage(body)))

	normal, high := lanes.Depths()
	assert.Zero(t, normal)
	assert.Equal(t, 1, high)
}

func TestTaskConsumer_DropsBadMessages(t *testing.T) {
	lanes := dispatch.NewLanes(dispatch.LanesConfig{})
	c := NewTaskConsumer(lanes, dispatch.LaneNormal, slog.Default())

	// Malformed and incomplete payloads are acked, never requeued: they would
	// fail identically forever.
	assert.NoError(t, c.HandleMessage(nsqMessage(nil)))
	assert.NoError(t, c.HandleMessage(nsqMessage([]byte("{not json"))))
	assert.NoError(t, c.HandleMessage(nsqMessage([]byte(`{"job_id":"j1"}`))))

	normal, high := lanes.Depths()
	assert.Zero(t, normal+high)
}
