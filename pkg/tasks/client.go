package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// Client implements Scheduler on top of a Queue.
type Client struct {
	queue   Queue
	metrics Metrics
	logger  lifecycle.Logger
	now     func() time.Time
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Metrics Metrics
	Logger  lifecycle.Logger
	Now     func() time.Time
}

// NewClient creates a scheduler that pushes onto queue.
func NewClient(queue Queue, config ClientConfig) *Client {
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &lifecycle.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Client{
		queue:   queue,
		metrics: config.Metrics,
		logger:  config.Logger,
		now:     config.Now,
	}
}

// Enqueue implements Scheduler. A zero runAt means "now".
func (c *Client) Enqueue(ctx context.Context, name string, payload interface{}, runAt time.Time) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", name, err)
	}

	now := c.now().UTC()
	if runAt.IsZero() {
		runAt = now
	}

	task := &Task{
		ID:        ulid.Make().String(),
		Name:      name,
		Payload:   data,
		RunAt:     runAt.UTC(),
		CreatedAt: now,
	}
	if err := task.Validate(); err != nil {
		return "", err
	}
	if err := c.queue.Push(ctx, task); err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", name, err)
	}

	c.metrics.RecordTaskEnqueued(name)
	c.logger.Debug("Task enqueued",
		lifecycle.F("task_id", task.ID),
		lifecycle.F("task", name),
		lifecycle.F("run_at", task.RunAt.Format(time.RFC3339)),
	)
	return task.ID, nil
}
