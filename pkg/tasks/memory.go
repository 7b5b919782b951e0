package tasks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for tests and single-instance deployments.
type MemoryQueue struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{tasks: make(map[string]*Task)}
}

// Push implements Queue
func (q *MemoryQueue) Push(_ context.Context, task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	taskCopy := *task
	q.tasks[task.ID] = &taskCopy
	return nil
}

// Lease implements Queue
func (q *MemoryQueue) Lease(_ context.Context, now time.Time, max int, lease time.Duration) ([]*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Task
	for _, t := range q.tasks {
		if !t.RunAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].RunAt.Before(due[j].RunAt)
	})
	if max > 0 && len(due) > max {
		due = due[:max]
	}

	leased := make([]*Task, len(due))
	for i, t := range due {
		taskCopy := *t
		leased[i] = &taskCopy
		t.RunAt = now.Add(lease)
	}
	return leased, nil
}

// Ack implements Queue
func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, id)
	return nil
}

// Pending returns a snapshot of queued tasks, leased ones included, ordered by RunAt.
func (q *MemoryQueue) Pending() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		taskCopy := *t
		result = append(result, &taskCopy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RunAt.Before(result[j].RunAt) })
	return result
}

// Len returns the number of queued tasks.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
