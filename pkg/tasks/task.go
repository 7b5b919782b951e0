// Package tasks provides a delayed-task scheduler and a polling worker.
//
// Producers call Scheduler.Enqueue with a task name, a JSON-encodable payload
// and the time the task becomes due. A Worker pops due tasks from a Queue and
// dispatches them to the handler registered for their name.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownTask is returned when no handler is registered for a task name
	ErrUnknownTask = errors.New("no handler registered for task")

	// ErrInvalidTask is returned when a task is missing its name or id
	ErrInvalidTask = errors.New("invalid task")
)

// Task is a unit of delayed work.
type Task struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	RunAt     time.Time       `json:"run_at"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate checks the fields every queue requires.
func (t *Task) Validate() error {
	if t == nil || t.ID == "" || t.Name == "" {
		return ErrInvalidTask
	}
	return nil
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v interface{}) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return Permanent(fmt.Errorf("failed to decode %s payload: %w", t.Name, err))
	}
	return nil
}

// Scheduler accepts work to run at or after runAt.
type Scheduler interface {
	Enqueue(ctx context.Context, name string, payload interface{}, runAt time.Time) (string, error)
}

// Queue stores tasks until they are due.
// Implementations must hand each lease of a task to at most one Lease caller.
type Queue interface {
	// Push stores a task. Pushing an id again replaces the stored task.
	Push(ctx context.Context, task *Task) error

	// Lease returns up to max tasks with RunAt <= now, earliest first, and
	// hides them until now+lease. A leased task that is neither acked nor
	// pushed again becomes due once its lease runs out.
	Lease(ctx context.Context, now time.Time, max int, lease time.Duration) ([]*Task, error)

	// Ack removes a task for good.
	Ack(ctx context.Context, id string) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The worker drops the task after
// reporting it instead of scheduling another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
