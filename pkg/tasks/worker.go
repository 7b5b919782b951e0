package tasks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

// HandlerFunc processes one task. Returning an error schedules another attempt
// unless the error is Permanent or the task ran out of attempts.
type HandlerFunc func(ctx context.Context, task *Task) error

// DeadFunc runs once a task is dropped for good, with the error that ended it.
type DeadFunc func(ctx context.Context, task *Task, err error)

// ErrorReporter forwards failures to an error-tracking sink.
type ErrorReporter interface {
	Report(ctx context.Context, err error, fields ...lifecycle.Field)
}

// LogReporter reports errors through a logger.
type LogReporter struct {
	Logger lifecycle.Logger
}

// Report implements ErrorReporter
func (r *LogReporter) Report(_ context.Context, err error, fields ...lifecycle.Field) {
	r.Logger.Error("Task failed", append(fields, lifecycle.F("error", err))...)
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// Concurrency bounds how many tasks run at once (default: 4)
	Concurrency int

	// PollInterval is the pause between empty polls (default: 1 second)
	PollInterval time.Duration

	// MaxAttempts before a failing task is dropped (default: 5)
	MaxAttempts int

	// InitialBackoff before the second attempt; doubles per attempt (default: 10 seconds)
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts (default: 10 minutes)
	MaxBackoff time.Duration

	// Lease hides a task from other pollers while it runs. A worker that dies
	// mid-task leaves it to be picked up again after this long (default: 5 minutes).
	Lease time.Duration

	Metrics  Metrics
	Logger   lifecycle.Logger
	Reporter ErrorReporter
	Now      func() time.Time
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:    4,
		PollInterval:   time.Second,
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Second,
		MaxBackoff:     10 * time.Minute,
		Lease:          5 * time.Minute,
	}
}

// Worker pops due tasks from a queue and runs their handlers.
type Worker struct {
	queue    Queue
	config   WorkerConfig
	sem      *semaphore.Weighted
	metrics  Metrics
	logger   lifecycle.Logger
	reporter ErrorReporter

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	dead     map[string]DeadFunc
}

// NewWorker creates a worker consuming queue.
func NewWorker(queue Queue, config WorkerConfig) *Worker {
	defaults := DefaultWorkerConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.Lease <= 0 {
		config.Lease = defaults.Lease
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &lifecycle.NoopLogger{}
	}
	if config.Reporter == nil {
		config.Reporter = &LogReporter{Logger: config.Logger}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Worker{
		queue:    queue,
		config:   config,
		sem:      semaphore.NewWeighted(int64(config.Concurrency)),
		metrics:  config.Metrics,
		logger:   config.Logger,
		reporter: config.Reporter,
		handlers: make(map[string]HandlerFunc),
		dead:     make(map[string]DeadFunc),
	}
}

// Handle registers the handler for tasks named name.
func (w *Worker) Handle(name string, handler HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = handler
}

// HandleDead registers fn to run when a task named name is dropped.
func (w *Worker) HandleDead(name string, fn DeadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dead[name] = fn
}

func (w *Worker) handler(name string) (HandlerFunc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[name]
	return h, ok
}

// Run polls the queue until ctx is done. In-flight tasks finish before it returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Task worker started", lifecycle.F("concurrency", w.config.Concurrency))

	for {
		n, err := w.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("Task poll failed", lifecycle.F("error", err))
		}

		if n > 0 && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Task worker stopped")
			return nil
		case <-time.After(w.config.PollInterval):
		}
	}
}

// RunOnce leases one batch of due tasks, runs them and waits for them to finish.
// It returns the number of tasks processed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	due, err := w.queue.Lease(ctx, w.config.Now().UTC(), w.config.Concurrency, w.config.Lease)
	if err != nil {
		return 0, fmt.Errorf("failed to lease due tasks: %w", err)
	}

	var g errgroup.Group
	for _, task := range due {
		// tasks already leased run to completion even if ctx is canceled
		if err := w.sem.Acquire(context.WithoutCancel(ctx), 1); err != nil {
			return 0, err
		}
		g.Go(func() error {
			defer w.sem.Release(1)
			w.process(context.WithoutCancel(ctx), task)
			return nil
		})
	}
	_ = g.Wait()
	return len(due), nil
}

func (w *Worker) process(ctx context.Context, task *Task) {
	start := time.Now()
	err := w.execute(ctx, task)
	if err == nil {
		w.ack(ctx, task)
		w.metrics.RecordTaskProcessed(task.Name, "success", time.Since(start))
		return
	}

	task.Attempts++
	task.LastError = err.Error()
	fields := []lifecycle.Field{
		lifecycle.F("task_id", task.ID),
		lifecycle.F("task", task.Name),
		lifecycle.F("attempts", task.Attempts),
	}

	if IsPermanent(err) || task.Attempts >= w.config.MaxAttempts {
		w.ack(ctx, task)
		w.metrics.RecordTaskProcessed(task.Name, "dead", time.Since(start))
		w.reporter.Report(ctx, err, fields...)
		w.runDead(ctx, task, err)
		return
	}

	task.RunAt = w.config.Now().UTC().Add(w.backoff(task.Attempts))
	if pushErr := w.queue.Push(ctx, task); pushErr != nil {
		w.reporter.Report(ctx, fmt.Errorf("failed to requeue task after %v: %w", err, pushErr), fields...)
		return
	}
	w.metrics.RecordTaskProcessed(task.Name, "retry", time.Since(start))
	w.logger.Warn("Task failed, retrying",
		append(fields,
			lifecycle.F("retry_at", task.RunAt.Format(time.RFC3339)),
			lifecycle.F("error", err),
		)...,
	)
}

func (w *Worker) ack(ctx context.Context, task *Task) {
	if err := w.queue.Ack(ctx, task.ID); err != nil {
		// the lease runs out and the task is delivered again
		w.logger.Warn("Failed to ack task",
			lifecycle.F("task_id", task.ID),
			lifecycle.F("task", task.Name),
			lifecycle.F("error", err),
		)
	}
}

func (w *Worker) runDead(ctx context.Context, task *Task, err error) {
	w.mu.RLock()
	fn, ok := w.dead[task.Name]
	w.mu.RUnlock()
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			w.metrics.RecordTaskPanic(task.Name)
			w.logger.Error("Dead task hook panicked",
				lifecycle.F("task_id", task.ID),
				lifecycle.F("task", task.Name),
				lifecycle.F("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn(ctx, task, err)
}

// execute runs the handler, turning a panic into an error.
func (w *Worker) execute(ctx context.Context, task *Task) (err error) {
	handler, ok := w.handler(task.Name)
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrUnknownTask, task.Name))
	}

	defer func() {
		if r := recover(); r != nil {
			w.metrics.RecordTaskPanic(task.Name)
			w.logger.Error("Task handler panicked",
				lifecycle.F("task_id", task.ID),
				lifecycle.F("task", task.Name),
				lifecycle.F("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()

	return handler(ctx, task)
}

// backoff returns the delay before attempt+1.
func (w *Worker) backoff(attempt int) time.Duration {
	d := float64(w.config.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if d > float64(w.config.MaxBackoff) {
		return w.config.MaxBackoff
	}
	return time.Duration(d)
}
