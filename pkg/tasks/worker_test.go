package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/lifecycle"
)

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(_ context.Context, err error, _ ...lifecycle.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	queue    *MemoryQueue
	client   *Client
	worker   *Worker
	reporter *recordingReporter
	clock    *clock
}

func newFixture() *fixture {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	queue := NewMemoryQueue()
	reporter := &recordingReporter{}
	return &fixture{
		queue:  queue,
		client: NewClient(queue, ClientConfig{Now: c.Now}),
		worker: NewWorker(queue, WorkerConfig{
			Concurrency:    2,
			MaxAttempts:    3,
			InitialBackoff: time.Minute,
			Reporter:       reporter,
			Now:            c.Now,
		}),
		reporter: reporter,
		clock:    c,
	}
}

type greeting struct {
	Name string `json:"name"`
}

func TestClient_EnqueueAndDecode(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	id, err := f.client.Enqueue(ctx, "greet", greeting{Name: "ada"}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, id, 26, "ulid ids are 26 characters")

	var got greeting
	f.worker.Handle("greet", func(_ context.Context, task *Task) error {
		return task.Decode(&got)
	})

	n, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "ada", got.Name)
	assert.Zero(t, f.queue.Len())
}

func TestWorker_DelayedTaskWaitsUntilDue(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var runs int32
	f.worker.Handle("later", func(_ context.Context, _ *Task) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	_, err := f.client.Enqueue(ctx, "later", nil, f.clock.Now().Add(24*time.Hour))
	require.NoError(t, err)

	n, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(24 * time.Hour)
	n, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestWorker_RetriesWithBackoffThenDrops(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var runs int32
	f.worker.Handle("flaky", func(_ context.Context, _ *Task) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("provider timeout")
	})

	_, err := f.client.Enqueue(ctx, "flaky", nil, time.Time{})
	require.NoError(t, err)

	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, f.clock.Now().Add(time.Minute), pending[0].RunAt)
	assert.Equal(t, "provider timeout", pending[0].LastError)

	f.clock.Advance(time.Minute)
	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	pending = f.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, f.clock.Now().Add(2*time.Minute), pending[0].RunAt, "backoff doubles")

	f.clock.Advance(2 * time.Minute)
	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	assert.Zero(t, f.queue.Len(), "task dropped after MaxAttempts")
	assert.Equal(t, int32(3), atomic.LoadInt32(&runs))
	assert.Equal(t, 1, f.reporter.count())
}

func TestWorker_PermanentErrorNotRetried(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.worker.Handle("bad", func(_ context.Context, _ *Task) error {
		return Permanent(errors.New("malformed payload"))
	})
	_, err := f.client.Enqueue(ctx, "bad", nil, time.Time{})
	require.NoError(t, err)

	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, f.queue.Len())
	assert.Equal(t, 1, f.reporter.count())
}

func TestWorker_UnknownTaskDropped(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.client.Enqueue(ctx, "nobody.handles.this", nil, time.Time{})
	require.NoError(t, err)

	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, f.queue.Len())
	require.Equal(t, 1, f.reporter.count())
	assert.ErrorIs(t, f.reporter.errs[0], ErrUnknownTask)
}

func TestWorker_RecoversPanics(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.worker.Handle("boom", func(_ context.Context, _ *Task) error {
		panic("nil map")
	})
	_, err := f.client.Enqueue(ctx, "boom", nil, time.Time{})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		_, _ = f.worker.RunOnce(ctx)
	})
	require.Len(t, f.queue.Pending(), 1, "panicking task is retried")
	assert.Contains(t, f.queue.Pending()[0].LastError, "panicked")
}

func TestWorker_BoundedConcurrency(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var inside, maxInside int32
	f.worker.Handle("slow", func(_ context.Context, _ *Task) error {
		n := atomic.AddInt32(&inside, 1)
		for {
			m := atomic.LoadInt32(&maxInside)
			if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inside, -1)
		return nil
	})
	for i := 0; i < 6; i++ {
		_, err := f.client.Enqueue(ctx, "slow", i, time.Time{})
		require.NoError(t, err)
	}

	for f.queue.Len() > 0 {
		_, err := f.worker.RunOnce(ctx)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&maxInside), int32(2))
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	f.worker.Handle("tick", func(_ context.Context, _ *Task) error {
		close(done)
		return nil
	})
	_, err := f.client.Enqueue(context.Background(), "tick", nil, time.Time{})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- f.worker.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not processed")
	}
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad input")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}

func TestMemoryQueue_LeaseOrder(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, q.Push(ctx, &Task{ID: "b", Name: "x", RunAt: base.Add(2 * time.Minute)}))
	require.NoError(t, q.Push(ctx, &Task{ID: "a", Name: "x", RunAt: base.Add(time.Minute)}))
	require.NoError(t, q.Push(ctx, &Task{ID: "c", Name: "x", RunAt: base.Add(time.Hour)}))
	assert.ErrorIs(t, q.Push(ctx, &Task{Name: "x"}), ErrInvalidTask)

	now := base.Add(10 * time.Minute)
	due, err := q.Lease(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].ID)
	assert.Equal(t, "b", due[1].ID)
	assert.Equal(t, base.Add(time.Minute), due[0].RunAt, "leased copy keeps its schedule")

	due, err = q.Lease(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, due, "leased tasks are hidden")
	assert.Equal(t, 3, q.Len())

	require.NoError(t, q.Ack(ctx, "a"))
	due, err = q.Lease(ctx, now.Add(time.Minute), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1, "unacked lease runs out")
	assert.Equal(t, "b", due[0].ID)
}

func TestWorker_LostTaskIsRedelivered(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.client.Enqueue(ctx, "greet", greeting{Name: "ada"}, time.Time{})
	require.NoError(t, err)

	// a worker that leased the task and died before finishing it
	leased, err := f.queue.Lease(ctx, f.clock.Now(), 10, DefaultWorkerConfig().Lease)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	var runs int32
	f.worker.Handle("greet", func(_ context.Context, _ *Task) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	n, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "still leased")

	f.clock.Advance(DefaultWorkerConfig().Lease)
	n, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.Zero(t, f.queue.Len(), "acked after success")
}

func TestWorker_DeadHook(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var mu sync.Mutex
	dead := map[string]error{}
	onDead := func(_ context.Context, task *Task, err error) {
		mu.Lock()
		defer mu.Unlock()
		dead[task.Name] = err
	}

	f.worker.Handle("bad", func(_ context.Context, _ *Task) error {
		return Permanent(errors.New("malformed payload"))
	})
	f.worker.Handle("flaky", func(_ context.Context, _ *Task) error {
		return errors.New("provider timeout")
	})
	f.worker.Handle("fine", func(_ context.Context, _ *Task) error { return nil })
	f.worker.HandleDead("bad", onDead)
	f.worker.HandleDead("flaky", onDead)
	f.worker.HandleDead("fine", onDead)
	f.worker.HandleDead("panicky", func(_ context.Context, _ *Task, _ error) { panic("hook bug") })

	for _, name := range []string{"bad", "flaky", "fine", "panicky"} {
		_, err := f.client.Enqueue(ctx, name, nil, time.Time{})
		require.NoError(t, err)
	}

	for i := 0; i < 6; i++ {
		assert.NotPanics(t, func() {
			_, err := f.worker.RunOnce(ctx)
			require.NoError(t, err)
		})
		f.clock.Advance(time.Hour)
	}

	assert.Zero(t, f.queue.Len())
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, dead, 2)
	assert.EqualError(t, dead["bad"], "malformed payload")
	assert.EqualError(t, dead["flaky"], "provider timeout", "runs after the last attempt")
	assert.NotContains(t, dead, "fine")
}
