package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gobilling/pkg/tasks"
)

// leaseScript rescores up to ARGV[2] due ids to ARGV[3] and returns their bodies in one step
var leaseScript = redis.NewScript(`
	local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
	local result = {}
	for _, id in ipairs(ids) do
		local body = redis.call('HGET', KEYS[2], id)
		if body then
			redis.call('ZADD', KEYS[1], ARGV[3], id)
			table.insert(result, body)
		else
			redis.call('ZREM', KEYS[1], id)
		end
	end
	return result
`)

// Queue implements tasks.Queue with a sorted set of ids scored by RunAt and
// a hash of task bodies. Lease is a single script, so concurrent workers on
// different instances never hold the same lease.
type Queue struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ tasks.Queue = (*Queue)(nil)

// NewQueue creates a task queue sharing the storage key prefix.
func NewQueue(client redis.UniversalClient, config Config) *Queue {
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}
	return &Queue{client: client, keyPrefix: config.KeyPrefix}
}

// Push implements tasks.Queue
func (q *Queue) Push(ctx context.Context, task *tasks.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.dataKey(), task.ID, data)
	pipe.ZAdd(ctx, q.indexKey(), redis.Z{Score: float64(task.RunAt.UnixMilli()), Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push task: %w", err)
	}
	return nil
}

// Lease implements tasks.Queue
func (q *Queue) Lease(ctx context.Context, now time.Time, max int, lease time.Duration) ([]*tasks.Task, error) {
	if max <= 0 {
		max = 100
	}

	bodies, err := leaseScript.Run(ctx, q.client, []string{q.indexKey(), q.dataKey()},
		strconv.FormatInt(now.UnixMilli(), 10), max,
		strconv.FormatInt(now.Add(lease).UnixMilli(), 10)).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to lease due tasks: %w", err)
	}

	due := make([]*tasks.Task, 0, len(bodies))
	for _, body := range bodies {
		var task tasks.Task
		if err := json.Unmarshal([]byte(body), &task); err != nil {
			return due, fmt.Errorf("failed to unmarshal task: %w", err)
		}
		due = append(due, &task)
	}
	return due, nil
}

// Ack implements tasks.Queue
func (q *Queue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.indexKey(), id)
	pipe.HDel(ctx, q.dataKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack task: %w", err)
	}
	return nil
}

// Len returns the number of queued tasks, leased ones included.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.indexKey()).Result()
}

func (q *Queue) indexKey() string {
	return q.keyPrefix + "tasks"
}

func (q *Queue) dataKey() string {
	return q.keyPrefix + "tasks:data"
}
