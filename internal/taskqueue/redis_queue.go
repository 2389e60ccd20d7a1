package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps due tasks in the list <prefix>tasks and delayed tasks in
// the sorted set <prefix>tasks:delayed, scored by NotBefore. Values are JSON
// encoded tasks.
type RedisQueue struct {
	client  *redis.Client
	key     string
	delayed string

	// block bounds each BLPOP so delayed tasks get promoted and ctx is
	// observed.
	block time.Duration
}

// NewRedisQueue constructs a Redis-backed queue. prefix defaults to
// "boardflow:".
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "boardflow:"
	}
	return &RedisQueue{
		client:  client,
		key:     prefix + "tasks",
		delayed: prefix + "tasks:delayed",
		block:   time.Second,
	}
}

var _ Queue = (*RedisQueue)(nil)

// promoteDue moves delayed tasks whose time has come to the tail of the list.
var promoteDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, v in ipairs(due) do
	redis.call('ZREM', KEYS[1], v)
	redis.call('RPUSH', KEYS[2], v)
end
return #due
`)

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	if t.Due(time.Now()) {
		return q.client.RPush(ctx, q.key, data).Err()
	}
	return q.client.ZAdd(ctx, q.delayed, redis.Z{Score: float64(t.NotBefore.UnixMilli()), Member: data}).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		if err := promoteDue.Run(ctx, q.client, []string{q.delayed, q.key}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}

		// BLPop returns [key, value].
		res, err := q.client.BLPop(ctx, q.block, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if len(res) != 2 {
			slog.Warn("redis_queue_unexpected_reply", slog.Any("reply", res))
			continue
		}
		return DecodeTask([]byte(res[1]))
	}
}

func (q *RedisQueue) Len() int {
	ctx := context.Background()
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.key)
	delayed := pipe.ZCard(ctx, q.delayed)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("redis_queue_len_failed", slog.Any("error", err))
		return 0
	}
	return int(ready.Val() + delayed.Val())
}
