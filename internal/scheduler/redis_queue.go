package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript atomically takes up to ARGV[2] members due at ARGV[1] and
// pushes their score out to ARGV[3], the lease deadline. Returns member,
// original score pairs.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, ARGV[2])
for i = 1, #due, 2 do
	redis.call('ZADD', KEYS[1], ARGV[3], due[i])
end
return due
`)

// RedisQueue stores tasks in a sorted set scored by due time in unix
// milliseconds.
type RedisQueue struct {
	client redis.Cmdable
	key    string
}

// NewRedisQueue creates a RedisQueue on the given sorted set key.
func NewRedisQueue(client redis.Cmdable, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Push(ctx context.Context, task Task) error {
	err := q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(task.DueAt.UnixMilli()),
		Member: task.member(),
	}).Err()
	if err != nil {
		return fmt.Errorf("push expiry task: %w", err)
	}
	return nil
}

func (q *RedisQueue) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Task, error) {
	res, err := claimScript.Run(ctx, q.client, []string{q.key},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.Itoa(limit),
		strconv.FormatInt(now.Add(lease).UnixMilli(), 10),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim expiry tasks: %w", err)
	}

	tasks := make([]Task, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		task, err := parseMember(res[i])
		if err != nil {
			// Unparseable members can never succeed.
			_ = q.client.ZRem(ctx, q.key, res[i]).Err()
			continue
		}
		ms, err := strconv.ParseFloat(res[i+1], 64)
		if err != nil {
			return nil, fmt.Errorf("parse task score %q: %w", res[i+1], err)
		}
		task.DueAt = time.UnixMilli(int64(ms)).UTC()
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (q *RedisQueue) Ack(ctx context.Context, task Task) error {
	if err := q.client.ZRem(ctx, q.key, task.member()).Err(); err != nil {
		return fmt.Errorf("ack expiry task: %w", err)
	}
	return nil
}
