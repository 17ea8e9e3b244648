package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// promoteDue moves delayed jobs whose score has passed onto the ready list.
var promoteDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, job in ipairs(due) do
	redis.call('ZREM', KEYS[1], job)
	redis.call('LPUSH', KEYS[2], job)
end
return #due
`)

// Redis implements Queue with a list for ready jobs and a sorted set for
// delayed ones.
type Redis struct {
	client   *redis.Client
	logger   *slog.Logger
	ready    string
	delayed  string
	lockPref string
	now      func() time.Time
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, name string, logger *slog.Logger) *Redis {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "deployments"
	}
	return &Redis{
		client:   client,
		logger:   logger.With("component", "queue"),
		ready:    "devflow:queue:" + name,
		delayed:  "devflow:queue:" + name + ":delayed",
		lockPref: "devflow:lock:deployment:",
		now:      time.Now,
	}
}

// Enqueue pushes a job, deferring it by delay when positive.
func (q *Redis) Enqueue(ctx context.Context, deploymentID string, delay time.Duration) error {
	if strings.TrimSpace(deploymentID) == "" {
		return ErrEmptyID
	}
	now := q.now().UTC()
	job := Job{DeploymentID: deploymentID, EnqueuedAt: now}
	if delay > 0 {
		job.NotBefore = now.Add(delay)
	}
	raw, err := encodeJob(job)
	if err != nil {
		return err
	}
	if delay > 0 {
		score := float64(job.NotBefore.UnixMilli())
		return q.client.ZAdd(ctx, q.delayed, redis.Z{Score: score, Member: raw}).Err()
	}
	return q.client.LPush(ctx, q.ready, raw).Err()
}

// Dequeue promotes due delayed jobs and pops the oldest ready one.
func (q *Redis) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	cutoff := strconv.FormatInt(q.now().UnixMilli(), 10)
	if err := promoteDue.Run(ctx, q.client, []string{q.delayed, q.ready}, cutoff).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("promote delayed jobs: %w", err)
	}
	if wait <= 0 {
		wait = time.Second
	}
	res, err := q.client.BRPop(ctx, wait, q.ready).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected brpop reply of length %d", len(res))
	}
	return decodeJob(res[1])
}

// Claim sets the deployment lock if nobody holds it.
func (q *Redis) Claim(ctx context.Context, deploymentID string, ttl time.Duration) (bool, error) {
	return q.client.SetNX(ctx, q.lockPref+deploymentID, q.now().UTC().Format(time.RFC3339), ttl).Result()
}

// Release drops the deployment lock.
func (q *Redis) Release(ctx context.Context, deploymentID string) error {
	return q.client.Del(ctx, q.lockPref+deploymentID).Err()
}

// Close closes the Redis client.
func (q *Redis) Close() error {
	return q.client.Close()
}
