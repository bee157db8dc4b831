// Package queue provides the Redis wakeup queue for backfill jobs. The queue
// only carries job identities; the Postgres job row remains the durable state,
// so a lost message degrades latency, never correctness.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job identifies one backfill unit by its table tuple.
type Job struct {
	LibraryID       string `json:"library_id"`
	SourceLibraryID string `json:"source_library_id"`
	UserID          string `json:"user_id"`
}

type Redis struct {
	client     *redis.Client
	readyKey   string
	delayedKey string
}

func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisWithClient(client), nil
}

func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{
		client:     client,
		readyKey:   "backfill:ready",
		delayedKey: "backfill:delayed",
	}
}

// Enqueue makes the job immediately available to workers.
func (q *Redis) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.readyKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// EnqueueIn schedules the job to become available after delay. Used for the
// retry backoff schedule.
func (q *Redis) EnqueueIn(ctx context.Context, job Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	score := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: score, Member: payload}).Err(); err != nil {
		return fmt.Errorf("enqueue delayed job: %w", err)
	}
	return nil
}

// PromoteDue moves every delayed job whose time has come onto the ready list
// and returns how many were promoted.
func (q *Redis) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("range delayed jobs: %w", err)
	}

	promoted := 0
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayedKey, member).Result()
		if err != nil {
			return promoted, fmt.Errorf("remove delayed job: %w", err)
		}
		if removed == 0 {
			// Another worker promoted it first.
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey, member).Err(); err != nil {
			return promoted, fmt.Errorf("promote delayed job: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// Dequeue promotes due delayed jobs, then blocks up to timeout for a ready
// job. ok=false means the wait timed out.
func (q *Redis) Dequeue(ctx context.Context, timeout time.Duration) (Job, bool, error) {
	if _, err := q.PromoteDue(ctx); err != nil {
		return Job{}, false, err
	}

	result, err := q.client.BRPop(ctx, timeout, q.readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("dequeue job: %w", err)
	}
	if len(result) != 2 {
		return Job{}, false, fmt.Errorf("unexpected brpop reply of length %d", len(result))
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return Job{}, false, fmt.Errorf("unmarshal job: %w", err)
	}
	return job, true, nil
}

func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Redis) Close() error {
	return q.client.Close()
}
