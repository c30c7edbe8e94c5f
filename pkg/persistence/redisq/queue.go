// Package redisq implements a Redis-backed due queue for scheduled
// follow-ups. Schedule ids are kept in a sorted set scored by their due time,
// so a poll cycle fetches due work with a single range query instead of a
// table scan.
package redisq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueueKey = "flowengine:followups:due"

type FollowUpQueue struct {
	client *redis.Client
	key    string
}

func NewFollowUpQueue(client *redis.Client) *FollowUpQueue {
	return &FollowUpQueue{
		client: client,
		key:    defaultQueueKey,
	}
}

// Schedule enqueues a follow-up id scored by its due time. Re-scheduling an
// existing id overwrites the score, which is exactly what retry backoff needs.
func (q *FollowUpQueue) Schedule(ctx context.Context, scheduleID string, dueAt time.Time) error {
	err := q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: scheduleID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule follow-up %s: %w", scheduleID, err)
	}

	return nil
}

// Cancel removes a follow-up id from the queue. Removing an absent member is
// not an error.
func (q *FollowUpQueue) Cancel(ctx context.Context, scheduleID string) error {
	if err := q.client.ZRem(ctx, q.key, scheduleID).Err(); err != nil {
		return fmt.Errorf("failed to cancel follow-up %s: %w", scheduleID, err)
	}

	return nil
}

// PopDue fetches and removes up to limit ids whose due time has passed.
// Read and removal are two commands; the scheduler runs a single poller per
// deployment, so the window between them carries no double-claim risk.
func (q *FollowUpQueue) PopDue(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)

	due, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   maxScore,
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due follow-ups: %w", err)
	}

	if len(due) == 0 {
		return nil, nil
	}

	members := make([]any, len(due))
	for i, id := range due {
		members[i] = id
	}

	if err := q.client.ZRem(ctx, q.key, members...).Err(); err != nil {
		return nil, fmt.Errorf("failed to claim due follow-ups: %w", err)
	}

	return due, nil
}

// Len reports the number of queued follow-ups.
func (q *FollowUpQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}

	return n, nil
}
