package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/creatorlens/creatorlens/internal/db"
	"github.com/redis/go-redis/v9"
)

// ErrEmpty means the lane had no entries.
var ErrEmpty = errors.New("lane empty")

// Entry is the lane payload. Postgres stays authoritative for job state;
// the lane only carries what dispatch needs. CreatedAt doubles as the ZSET
// score, so a skipped job re-enters at its original fair position.
type Entry struct {
	JobID     string      `json:"job_id"`
	TenantID  string      `json:"tenant_id"`
	Priority  db.Priority `json:"priority"`
	CreatedAt time.Time   `json:"created_at"`
}

type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func laneKey(p db.Priority) string {
	return "lane:" + string(p)
}

// member is the canonical ZSET encoding of an entry. CreatedAt is
// normalized to UTC at microsecond precision, the round trip a
// timestamptz column survives, so an entry rebuilt from its job row
// marshals to the same bytes as the one pushed at admission.
func member(e *Entry) ([]byte, float64, error) {
	n := *e
	n.CreatedAt = n.CreatedAt.UTC().Truncate(time.Microsecond)
	data, err := json.Marshal(&n)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal lane entry: %w", err)
	}
	return data, float64(n.CreatedAt.UnixNano()), nil
}

func (q *RedisQueue) Push(ctx context.Context, e *Entry) error {
	data, score, err := member(e)
	if err != nil {
		return err
	}

	err = q.client.ZAdd(ctx, laneKey(e.Priority), redis.Z{
		Score:  score,
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push lane entry: %w", err)
	}
	return nil
}

// Pop removes and returns the oldest entry from one lane.
func (q *RedisQueue) Pop(ctx context.Context, lane db.Priority) (*Entry, error) {
	res, err := q.client.ZPopMin(ctx, laneKey(lane), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop lane entry: %w", err)
	}
	if len(res) == 0 {
		return nil, ErrEmpty
	}

	var e Entry
	if err := json.Unmarshal([]byte(res[0].Member.(string)), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lane entry: %w", err)
	}
	return &e, nil
}

func (q *RedisQueue) Depth(ctx context.Context, lane db.Priority) (int64, error) {
	return q.client.ZCard(ctx, laneKey(lane)).Result()
}

// Contains reports whether a job id is already present in its lane; the
// reconcile loop uses it to avoid double-pushing queued jobs.
func (q *RedisQueue) Contains(ctx context.Context, e *Entry) (bool, error) {
	data, _, err := member(e)
	if err != nil {
		return false, err
	}
	_, err = q.client.ZScore(ctx, laneKey(e.Priority), string(data)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
