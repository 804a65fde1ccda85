// Package queue implements a durable, at-least-once job bus:
// per-job-id dedup, delayed dispatch, exponential backoff, and
// queryable counts by state. It is backed by Redis: a ZSET schedules
// waiting/delayed jobs, a HASH holds each payload, and per-id SETs carry
// the dedup guard.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisCmdable is the narrow slice of redis.Cmdable the queue actually
// calls. *redis.Client satisfies it structurally, and tests can supply a
// small fake instead of standing up a real Redis.
type redisCmdable interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SIsMember(ctx context.Context, key string, member interface{}) *redis.BoolCmd
	SCard(ctx context.Context, key string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRangeByScoreWithScores(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.ZSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
}

// Backoff describes the job-attempt retry shape.
type Backoff struct {
	BaseMs int64
}

// CleanupPolicy bounds how long/how many terminal jobs a queue retains
//.
type CleanupPolicy struct {
	Count int
	AgeMs int64
}

// Options configures one enqueue call.
type Options struct {
	JobID            string
	DelayMs          int64
	Attempts         int
	Backoff          Backoff
	RemoveOnComplete CleanupPolicy
	RemoveOnFail     CleanupPolicy
}

// Job is one unit of durable work.
type Job struct {
	ID          string
	Queue       string
	Payload     []byte
	Attempts    int
	MaxAttempts int
	BackoffMs   int64
	CreatedAt   time.Time
}

// Counts reports the queue depth by state ({waiting, active, completed,
// failed, delayed}).
type Counts struct {
	Waiting   int64
	Delayed   int64
	Active    int64
	Completed int64
	Failed    int64
}

// registeredQueuesKey tracks every logical queue name that has ever
// enqueued a job, for the orphan-key sweeper.
const registeredQueuesKey = "queues:registered"

// Queue is one logical named queue (battle-crawl, kills-fetch, mmr-calc).
type Queue struct {
	name   string
	client redisCmdable
	logger *zap.SugaredLogger
}

// New returns a handle on the named logical queue. Creating the handle does
// not register the name until the first Enqueue call.
func New(client *redis.Client, name string, logger *zap.SugaredLogger) *Queue {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Queue{name: name, client: client, logger: logger}
}

func (q *Queue) waitingKey() string    { return fmt.Sprintf("queue:%s:waiting", q.name) }
func (q *Queue) activeKey() string     { return fmt.Sprintf("queue:%s:active", q.name) }
func (q *Queue) completedKey() string  { return fmt.Sprintf("queue:%s:completed", q.name) }
func (q *Queue) failedKey() string     { return fmt.Sprintf("queue:%s:failed", q.name) }
func (q *Queue) dedupKey(id string) string { return fmt.Sprintf("queue:%s:dedup:%s", q.name, id) }
func (q *Queue) jobKey(id string) string   { return fmt.Sprintf("queue:%s:job:%s", q.name, id) }

type jobRecord struct {
	Payload     string `json:"payload"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	BackoffMs   int64  `json:"backoff_ms"`
	CreatedAt   int64  `json:"created_at"`
	RemoveOnCompleteCount int   `json:"roc_count"`
	RemoveOnCompleteAgeMs int64 `json:"roc_age_ms"`
	RemoveOnFailCount     int   `json:"rof_count"`
	RemoveOnFailAgeMs     int64 `json:"rof_age_ms"`
}

// Enqueue adds payload under opts.JobID (or a generated id). A job already
// alive under the same id is a no-op.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, opts Options) (jobID string, alreadyQueued bool, err error) {
	jobID = opts.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}

	ok, err := q.client.SetNX(ctx, q.dedupKey(jobID), "1", 0).Result()
	if err != nil {
		return "", false, fmt.Errorf("queue %s: dedup check for %s: %w", q.name, jobID, err)
	}
	if !ok {
		return jobID, true, nil
	}

	now := time.Now()
	rec := jobRecord{
		Payload:               string(payload),
		Attempts:              0,
		MaxAttempts:           opts.Attempts,
		BackoffMs:             opts.Backoff.BaseMs,
		CreatedAt:             now.UnixMilli(),
		RemoveOnCompleteCount: opts.RemoveOnComplete.Count,
		RemoveOnCompleteAgeMs: opts.RemoveOnComplete.AgeMs,
		RemoveOnFailCount:     opts.RemoveOnFail.Count,
		RemoveOnFailAgeMs:     opts.RemoveOnFail.AgeMs,
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return "", false, fmt.Errorf("queue %s: marshal job %s: %w", q.name, jobID, err)
	}

	readyAt := now.Add(time.Duration(opts.DelayMs) * time.Millisecond)
	if err := q.client.HSet(ctx, q.jobKey(jobID), "data", string(blob)).Err(); err != nil {
		return "", false, fmt.Errorf("queue %s: store job %s: %w", q.name, jobID, err)
	}
	if err := q.client.ZAdd(ctx, q.waitingKey(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: jobID}).Err(); err != nil {
		return "", false, fmt.Errorf("queue %s: schedule job %s: %w", q.name, jobID, err)
	}
	if err := q.client.SAdd(ctx, registeredQueuesKey, q.name).Err(); err != nil {
		q.logger.Warnw("failed to register queue name", "queue", q.name, "error", err)
	}

	jobsEnqueued.WithLabelValues(q.name).Inc()
	return jobID, false, nil
}

// Dequeue pops the oldest ready job (score <= now), moving it to the active
// set and incrementing its attempt count. It returns (nil, nil) when
// nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.waitingKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", time.Now().UnixMilli()), Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue %s: poll waiting: %w", q.name, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	id := ids[0]

	if removed, err := q.client.ZRem(ctx, q.waitingKey(), id).Result(); err != nil {
		return nil, fmt.Errorf("queue %s: pop %s: %w", q.name, id, err)
	} else if removed == 0 {
		return nil, nil
	}

	data, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue %s: load job %s: %w", q.name, id, err)
	}
	var rec jobRecord
	if err := json.Unmarshal([]byte(data["data"]), &rec); err != nil {
		return nil, fmt.Errorf("queue %s: decode job %s: %w", q.name, id, err)
	}

	rec.Attempts++
	if err := q.saveRecord(ctx, id, rec); err != nil {
		return nil, err
	}
	if err := q.client.SAdd(ctx, q.activeKey(), id).Err(); err != nil {
		return nil, fmt.Errorf("queue %s: mark %s active: %w", q.name, id, err)
	}

	return &Job{
		ID:          id,
		Queue:       q.name,
		Payload:     []byte(rec.Payload),
		Attempts:    rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		BackoffMs:   rec.BackoffMs,
		CreatedAt:   time.UnixMilli(rec.CreatedAt),
	}, nil
}

func (q *Queue) saveRecord(ctx context.Context, id string, rec jobRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("queue %s: marshal job %s: %w", q.name, id, err)
	}
	if err := q.client.HSet(ctx, q.jobKey(id), "data", string(blob)).Err(); err != nil {
		return fmt.Errorf("queue %s: save job %s: %w", q.name, id, err)
	}
	return nil
}

// Complete marks a job done and schedules it for policy-based cleanup. The
// dedup key is released here: a completed job is no longer alive, so the
// same deterministic job id can be enqueued again on a later crawl pass.
func (q *Queue) Complete(ctx context.Context, id string) error {
	if err := q.client.SRem(ctx, q.activeKey(), id).Err(); err != nil {
		return fmt.Errorf("queue %s: unmark active %s: %w", q.name, id, err)
	}
	if err := q.client.ZAdd(ctx, q.completedKey(), redis.Z{Score: float64(time.Now().UnixMilli()), Member: id}).Err(); err != nil {
		return fmt.Errorf("queue %s: mark completed %s: %w", q.name, id, err)
	}
	if err := q.client.Del(ctx, q.dedupKey(id)).Err(); err != nil {
		q.logger.Warnw("failed to release dedup key", "queue", q.name, "job_id", id, "error", err)
	}
	jobsCompleted.WithLabelValues(q.name).Inc()
	return nil
}

// Fail requeues the job with exponential backoff when attempts remain, else
// marks it terminally failed.
func (q *Queue) Fail(ctx context.Context, id string) error {
	data, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return fmt.Errorf("queue %s: load job %s for failure: %w", q.name, id, err)
	}
	var rec jobRecord
	if err := json.Unmarshal([]byte(data["data"]), &rec); err != nil {
		return fmt.Errorf("queue %s: decode job %s for failure: %w", q.name, id, err)
	}

	if err := q.client.SRem(ctx, q.activeKey(), id).Err(); err != nil {
		return fmt.Errorf("queue %s: unmark active %s: %w", q.name, id, err)
	}

	if rec.Attempts < rec.MaxAttempts {
		delay := time.Duration(rec.BackoffMs) * time.Millisecond * time.Duration(1<<uint(rec.Attempts-1))
		readyAt := time.Now().Add(delay)
		if err := q.client.ZAdd(ctx, q.waitingKey(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: id}).Err(); err != nil {
			return fmt.Errorf("queue %s: reschedule %s: %w", q.name, id, err)
		}
		return nil
	}

	if err := q.client.ZAdd(ctx, q.failedKey(), redis.Z{Score: float64(time.Now().UnixMilli()), Member: id}).Err(); err != nil {
		return fmt.Errorf("queue %s: mark failed %s: %w", q.name, id, err)
	}
	if err := q.client.Del(ctx, q.dedupKey(id)).Err(); err != nil {
		q.logger.Warnw("failed to release dedup key", "queue", q.name, "job_id", id, "error", err)
	}
	jobsFailed.WithLabelValues(q.name).Inc()
	return nil
}

// Counts reports the current depth by state.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	now := float64(time.Now().UnixMilli())
	waiting, err := q.client.ZRangeByScoreWithScores(ctx, q.waitingKey(), &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("queue %s: count waiting: %w", q.name, err)
	}
	var ready, delayed int64
	for _, z := range waiting {
		if z.Score <= now {
			ready++
		} else {
			delayed++
		}
	}

	active, err := q.client.SCard(ctx, q.activeKey()).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("queue %s: count active: %w", q.name, err)
	}
	completed, err := q.client.ZCard(ctx, q.completedKey()).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("queue %s: count completed: %w", q.name, err)
	}
	failed, err := q.client.ZCard(ctx, q.failedKey()).Result()
	if err != nil {
		return Counts{}, fmt.Errorf("queue %s: count failed: %w", q.name, err)
	}

	counts := Counts{Waiting: ready, Delayed: delayed, Active: active, Completed: completed, Failed: failed}
	queueDepth.WithLabelValues(q.name, "waiting").Set(float64(counts.Waiting))
	queueDepth.WithLabelValues(q.name, "delayed").Set(float64(counts.Delayed))
	queueDepth.WithLabelValues(q.name, "active").Set(float64(counts.Active))
	return counts, nil
}

// Total is the sum of every tracked state, the figure the cleanup
// supervisor tiers its sweep aggressiveness against.
func (c Counts) Total() int64 {
	return c.Waiting + c.Delayed + c.Active + c.Completed + c.Failed
}
