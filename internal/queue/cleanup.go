package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cleanup age tiers.
const (
	comprehensiveMaxAge = time.Minute
	aggressiveMaxAge    = 10 * time.Minute
	normalMaxAge        = 30 * time.Minute

	comprehensiveThreshold = 1000
	aggressiveThreshold    = 500
	normalThreshold        = 100
	highFreqThreshold      = 200

	softAlarmThreshold   = 500
	forcedSweepThreshold = 1000

	keepCompleted = 50
	keepFailed    = 25
)

// cleanup removes completed/failed jobs in this queue older than maxAge,
// dropping their payload hashes along with the zset entries so terminal
// jobs never leak storage past their retention window.
func (q *Queue) cleanup(ctx context.Context, maxAge time.Duration) (removed int64, err error) {
	cutoff := fmt.Sprintf("%d", time.Now().Add(-maxAge).UnixMilli())
	for _, key := range []string{q.completedKey(), q.failedKey()} {
		ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return removed, fmt.Errorf("queue %s: cleanup list %s: %w", q.name, key, err)
		}
		if len(ids) == 0 {
			continue
		}
		jobKeys := make([]string, len(ids))
		for i, id := range ids {
			jobKeys[i] = q.jobKey(id)
		}
		if err := q.client.Del(ctx, jobKeys...).Err(); err != nil {
			return removed, fmt.Errorf("queue %s: cleanup payloads %s: %w", q.name, key, err)
		}
		n, err := q.client.ZRemRangeByScore(ctx, key, "-inf", cutoff).Result()
		if err != nil {
			return removed, fmt.Errorf("queue %s: cleanup %s: %w", q.name, key, err)
		}
		removed += n
	}
	cleanupRemoved.WithLabelValues(q.name).Add(float64(removed))
	return removed, nil
}

// trimTerminal bounds the completed/failed sets by count, independent of
// age — the remove_on_complete/remove_on_fail count budgets. Oldest
// entries (lowest score) go first, payload hashes included.
func (q *Queue) trimTerminal(ctx context.Context, maxCompleted, maxFailed int) error {
	for _, t := range []struct {
		key string
		max int
	}{
		{q.completedKey(), maxCompleted},
		{q.failedKey(), maxFailed},
	} {
		entries, err := q.client.ZRangeByScoreWithScores(ctx, t.key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
		if err != nil {
			return fmt.Errorf("queue %s: trim list %s: %w", q.name, t.key, err)
		}
		overflow := len(entries) - t.max
		if overflow <= 0 {
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Score < entries[j].Score })

		members := make([]interface{}, overflow)
		jobKeys := make([]string, overflow)
		for i := 0; i < overflow; i++ {
			id := entries[i].Member.(string)
			members[i] = id
			jobKeys[i] = q.jobKey(id)
		}
		if err := q.client.Del(ctx, jobKeys...).Err(); err != nil {
			return fmt.Errorf("queue %s: trim payloads %s: %w", q.name, t.key, err)
		}
		if err := q.client.ZRem(ctx, t.key, members...).Err(); err != nil {
			return fmt.Errorf("queue %s: trim %s: %w", q.name, t.key, err)
		}
		cleanupRemoved.WithLabelValues(q.name).Add(float64(overflow))
	}
	return nil
}

// CleanupSupervisor is a standalone ticking goroutine:
// a normal-interval tick that tiers sweep aggressiveness by total
// job count, an orphan-key sweep every second tick, and a separate
// high-frequency tick that only fires the normal tier above its own
// threshold.
type CleanupSupervisor struct {
	queues           []*Queue
	client           redisCmdable
	normalInterval   time.Duration
	highFreqInterval time.Duration
	workerInterval   time.Duration
	logger           *zap.SugaredLogger
}

// NewCleanupSupervisor builds a supervisor over the given set of logical
// queues, all backed by the same Redis client. workerInterval paces the
// count-based terminal trim that enforces each queue's keep-last budgets.
func NewCleanupSupervisor(client *redis.Client, queues []*Queue, normalInterval, highFreqInterval, workerInterval time.Duration, logger *zap.SugaredLogger) *CleanupSupervisor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CleanupSupervisor{
		queues:           queues,
		client:           client,
		normalInterval:   normalInterval,
		highFreqInterval: highFreqInterval,
		workerInterval:   workerInterval,
		logger:           logger,
	}
}

// Run ticks until ctx is cancelled, alternating normal/orphan sweeps on
// normalInterval, running the high-frequency tier on highFreqInterval, and
// trimming terminal jobs by count on workerInterval.
func (s *CleanupSupervisor) Run(ctx context.Context) {
	normalTicker := time.NewTicker(s.normalInterval)
	defer normalTicker.Stop()
	highFreqTicker := time.NewTicker(s.highFreqInterval)
	defer highFreqTicker.Stop()
	workerTicker := time.NewTicker(s.workerInterval)
	defer workerTicker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-normalTicker.C:
			tick++
			s.runNormalTick(ctx)
			if tick%2 == 0 {
				s.sweepOrphans(ctx)
			}
		case <-highFreqTicker.C:
			s.runHighFreqTick(ctx)
		case <-workerTicker.C:
			s.runWorkerTick(ctx)
		}
	}
}

// runWorkerTick enforces the keep-last-N budgets on every queue's terminal
// sets.
func (s *CleanupSupervisor) runWorkerTick(ctx context.Context) {
	for _, q := range s.queues {
		if err := q.trimTerminal(ctx, keepCompleted, keepFailed); err != nil {
			s.logger.Warnw("terminal trim failed", "queue", q.name, "error", err)
		}
	}
}

func (s *CleanupSupervisor) runNormalTick(ctx context.Context) {
	for _, q := range s.queues {
		counts, err := q.Counts(ctx)
		if err != nil {
			s.logger.Warnw("cleanup supervisor failed to read counts", "queue", q.name, "error", err)
			continue
		}

		total := counts.Total()
		var maxAge time.Duration
		switch {
		case total > comprehensiveThreshold:
			maxAge = comprehensiveMaxAge
		case total > aggressiveThreshold:
			maxAge = aggressiveMaxAge
		case total > normalThreshold:
			maxAge = normalMaxAge
		default:
			continue
		}

		removed, err := q.cleanup(ctx, maxAge)
		if err != nil {
			s.logger.Warnw("cleanup sweep failed", "queue", q.name, "error", err)
			continue
		}
		if total > softAlarmThreshold {
			s.logger.Warnw("queue depth above soft alarm threshold", "queue", q.name, "total", total)
		}
		if total > forcedSweepThreshold {
			if _, err := q.cleanup(ctx, comprehensiveMaxAge); err != nil {
				s.logger.Warnw("forced comprehensive sweep failed", "queue", q.name, "error", err)
			}
		}
		s.logger.Infow("cleanup swept queue", "queue", q.name, "total", total, "removed", removed)
	}
}

func (s *CleanupSupervisor) runHighFreqTick(ctx context.Context) {
	for _, q := range s.queues {
		counts, err := q.Counts(ctx)
		if err != nil {
			s.logger.Warnw("high-frequency cleanup failed to read counts", "queue", q.name, "error", err)
			continue
		}
		if counts.Total() <= highFreqThreshold {
			continue
		}
		removed, err := q.cleanup(ctx, normalMaxAge)
		if err != nil {
			s.logger.Warnw("high-frequency cleanup sweep failed", "queue", q.name, "error", err)
			continue
		}
		s.logger.Infow("high-frequency cleanup swept queue", "queue", q.name, "removed", removed)
	}
}

// sweepOrphans deletes every key — state zsets, job hashes, dedup keys —
// belonging to a queue name absent from the registered-queue set: "no keys
// outside registered queue names persist more than one tick".
func (s *CleanupSupervisor) sweepOrphans(ctx context.Context) {
	registered, err := s.client.SMembers(ctx, registeredQueuesKey).Result()
	if err != nil {
		s.logger.Warnw("orphan sweep failed to read registered queues", "error", err)
		return
	}
	known := make(map[string]bool, len(registered))
	for _, name := range registered {
		known[name] = true
	}

	keys, err := s.client.Keys(ctx, "queue:*").Result()
	if err != nil {
		s.logger.Warnw("orphan sweep failed to list keys", "error", err)
		return
	}

	var orphans []string
	for _, key := range keys {
		name, _, ok := strings.Cut(strings.TrimPrefix(key, "queue:"), ":")
		if !ok || known[name] {
			continue
		}
		orphans = append(orphans, key)
	}

	if len(orphans) == 0 {
		return
	}
	if _, err := s.client.Del(ctx, orphans...).Result(); err != nil {
		s.logger.Warnw("orphan sweep failed to delete keys", "error", err)
		return
	}
	s.logger.Infow("orphan sweep removed stale queue keys", "count", len(orphans))
}
