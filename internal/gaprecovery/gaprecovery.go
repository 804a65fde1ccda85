// Package gaprecovery implements the Gap-Recovery Sweeper: an
// independent driver that scans further back into the battle list than the
// Crawler Producer does, reconciling missing battles and missing MMR jobs.
// It runs in two modes — a frequent rolling scan and a once-daily deep
// scan — both built from the same recovery primitive.
package gaprecovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openmohaa/albion-mmr/internal/models"
	"github.com/openmohaa/albion-mmr/internal/queue"
	"github.com/openmohaa/albion-mmr/internal/source"
)

// Source is the narrow source.Client surface the sweeper needs.
type Source interface {
	ListBattles(ctx context.Context, page, minPlayers int) ([]source.BattleSummary, error)
	BattleDetail(ctx context.Context, albionID uint64) (source.BattleSummary, error)
}

// Store is the narrow persistence surface the sweeper needs.
type Store interface {
	BattlesExist(ctx context.Context, ids []uint64) (map[uint64]bool, error)
	UpsertBattle(ctx context.Context, b models.Battle) error
	GetSeasonActiveAt(ctx context.Context, t time.Time) (*models.Season, error)
	GetJobStatus(ctx context.Context, battleID uint64, seasonID int64) (models.JobStatus, bool, error)
}

// Enqueuer is the narrow queue.Queue surface the sweeper needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte, opts queue.Options) (jobID string, alreadyQueued bool, err error)
}

// Config tunes one Sweeper instance.
type Config struct {
	RollingPages      int
	RollingInterval   time.Duration
	MinAge            time.Duration
	MinPlayers        int
	DeepPages         int
	MaxAge            time.Duration
	SleepBetweenPages time.Duration
}

// Sweeper runs the rolling and daily-deep gap recovery scans.
type Sweeper struct {
	source      Source
	store       Store
	killsQueue  Enqueuer
	notifyQueue Enqueuer
	cfg         Config
	logger      *zap.SugaredLogger
}

// New builds a Sweeper.
func New(src Source, store Store, killsQueue, notifyQueue Enqueuer, cfg Config, logger *zap.SugaredLogger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sweeper{source: src, store: store, killsQueue: killsQueue, notifyQueue: notifyQueue, cfg: cfg, logger: logger}
}

type killsFetchPayload struct {
	AlbionID uint64 `json:"albion_id"`
}

type notifyPayload struct {
	AlbionID  uint64    `json:"albion_id"`
	StartedAt time.Time `json:"started_at"`
}

// RunRollingTicker ticks RunRolling every cfg.RollingInterval until ctx is
// cancelled. Like the Crawler, it is single-tasked: one invocation at a
// time, the next tick waiting behind the previous one.
func (s *Sweeper) RunRollingTicker(ctx context.Context) error {
	if err := s.RunRolling(ctx); err != nil {
		s.logger.Errorw("rolling gap recovery failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.RollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunRolling(ctx); err != nil {
				s.logger.Errorw("rolling gap recovery failed", "error", err)
			}
		}
	}
}

// RunRolling scans cfg.RollingPages pages, considering only battles at
// least cfg.MinAge old to avoid racing the Crawler Producer, and recovers
// every one missing a Battle row.
func (s *Sweeper) RunRolling(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.MinAge)

	for page := 0; page < s.cfg.RollingPages; page++ {
		battles, err := s.source.ListBattles(ctx, page, s.cfg.MinPlayers)
		if err != nil {
			return fmt.Errorf("gap recovery rolling: list_battles page %d: %w", page, err)
		}
		if len(battles) == 0 {
			break
		}

		candidates := filterOlderThan(battles, cutoff)
		if len(candidates) == 0 {
			continue
		}

		exists, err := s.store.BattlesExist(ctx, idsOf(candidates))
		if err != nil {
			return fmt.Errorf("gap recovery rolling: batch existence check: %w", err)
		}

		var g errgroup.Group
		for _, b := range candidates {
			b := b
			if exists[b.AlbionID] {
				continue
			}
			g.Go(func() error {
				s.recoverMissing(ctx, b)
				return nil
			})
		}
		_ = g.Wait()
	}
	return nil
}

// RunDeep performs the once-daily deep sweep: up to cfg.DeepPages pages,
// stopping once the oldest battle on a page exceeds cfg.MaxAge. Like the
// rolling mode, it only considers battles at least cfg.MinAge old, so it
// never races the crawler on a fight still being ingested. Present battles
// are checked for a terminal MmrCalculationJob and, if absent, get only a
// notification re-enqueue — never a kills-fetch, which would risk double
// MMR processing.
func (s *Sweeper) RunDeep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.MinAge)

	for page := 0; page < s.cfg.DeepPages; page++ {
		battles, err := s.source.ListBattles(ctx, page, s.cfg.MinPlayers)
		if err != nil {
			return fmt.Errorf("gap recovery deep: list_battles page %d: %w", page, err)
		}
		if len(battles) == 0 {
			break
		}

		if time.Since(oldestStartedAt(battles)) > s.cfg.MaxAge {
			break
		}

		candidates := filterOlderThan(battles, cutoff)
		if len(candidates) > 0 {
			exists, err := s.store.BattlesExist(ctx, idsOf(candidates))
			if err != nil {
				return fmt.Errorf("gap recovery deep: batch existence check: %w", err)
			}

			var g errgroup.Group
			for _, b := range candidates {
				b := b
				g.Go(func() error {
					if !exists[b.AlbionID] {
						s.recoverMissing(ctx, b)
						return nil
					}
					s.reconcileMmrJob(ctx, b)
					return nil
				})
			}
			_ = g.Wait()
		}

		if s.cfg.SleepBetweenPages > 0 {
			if err := s.sleep(ctx, s.cfg.SleepBetweenPages); err != nil {
				return err
			}
		}
	}
	return nil
}

// reconcileMmrJob enqueues a notification-only recheck when a present
// battle has no terminal MmrCalculationJob yet for the season active at its
// start time.
func (s *Sweeper) reconcileMmrJob(ctx context.Context, b source.BattleSummary) {
	season, err := s.store.GetSeasonActiveAt(ctx, b.StartedAt)
	if err != nil || season == nil {
		return
	}
	status, ok, err := s.store.GetJobStatus(ctx, b.AlbionID, season.ID)
	if err != nil {
		s.logger.Warnw("gap recovery: mmr job status lookup failed", "albion_id", b.AlbionID, "error", err)
		return
	}
	if ok && status.IsTerminal() {
		return
	}
	s.enqueueNotification(ctx, b.AlbionID, b.StartedAt)
}

// recoverMissing fetches optional richer detail, upserts the battle, and
// enqueues both the kills-fetch and notification jobs — the same handling
// the Crawler applies to a newly discovered battle.
func (s *Sweeper) recoverMissing(ctx context.Context, b source.BattleSummary) {
	if detail, err := s.source.BattleDetail(ctx, b.AlbionID); err == nil {
		b = detail
	} else {
		s.logger.Warnw("gap recovery: battle detail fetch failed, using list summary", "albion_id", b.AlbionID, "error", err)
	}

	battle := models.Battle{
		AlbionID:      b.AlbionID,
		StartedAt:     b.StartedAt,
		TotalFame:     b.TotalFame,
		TotalKills:    b.TotalKills,
		TotalPlayers:  b.TotalPlayers,
		AlliancesJSON: b.AlliancesJSON,
		GuildsJSON:    b.GuildsJSON,
	}
	if err := s.store.UpsertBattle(ctx, battle); err != nil {
		s.logger.Warnw("gap recovery: upsert recovered battle failed", "albion_id", b.AlbionID, "error", err)
		return
	}

	s.enqueueKillsFetch(ctx, b.AlbionID)
	s.enqueueNotification(ctx, b.AlbionID, b.StartedAt)
}

func (s *Sweeper) enqueueKillsFetch(ctx context.Context, albionID uint64) {
	body, err := json.Marshal(killsFetchPayload{AlbionID: albionID})
	if err != nil {
		s.logger.Errorw("gap recovery: failed to marshal kills-fetch payload", "albion_id", albionID, "error", err)
		return
	}
	_, _, err = s.killsQueue.Enqueue(ctx, body, queue.Options{
		JobID:            fmt.Sprintf("battle-%d", albionID),
		Attempts:         5,
		Backoff:          queue.Backoff{BaseMs: 5000},
		RemoveOnComplete: queue.CleanupPolicy{Count: 50},
		RemoveOnFail:     queue.CleanupPolicy{Count: 25},
	})
	if err != nil {
		s.logger.Warnw("gap recovery: failed to enqueue kills-fetch", "albion_id", albionID, "error", err)
	}
}

func (s *Sweeper) enqueueNotification(ctx context.Context, albionID uint64, startedAt time.Time) {
	body, err := json.Marshal(notifyPayload{AlbionID: albionID, StartedAt: startedAt})
	if err != nil {
		s.logger.Errorw("gap recovery: failed to marshal notification payload", "albion_id", albionID, "error", err)
		return
	}
	_, _, err = s.notifyQueue.Enqueue(ctx, body, queue.Options{
		Attempts: 3,
		Backoff:  queue.Backoff{BaseMs: 2000},
	})
	if err != nil {
		s.logger.Warnw("gap recovery: failed to enqueue notification", "albion_id", albionID, "error", err)
	}
}

func (s *Sweeper) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func filterOlderThan(battles []source.BattleSummary, cutoff time.Time) []source.BattleSummary {
	out := make([]source.BattleSummary, 0, len(battles))
	for _, b := range battles {
		if b.StartedAt.Before(cutoff) {
			out = append(out, b)
		}
	}
	return out
}

func idsOf(battles []source.BattleSummary) []uint64 {
	ids := make([]uint64, len(battles))
	for i, b := range battles {
		ids[i] = b.AlbionID
	}
	return ids
}

func oldestStartedAt(battles []source.BattleSummary) time.Time {
	oldest := battles[0].StartedAt
	for _, b := range battles[1:] {
		if b.StartedAt.Before(oldest) {
			oldest = b.StartedAt
		}
	}
	return oldest
}
