// Package kills implements the Kills Worker: consumes
// kills-fetch jobs, upserts the battle's kill events, stamps
// Battle.kills_fetched_at, and hands off to the MMR Engine by enqueuing
// mmr-calc. A failure enqueuing the follow-on job must never fail the
// kills job itself.
package kills

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openmohaa/albion-mmr/internal/mmrengine"
	"github.com/openmohaa/albion-mmr/internal/models"
	"github.com/openmohaa/albion-mmr/internal/queue"
	"github.com/openmohaa/albion-mmr/internal/source"
)

// Source is the narrow source.Client surface the worker needs.
type Source interface {
	BattleKills(ctx context.Context, albionID uint64) ([]source.KillEvent, error)
}

// Store is the narrow persistence surface the worker needs.
type Store interface {
	GetBattle(ctx context.Context, albionID uint64) (*models.Battle, error)
	UpsertKillEvent(ctx context.Context, k models.KillEvent) error
	StampKillsFetchedAt(ctx context.Context, albionID uint64, at time.Time) error
}

// Enqueuer is the narrow queue.Queue surface the worker needs to hand off
// to the MMR Engine.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte, opts queue.Options) (jobID string, alreadyQueued bool, err error)
}

// killsFetchPayload mirrors the crawler's job body.
type killsFetchPayload struct {
	AlbionID uint64 `json:"albion_id"`
}

// mmrCalcPayload is the body of a mmr-calc job.
type mmrCalcPayload struct {
	AlbionID uint64 `json:"albion_id"`
}

// Worker processes kills-fetch jobs.
type Worker struct {
	source    Source
	store     Store
	mmrQueue  Enqueuer
	logger    *zap.SugaredLogger
}

// New builds a Worker. mmrQueue is expected to be the "mmr-calc" logical
// queue.
func New(src Source, store Store, mmrQueue Enqueuer, logger *zap.SugaredLogger) *Worker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Worker{source: src, store: store, mmrQueue: mmrQueue, logger: logger}
}

// Handle implements queue.Handler for the kills-fetch queue.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	var payload killsFetchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("kills worker: decode payload for job %s: %w", job.ID, err)
	}

	events, err := w.source.BattleKills(ctx, payload.AlbionID)
	if err != nil {
		return fmt.Errorf("kills worker: battle_kills %d: %w", payload.AlbionID, err)
	}

	for _, e := range events {
		k := models.KillEvent{
			EventID:             e.EventID,
			Timestamp:           e.Timestamp,
			TotalVictimKillFame: e.TotalVictimKillFame,
			BattleAlbionID:      payload.AlbionID,
			Killer:              models.Combatant(e.Killer),
			Victim:              models.Combatant(e.Victim),
		}
		if err := w.store.UpsertKillEvent(ctx, k); err != nil {
			return fmt.Errorf("kills worker: upsert kill event %d: %w", e.EventID, err)
		}
		killEventsUpserted.Inc()
	}

	now := time.Now()
	if err := w.store.StampKillsFetchedAt(ctx, payload.AlbionID, now); err != nil {
		return fmt.Errorf("kills worker: stamp kills_fetched_at for %d: %w", payload.AlbionID, err)
	}

	if w.passesAdmission(ctx, payload.AlbionID) {
		w.enqueueMmrCalc(ctx, payload.AlbionID, now)
	}
	killsJobsProcessed.Inc()
	return nil
}

// passesAdmission pre-filters the MMR hand-off: battles under the engine's
// admission gate never get an mmr-calc job (or an MmrCalculationJob row)
// at all. An unreadable battle row errs on the side of enqueueing — the
// MMR worker re-checks admission anyway.
func (w *Worker) passesAdmission(ctx context.Context, albionID uint64) bool {
	battle, err := w.store.GetBattle(ctx, albionID)
	if err != nil {
		w.logger.Warnw("kills worker: battle lookup for admission check failed", "albion_id", albionID, "error", err)
		return true
	}
	return mmrengine.ShouldCalculateMMR(battle.TotalPlayers, battle.TotalFame, mmrengine.DefaultThresholds)
}

// enqueueMmrCalc hands off to the MMR Engine with a job id unique per
// kills-fetch run, so repeated light rechecks each get their own
// mmr-calc attempt rather than colliding on dedup.
func (w *Worker) enqueueMmrCalc(ctx context.Context, albionID uint64, now time.Time) {
	body, err := json.Marshal(mmrCalcPayload{AlbionID: albionID})
	if err != nil {
		w.logger.Errorw("failed to marshal mmr-calc payload", "albion_id", albionID, "error", err)
		return
	}
	_, _, err = w.mmrQueue.Enqueue(ctx, body, queue.Options{
		JobID:    fmt.Sprintf("mmr-%d-%d", albionID, now.UnixMilli()),
		Attempts: 3,
		Backoff:  queue.Backoff{BaseMs: 2000},
	})
	if err != nil {
		// A failure here must not fail the kills job.
		w.logger.Warnw("failed to enqueue mmr-calc", "albion_id", albionID, "error", err)
	}
}
