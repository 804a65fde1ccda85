// Package mmrworker implements the MMR Worker: loads or creates
// the MmrCalculationJob idempotency guard, assembles a BattleAnalysis from
// the persisted battle and kill events, invokes the pure MMR Engine, and
// persists the outcome — or, on exhausted retries, applies the fallback
// symbolic +1.0 change so the system makes minimal, auditable progress.
package mmrworker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/openmohaa/albion-mmr/internal/mmrengine"
	"github.com/openmohaa/albion-mmr/internal/models"
	"github.com/openmohaa/albion-mmr/internal/queue"
	"github.com/openmohaa/albion-mmr/internal/season"
	"github.com/openmohaa/albion-mmr/internal/source"
)

// Store is the narrow persistence surface the MMR Worker needs.
type Store interface {
	GetBattle(ctx context.Context, albionID uint64) (*models.Battle, error)
	GetKillEventsForBattle(ctx context.Context, albionID uint64) ([]models.KillEvent, error)
	GetOrCreateMmrJob(ctx context.Context, battleID uint64, seasonID int64) (*models.MmrCalculationJob, error)
	TransitionProcessing(ctx context.Context, battleID uint64, seasonID int64) error
	ApplyEngineResult(ctx context.Context, battleID uint64, seasonID int64, startedAt time.Time, result models.EngineResult) error
	ApplyFallback(ctx context.Context, battleID uint64, seasonID int64, guildIDs []string) error
	GetOrCreateGuild(ctx context.Context, name, externalID string) (*models.Guild, error)
	UpdateGuildID(ctx context.Context, name, newID string) error
	GetGuildSeason(ctx context.Context, guildID string, seasonID int64) (*models.GuildSeason, error)
	MmrCalculationLogsForOpponents(ctx context.Context, guildID string, opponentNames []string, since time.Time) ([]models.MmrCalculationLog, error)
}

// SeasonResolver is the narrow season.Service surface the worker needs.
type SeasonResolver interface {
	GetSeasonActiveAt(ctx context.Context, t time.Time) (*models.Season, error)
	ListPrimeTimeWindows(ctx context.Context) ([]models.PrimeTimeWindow, error)
}

// GuildLookup is the narrow source.Client surface used to resolve external
// guild ids for participants whose battle snapshot carries none. May be
// nil; every id it fails to resolve falls back to a placeholder.
type GuildLookup interface {
	SearchGuilds(ctx context.Context, name string) ([]source.GuildSearchResult, error)
}

// antiFarmingLookback is the "last 30 days" window the anti-farming factor measures
// repeat wins against the same opponent set over.
const antiFarmingLookback = 30 * 24 * time.Hour

// maxInternalAttempts bounds the worker's own fallback decision,
// independent of (but driven by) the queue's own attempts counter: once
// the persisted MmrCalculationJob.Attempts reaches this, a further
// processing error applies the fallback instead of propagating.
const maxInternalAttempts = 3

// Worker processes mmr-calc jobs.
type Worker struct {
	store         Store
	seasons       SeasonResolver
	lookup        GuildLookup
	admission     mmrengine.Thresholds
	participation mmrengine.ParticipationThresholds
	logger        *zap.SugaredLogger
}

// New builds a Worker with the default engine thresholds.
func New(store Store, seasons SeasonResolver, lookup GuildLookup, logger *zap.SugaredLogger) *Worker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Worker{
		store:         store,
		seasons:       seasons,
		lookup:        lookup,
		admission:     mmrengine.DefaultThresholds,
		participation: mmrengine.DefaultParticipationThresholds,
		logger:        logger,
	}
}

type mmrCalcPayload struct {
	AlbionID uint64 `json:"albion_id"`
}

// Handle implements queue.Handler for the mmr-calc queue. It never
// propagates an exception out of its own final-attempt path:
// once the persisted job has exhausted its internal attempt budget, a
// processing error is swallowed into the fallback write instead of being
// returned to the queue.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	var payload mmrCalcPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("mmr worker: decode payload for job %s: %w", job.ID, err)
	}

	battle, err := w.store.GetBattle(ctx, payload.AlbionID)
	if err != nil {
		return fmt.Errorf("mmr worker: load battle %d: %w", payload.AlbionID, err)
	}

	if !mmrengine.ShouldCalculateMMR(battle.TotalPlayers, battle.TotalFame, w.admission) {
		// Below the admission gate there is nothing to rate and no job row
		// to leave behind.
		return nil
	}

	season, err := w.seasons.GetSeasonActiveAt(ctx, battle.StartedAt)
	if err != nil || season == nil {
		return fmt.Errorf("mmr worker: no season active at %s for battle %d: %w", battle.StartedAt, payload.AlbionID, err)
	}

	mmrJob, err := w.store.GetOrCreateMmrJob(ctx, payload.AlbionID, season.ID)
	if err != nil {
		return fmt.Errorf("mmr worker: load/create mmr job: %w", err)
	}
	if mmrJob.Status.IsTerminal() {
		// The job row is the only authoritative dedup. A second
		// mmr-calc enqueue for an already-settled (battle, season) is a
		// no-op, not a re-run.
		return nil
	}

	if err := w.store.TransitionProcessing(ctx, payload.AlbionID, season.ID); err != nil {
		return fmt.Errorf("mmr worker: transition processing: %w", err)
	}

	guildIDs, procErr := w.process(ctx, battle, season.ID)
	if procErr == nil {
		mmrJobsCompleted.Inc()
		return nil
	}

	if mmrJob.Attempts+1 < maxInternalAttempts {
		w.logger.Warnw("mmr worker: processing failed, will retry", "battle_id", payload.AlbionID, "season_id", season.ID, "attempts", mmrJob.Attempts+1, "error", procErr)
		return procErr
	}

	w.logger.Errorw("mmr worker: processing exhausted retries, applying fallback", "battle_id", payload.AlbionID, "season_id", season.ID, "error", procErr)
	mmrJobsFailed.Inc()
	if err := w.store.ApplyFallback(ctx, payload.AlbionID, season.ID, guildIDs); err != nil {
		w.logger.Errorw("mmr worker: fallback write failed", "battle_id", payload.AlbionID, "season_id", season.ID, "error", err)
	} else {
		mmrFallbacksApplied.Add(float64(len(guildIDs)))
	}
	return nil
}

// process assembles the BattleAnalysis, runs the engine, and persists the
// outcome. It returns every guild id resolved so far even on error, so the
// caller's fallback path can still make auditable progress against known
// guilds.
func (w *Worker) process(ctx context.Context, battle *models.Battle, seasonID int64) (guildIDs []string, err error) {
	kills, err := w.store.GetKillEventsForBattle(ctx, battle.AlbionID)
	if err != nil {
		return nil, fmt.Errorf("load kill events: %w", err)
	}

	participants, err := parseGuildParticipants(battle.GuildsJSON)
	if err != nil {
		w.logger.Warnw("mmr worker: failed to parse guilds_json, falling back to kill-event identity only", "battle_id", battle.AlbionID, "error", err)
	}
	w.resolveExternalIDs(ctx, participants)

	acc := make(map[string]*guildAccumulator)
	accumulateKillEvents(kills, acc)

	guildStats, guildIDs, err := resolveGuildStats(ctx, w.store, seasonID, participants, acc)
	if err != nil {
		return guildIDs, fmt.Errorf("resolve guild stats: %w", err)
	}

	windows, err := w.seasons.ListPrimeTimeWindows(ctx)
	if err != nil {
		return guildIDs, fmt.Errorf("list prime time windows: %w", err)
	}
	isPrimeTime := season.IsPrimeTime(windows, battle.StartedAt)
	var windowID int64
	if window, ok := season.MatchingWindow(windows, battle.StartedAt); ok {
		windowID = window.ID
	}

	retained := mmrengine.FilterRetained(guildStats, battle.TotalFame, battle.TotalKills, battle.TotalPlayers, w.participation)
	clustering := season.KillClustering(toClusteringInput(kills, guildStats), len(retained))

	recentWins, err := w.recentWinCounts(ctx, retained)
	if err != nil {
		return guildIDs, fmt.Errorf("load anti-farming history: %w", err)
	}

	var battleDuration time.Duration
	if len(kills) > 0 {
		battleDuration = kills[len(kills)-1].Timestamp.Sub(kills[0].Timestamp)
	}

	analysis := models.BattleAnalysis{
		BattleID:       battle.AlbionID,
		SeasonID:       seasonID,
		TotalPlayers:   battle.TotalPlayers,
		TotalFame:      battle.TotalFame,
		TotalKills:     battle.TotalKills,
		BattleDuration: battleDuration,
		StartedAt:      battle.StartedAt,
		IsPrimeTime:    isPrimeTime,
		KillClustering: clustering,
		GuildStats:     guildStats,
	}

	result, ok := mmrengine.Run(analysis, windowID, recentWins, w.admission, w.participation)
	if !ok {
		// Battle never cleared admission/participation: no rating change,
		// but the job itself still completes so it is never re-entered.
		result = models.EngineResult{}
	}

	if err := w.store.ApplyEngineResult(ctx, battle.AlbionID, seasonID, battle.StartedAt, result); err != nil {
		return guildIDs, fmt.Errorf("apply engine result: %w", err)
	}
	for _, delta := range result.Deltas {
		mmrDeltaMagnitude.Observe(math.Abs(delta))
	}
	return guildIDs, nil
}

// resolveExternalIDs fills in missing participant ids through the upstream
// guild search. A failed or ambiguous lookup leaves the id empty and the
// store mints a placeholder instead.
func (w *Worker) resolveExternalIDs(ctx context.Context, participants []guildParticipantWire) {
	if w.lookup == nil {
		return
	}
	for i, p := range participants {
		if p.ID != "" || p.Name == "" {
			continue
		}
		hits, err := w.lookup.SearchGuilds(ctx, p.Name)
		if err != nil {
			w.logger.Warnw("mmr worker: guild search failed, using placeholder id", "guild", p.Name, "error", err)
			continue
		}
		for _, h := range hits {
			if h.Name == p.Name {
				participants[i].ID = h.ID
				break
			}
		}
	}
}

// recentWinCounts resolves the anti-farming win-count map for
// every retained guild against the other retained guilds as its opponent
// set.
func (w *Worker) recentWinCounts(ctx context.Context, retained []models.GuildBattleStats) (mmrengine.RecentWinCounts, error) {
	if len(retained) < 2 {
		return nil, nil
	}
	since := time.Now().Add(-antiFarmingLookback)
	counts := make(mmrengine.RecentWinCounts, len(retained))
	for _, g := range retained {
		opponents := make([]string, 0, len(retained)-1)
		for _, o := range retained {
			if o.GuildID != g.GuildID {
				opponents = append(opponents, o.GuildName)
			}
		}
		rows, err := w.store.MmrCalculationLogsForOpponents(ctx, g.GuildID, opponents, since)
		if err != nil {
			return nil, fmt.Errorf("guild %s: %w", g.GuildID, err)
		}
		counts[g.GuildID] = len(rows)
	}
	return counts, nil
}

// toClusteringInput resolves each kill timestamp's guild name to the
// GuildID the clustering helper keys on.
func toClusteringInput(kills []models.KillEvent, guildStats []models.GuildBattleStats) []season.KillTimestamp {
	idByName := make(map[string]string, len(guildStats))
	for _, g := range guildStats {
		idByName[g.GuildName] = g.GuildID
	}
	out := make([]season.KillTimestamp, 0, len(kills))
	for _, k := range kills {
		id, ok := idByName[k.Killer.GuildName]
		if !ok {
			continue
		}
		out = append(out, season.KillTimestamp{KillerGuildID: id, At: k.Timestamp.Unix()})
	}
	return out
}
