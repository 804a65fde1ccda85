package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openmohaa/albion-mmr/internal/models"
)

// GetOrCreateMmrJob loads the existing MmrCalculationJob for (battle,
// season), or creates one in PENDING. MmrCalculationJob is the only
// authoritative dedup for MMR work.
func (s *Store) GetOrCreateMmrJob(ctx context.Context, battleID uint64, seasonID int64) (*models.MmrCalculationJob, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO mmr_calculation_jobs (battle_id, season_id, status, attempts)
		VALUES ($1, $2, 'PENDING', 0)
		ON CONFLICT (battle_id, season_id) DO UPDATE SET battle_id = EXCLUDED.battle_id
		RETURNING battle_id, season_id, status, attempts, processed_at
	`, battleID, seasonID)

	var job models.MmrCalculationJob
	var status string
	if err := row.Scan(&job.BattleID, &job.SeasonID, &status, &job.Attempts, &job.ProcessedAt); err != nil {
		return nil, fmt.Errorf("GetOrCreateMmrJob: %w", err)
	}
	job.Status = models.JobStatus(status)
	return &job, nil
}

// TransitionProcessing marks the job PROCESSING and bumps attempts.
func (s *Store) TransitionProcessing(ctx context.Context, battleID uint64, seasonID int64) error {
	return s.ExecuteWithRetry(ctx, 3, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE mmr_calculation_jobs SET status = 'PROCESSING', attempts = attempts + 1
			WHERE battle_id = $1 AND season_id = $2
		`, battleID, seasonID)
		return err
	})
}

// TransitionFailed marks the job terminally FAILED.
func (s *Store) TransitionFailed(ctx context.Context, battleID uint64, seasonID int64) error {
	return s.ExecuteWithRetry(ctx, 3, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE mmr_calculation_jobs SET status = 'FAILED' WHERE battle_id = $1 AND season_id = $2
		`, battleID, seasonID)
		return err
	})
}

// ApplyEngineResult persists rating deltas, mass updates, and audit log rows
// in one transaction, then marks the job COMPLETED. Each guild's
// current_mmr is re-read under the transaction (SELECT ... FOR UPDATE)
// immediately before the write, avoiding lost updates across concurrently
// processing battles.
func (s *Store) ApplyEngineResult(ctx context.Context, battleID uint64, seasonID int64, startedAt time.Time, result models.EngineResult) error {
	if err := s.applyEngineResultTx(ctx, battleID, seasonID, startedAt, result); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.NotifyMmrJobTerminal(battleID, seasonID, string(models.JobCompleted))
	}
	return nil
}

func (s *Store) applyEngineResultTx(ctx context.Context, battleID uint64, seasonID int64, startedAt time.Time, result models.EngineResult) error {
	return s.ExecuteWithRetry(ctx, 3, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		for guildID, delta := range result.Deltas {
			if err := applyDeltaTx(ctx, tx, guildID, seasonID, delta, startedAt); err != nil {
				return err
			}
		}

		for _, mu := range result.MassUpdates {
			if err := applyMassUpdateTx(ctx, tx, mu, seasonID, startedAt); err != nil {
				return err
			}
		}

		for _, logRow := range result.LogRows {
			if _, err := tx.Exec(ctx, `
				INSERT INTO mmr_calculation_logs
					(battle_id, season_id, guild_id, is_win, kills, deaths, players, opponent_guilds, processed_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
			`, battleID, seasonID, logRow.GuildID, logRow.IsWin, logRow.Kills, logRow.Deaths, logRow.Players, logRow.OpponentGuilds); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE mmr_calculation_jobs SET status = 'COMPLETED', processed_at = now()
			WHERE battle_id = $1 AND season_id = $2
		`, battleID, seasonID); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
}

func applyDeltaTx(ctx context.Context, tx pgx.Tx, guildID string, seasonID int64, delta float64, startedAt time.Time) error {
	var current float64
	row := tx.QueryRow(ctx, `
		SELECT current_mmr FROM guild_seasons WHERE guild_id = $1 AND season_id = $2 FOR UPDATE
	`, guildID, seasonID)
	err := row.Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		current = models.DefaultMMR
		_, err = tx.Exec(ctx, `
			INSERT INTO guild_seasons (guild_id, season_id, current_mmr, last_battle_at)
			VALUES ($1, $2, $3, $4)
		`, guildID, seasonID, current+delta, startedAt)
		return err
	case err != nil:
		return err
	default:
		_, err = tx.Exec(ctx, `
			UPDATE guild_seasons SET current_mmr = $3, last_battle_at = $4
			WHERE guild_id = $1 AND season_id = $2
		`, guildID, seasonID, current+delta, startedAt)
		return err
	}
}

func applyMassUpdateTx(ctx context.Context, tx pgx.Tx, mu models.MassUpdate, seasonID int64, startedAt time.Time) error {
	var guildSeasonID int64
	row := tx.QueryRow(ctx, `SELECT id FROM guild_seasons WHERE guild_id = $1 AND season_id = $2`, mu.GuildID, seasonID)
	if err := row.Scan(&guildSeasonID); err != nil {
		return fmt.Errorf("applyMassUpdateTx: guild_season lookup: %w", err)
	}

	var avgMass float64
	var count int64
	row = tx.QueryRow(ctx, `
		SELECT avg_mass, battle_count FROM guild_prime_time_mass
		WHERE guild_season_id = $1 AND prime_time_window_id = $2 FOR UPDATE
	`, guildSeasonID, mu.PrimeTimeWindowID)
	err := row.Scan(&avgMass, &count)

	newAvg := (avgMass*float64(count) + float64(mu.Players)) / float64(count+1)

	if errors.Is(err, pgx.ErrNoRows) {
		_, err = tx.Exec(ctx, `
			INSERT INTO guild_prime_time_mass (guild_season_id, prime_time_window_id, avg_mass, battle_count, last_battle_at)
			VALUES ($1, $2, $3, 1, $4)
		`, guildSeasonID, mu.PrimeTimeWindowID, float64(mu.Players), startedAt)
		return err
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE guild_prime_time_mass SET avg_mass = $3, battle_count = battle_count + 1, last_battle_at = $4
		WHERE guild_season_id = $1 AND prime_time_window_id = $2
	`, guildSeasonID, mu.PrimeTimeWindowID, newAvg, startedAt)
	return err
}

// ApplyFallback applies the +1.0 symbolic change to every guild's rating on
// terminal job failure, so the system still makes minimal, auditable
// progress.
func (s *Store) ApplyFallback(ctx context.Context, battleID uint64, seasonID int64, guildIDs []string) error {
	err := s.ExecuteWithRetry(ctx, 3, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		for _, guildID := range guildIDs {
			if err := applyDeltaTx(ctx, tx, guildID, seasonID, 1.0, time.Now()); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE mmr_calculation_jobs SET status = 'FAILED' WHERE battle_id = $1 AND season_id = $2
		`, battleID, seasonID); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.NotifyMmrJobTerminal(battleID, seasonID, string(models.JobFailed))
	}
	return nil
}

// MmrCalculationLogsForOpponents returns the recent win log rows by guildID
// against any of opponentNames within the lookback window — the basis for
// the anti-farming modifier. The array && operator matches on overlap, not
// exact set equality: a past win counts toward the farming streak when it
// involved any of the current opponents, which dampens rating gains sooner
// rather than letting a guild reset the streak by rotating one opponent.
func (s *Store) MmrCalculationLogsForOpponents(ctx context.Context, guildID string, opponentNames []string, since time.Time) ([]models.MmrCalculationLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, battle_id, season_id, guild_id, is_win, kills, deaths, players, opponent_guilds, processed_at
		FROM mmr_calculation_logs
		WHERE guild_id = $1 AND is_win AND processed_at >= $2 AND opponent_guilds && $3
	`, guildID, since, opponentNames)
	if err != nil {
		return nil, fmt.Errorf("MmrCalculationLogsForOpponents: %w", err)
	}
	defer rows.Close()

	var out []models.MmrCalculationLog
	for rows.Next() {
		var l models.MmrCalculationLog
		if err := rows.Scan(&l.ID, &l.BattleID, &l.SeasonID, &l.GuildID, &l.IsWin, &l.Kills, &l.Deaths, &l.Players, &l.OpponentGuilds, &l.ProcessedAt); err != nil {
			return nil, fmt.Errorf("MmrCalculationLogsForOpponents scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetJobStatus returns just the status, used by Gap-Recovery's batched
// terminal-state check.
func (s *Store) GetJobStatus(ctx context.Context, battleID uint64, seasonID int64) (models.JobStatus, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT status FROM mmr_calculation_jobs WHERE battle_id = $1 AND season_id = $2`, battleID, seasonID)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("GetJobStatus: %w", err)
	}
	return models.JobStatus(status), true, nil
}
