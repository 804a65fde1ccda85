package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openmohaa/albion-mmr/internal/models"
)

// GetActiveSeason returns the unique is_active=true season.
func (s *Store) GetActiveSeason(ctx context.Context) (*models.Season, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, name, start_date, end_date, is_active FROM seasons WHERE is_active LIMIT 1`)
	return scanSeason(row)
}

// GetSeasonActiveAt resolves the season that was active at t (by start/end
// bounds), used by the MMR Worker to resolve the season for a battle's
// started_at.
func (s *Store) GetSeasonActiveAt(ctx context.Context, t time.Time) (*models.Season, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, start_date, end_date, is_active
		FROM seasons
		WHERE start_date <= $1 AND (end_date IS NULL OR end_date > $1)
		ORDER BY start_date DESC LIMIT 1
	`, t)
	return scanSeason(row)
}

func scanSeason(row pgx.Row) (*models.Season, error) {
	var sn models.Season
	if err := row.Scan(&sn.ID, &sn.Name, &sn.StartDate, &sn.EndDate, &sn.IsActive); err != nil {
		return nil, fmt.Errorf("scanSeason: %w", err)
	}
	return &sn, nil
}

// CreateSeason inserts a season, deactivating all others when end is nil
// (a season with a nil end date is the new "open" season).
func (s *Store) CreateSeason(ctx context.Context, name string, start time.Time, end *time.Time) (*models.Season, error) {
	var created models.Season
	err := s.ExecuteWithRetry(ctx, 3, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		isActive := end == nil
		if isActive {
			if _, err := tx.Exec(ctx, `UPDATE seasons SET is_active = false WHERE is_active`); err != nil {
				return err
			}
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO seasons (name, start_date, end_date, is_active)
			VALUES ($1, $2, $3, $4)
			RETURNING id, name, start_date, end_date, is_active
		`, name, start, end, isActive)
		if err := row.Scan(&created.ID, &created.Name, &created.StartDate, &created.EndDate, &created.IsActive); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("CreateSeason: %w", err)
	}
	return &created, nil
}

// EndSeason sets end_date/is_active=false. Carryover seeding into the next
// season is the caller's responsibility (season.Service orchestrates it,
// since it needs both seasons' guild lists).
func (s *Store) EndSeason(ctx context.Context, id int64, end time.Time) error {
	return s.ExecuteWithRetry(ctx, 3, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `UPDATE seasons SET end_date = $2, is_active = false WHERE id = $1`, id, end)
		return err
	})
}

// ListActiveGuildSeasons returns every GuildSeason row for a season, used by
// carryover seeding.
func (s *Store) ListActiveGuildSeasons(ctx context.Context, seasonID int64) ([]models.GuildSeason, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, guild_id, season_id, current_mmr, last_battle_at
		FROM guild_seasons WHERE season_id = $1
	`, seasonID)
	if err != nil {
		return nil, fmt.Errorf("ListActiveGuildSeasons: %w", err)
	}
	defer rows.Close()

	var out []models.GuildSeason
	for rows.Next() {
		var gs models.GuildSeason
		if err := rows.Scan(&gs.ID, &gs.GuildID, &gs.SeasonID, &gs.CurrentMMR, &gs.LastBattleAt); err != nil {
			return nil, fmt.Errorf("ListActiveGuildSeasons scan: %w", err)
		}
		out = append(out, gs)
	}
	return out, rows.Err()
}

// SeedGuildSeason creates (or overwrites, if re-run) a carryover-seeded
// GuildSeason row in the new season.
func (s *Store) SeedGuildSeason(ctx context.Context, guildID string, seasonID int64, mmr float64) error {
	return s.ExecuteWithRetry(ctx, 3, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO guild_seasons (guild_id, season_id, current_mmr)
			VALUES ($1, $2, $3)
			ON CONFLICT (guild_id, season_id) DO UPDATE SET current_mmr = EXCLUDED.current_mmr
		`, guildID, seasonID, mmr)
		return err
	})
}

// ListPrimeTimeWindows returns every administratively configured window.
func (s *Store) ListPrimeTimeWindows(ctx context.Context) ([]models.PrimeTimeWindow, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, start_hour, end_hour, timezone FROM prime_time_windows`)
	if err != nil {
		return nil, fmt.Errorf("ListPrimeTimeWindows: %w", err)
	}
	defer rows.Close()

	var out []models.PrimeTimeWindow
	for rows.Next() {
		var w models.PrimeTimeWindow
		if err := rows.Scan(&w.ID, &w.StartHour, &w.EndHour, &w.Timezone); err != nil {
			return nil, fmt.Errorf("ListPrimeTimeWindows scan: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
