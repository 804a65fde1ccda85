package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openmohaa/albion-mmr/internal/models"
)

// GetOrCreateGuild resolves a guild by name, creating it with a placeholder
// id when externalID is empty (the external lookup failed upstream). On a
// unique-constraint race with another writer, it re-reads by name and
// adopts the existing row.
func (s *Store) GetOrCreateGuild(ctx context.Context, name, externalID string) (*models.Guild, error) {
	if g, err := s.getGuildByName(ctx, name); err == nil {
		return g, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("GetOrCreateGuild lookup: %w", err)
	}

	id := externalID
	if id == "" {
		id = models.PlaceholderIDPrefix + uuid.NewString()
	}

	var created models.Guild
	err := s.ExecuteWithRetry(ctx, 3, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO guilds (id, name) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id, name
		`, id, name)
		return row.Scan(&created.ID, &created.Name)
	})
	if err != nil {
		// Another writer won the race on the name unique constraint
		// between our lookup and our insert; adopt their row.
		if g, lookupErr := s.getGuildByName(ctx, name); lookupErr == nil {
			return g, nil
		}
		return nil, fmt.Errorf("GetOrCreateGuild create: %w", err)
	}
	return &created, nil
}

func (s *Store) getGuildByName(ctx context.Context, name string) (*models.Guild, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, name FROM guilds WHERE name = $1`, name)
	var g models.Guild
	if err := row.Scan(&g.ID, &g.Name); err != nil {
		return nil, err
	}
	return &g, nil
}

// UpdateGuildID promotes a placeholder guild id to the real external id
// once learned. On a race with another writer that already promoted the
// row, the caller's update becomes a no-op.
func (s *Store) UpdateGuildID(ctx context.Context, name, newID string) error {
	return s.ExecuteWithRetry(ctx, 3, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE guilds SET id = $2 WHERE name = $1 AND id <> $2
		`, name, newID)
		return err
	})
}

// GetGuildSeason loads (or implicitly defaults) a guild's rating within a
// season. Returns DefaultMMR with GuildSeason.ID == 0 when no row exists
// yet — callers create it lazily inside the MMR RMW transaction.
func (s *Store) GetGuildSeason(ctx context.Context, guildID string, seasonID int64) (*models.GuildSeason, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, guild_id, season_id, current_mmr, last_battle_at
		FROM guild_seasons WHERE guild_id = $1 AND season_id = $2
	`, guildID, seasonID)

	var gs models.GuildSeason
	err := row.Scan(&gs.ID, &gs.GuildID, &gs.SeasonID, &gs.CurrentMMR, &gs.LastBattleAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.GuildSeason{GuildID: guildID, SeasonID: seasonID, CurrentMMR: models.DefaultMMR}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetGuildSeason: %w", err)
	}
	return &gs, nil
}
