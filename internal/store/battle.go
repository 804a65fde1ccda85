package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openmohaa/albion-mmr/internal/models"
)

// UpsertBattle performs a full overwrite of stats + JSON blobs, last-write-
// wins on updateable columns.
func (s *Store) UpsertBattle(ctx context.Context, b models.Battle) error {
	return s.ExecuteWithRetry(ctx, 3, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO battles (albion_id, started_at, total_fame, total_kills, total_players,
			                      alliances_json, guilds_json, ingested_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (albion_id) DO UPDATE SET
				started_at     = EXCLUDED.started_at,
				total_fame     = EXCLUDED.total_fame,
				total_kills    = EXCLUDED.total_kills,
				total_players  = EXCLUDED.total_players,
				alliances_json = EXCLUDED.alliances_json,
				guilds_json    = EXCLUDED.guilds_json
		`, b.AlbionID, b.StartedAt, b.TotalFame, b.TotalKills, b.TotalPlayers, b.AlliancesJSON, b.GuildsJSON)
		return err
	})
}

// GetBattle loads one battle by its albion id.
func (s *Store) GetBattle(ctx context.Context, albionID uint64) (*models.Battle, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT albion_id, started_at, total_fame, total_kills, total_players,
		       alliances_json, guilds_json, ingested_at, kills_fetched_at
		FROM battles WHERE albion_id = $1
	`, albionID)

	var b models.Battle
	if err := row.Scan(&b.AlbionID, &b.StartedAt, &b.TotalFame, &b.TotalKills, &b.TotalPlayers,
		&b.AlliancesJSON, &b.GuildsJSON, &b.IngestedAt, &b.KillsFetchedAt); err != nil {
		return nil, fmt.Errorf("GetBattle %d: %w", albionID, err)
	}
	return &b, nil
}

// BattlesExist batch-checks which of the given ids already have a Battle
// row, used by Gap-Recovery's batched existence query.
func (s *Store) BattlesExist(ctx context.Context, ids []uint64) (map[uint64]bool, error) {
	out := make(map[uint64]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT albion_id FROM battles WHERE albion_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("BattlesExist: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("BattlesExist scan: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// StampKillsFetchedAt records that the Kills Worker has fetched this
// battle's kill events.
func (s *Store) StampKillsFetchedAt(ctx context.Context, albionID uint64, at time.Time) error {
	return s.ExecuteWithRetry(ctx, 3, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `UPDATE battles SET kills_fetched_at = $2 WHERE albion_id = $1`, albionID, at)
		return err
	})
}

// UpsertKillEvent projects a killer/victim sub-record pair; kill events are
// immutable thereafter by design, but upsert-by-event-id keeps retries
// idempotent.
func (s *Store) UpsertKillEvent(ctx context.Context, k models.KillEvent) error {
	return s.ExecuteWithRetry(ctx, 3, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO kill_events (
				event_id, timestamp, total_victim_kill_fame, battle_albion_id,
				killer_id, killer_name, killer_guild, killer_alliance, killer_avg_ip, killer_equipment_json,
				victim_id, victim_name, victim_guild, victim_alliance, victim_avg_ip, victim_equipment_json
			) VALUES ($1,$2,$3,$4, $5,$6,$7,$8,$9,$10, $11,$12,$13,$14,$15,$16)
			ON CONFLICT (event_id) DO NOTHING
		`,
			k.EventID, k.Timestamp, k.TotalVictimKillFame, k.BattleAlbionID,
			k.Killer.ID, k.Killer.Name, k.Killer.GuildName, k.Killer.AllianceName, k.Killer.AvgItemPower, k.Killer.EquipmentJSON,
			k.Victim.ID, k.Victim.Name, k.Victim.GuildName, k.Victim.AllianceName, k.Victim.AvgItemPower, k.Victim.EquipmentJSON,
		)
		return err
	})
}

// GetKillEventsForBattle loads every kill event recorded under a battle, in
// timestamp order, used by the MMR Worker to assemble a BattleAnalysis.
func (s *Store) GetKillEventsForBattle(ctx context.Context, albionID uint64) ([]models.KillEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, timestamp, total_victim_kill_fame, battle_albion_id,
		       killer_id, killer_name, killer_guild, killer_alliance, killer_avg_ip, killer_equipment_json,
		       victim_id, victim_name, victim_guild, victim_alliance, victim_avg_ip, victim_equipment_json
		FROM kill_events WHERE battle_albion_id = $1 ORDER BY timestamp
	`, albionID)
	if err != nil {
		return nil, fmt.Errorf("GetKillEventsForBattle %d: %w", albionID, err)
	}
	defer rows.Close()

	var out []models.KillEvent
	for rows.Next() {
		var k models.KillEvent
		if err := rows.Scan(
			&k.EventID, &k.Timestamp, &k.TotalVictimKillFame, &k.BattleAlbionID,
			&k.Killer.ID, &k.Killer.Name, &k.Killer.GuildName, &k.Killer.AllianceName, &k.Killer.AvgItemPower, &k.Killer.EquipmentJSON,
			&k.Victim.ID, &k.Victim.Name, &k.Victim.GuildName, &k.Victim.AllianceName, &k.Victim.AvgItemPower, &k.Victim.EquipmentJSON,
		); err != nil {
			return nil, fmt.Errorf("GetKillEventsForBattle %d scan: %w", albionID, err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// GetWatermark reads the crawler watermark, zero time if never set.
func (s *Store) GetWatermark(ctx context.Context) (time.Time, error) {
	row := s.pool.QueryRow(ctx, `SELECT value FROM service_state WHERE key = $1`, models.WatermarkKey)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("GetWatermark: %w", err)
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("GetWatermark parse: %w", err)
	}
	return t, nil
}

// SetWatermark advances the watermark, clamped to never exceed
// now-softLookback, enforced here as the last line of defense even though
// callers already compute the clamp.
func (s *Store) SetWatermark(ctx context.Context, t time.Time, softLookback time.Duration) error {
	ceiling := time.Now().Add(-softLookback)
	if t.After(ceiling) {
		t = ceiling
	}

	if err := s.ExecuteWithRetry(ctx, 3, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO service_state (key, value, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (key) DO UPDATE SET
				value = CASE WHEN service_state.value < EXCLUDED.value THEN EXCLUDED.value ELSE service_state.value END,
				updated_at = now()
		`, models.WatermarkKey, t.Format(time.RFC3339))
		return err
	}); err != nil {
		return err
	}

	if s.notifier != nil {
		s.notifier.NotifyWatermarkAdvanced(t.Format(time.RFC3339))
	}
	return nil
}
