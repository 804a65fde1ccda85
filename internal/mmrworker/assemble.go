package mmrworker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openmohaa/albion-mmr/internal/models"
)

// guildParticipantWire mirrors one entry of a battle's opaque guilds_json
// snapshot ("keep alliances_json/guilds_json as opaque byte
// strings in storage; parse lazily"). Id is empty when the upstream view
// never resolved an external guild id for that participant.
type guildParticipantWire struct {
	ID      string `json:"Id"`
	Name    string `json:"Name"`
	Players int    `json:"Players"`
}

// parseGuildParticipants decodes a battle's guilds_json blob. An empty blob
// yields an empty participant list; a structurally invalid blob returns an
// error, which the caller logs before continuing with no participants —
// kill-event guild names still seed the analysis in both cases.
func parseGuildParticipants(raw []byte) ([]guildParticipantWire, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []guildParticipantWire
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse guilds_json: %w", err)
	}
	return out, nil
}

// guildAccumulator aggregates kill/death/fame counts per guild name while
// the kill-event set is walked.
type guildAccumulator struct {
	kills, deaths   int
	fameGained      int64
	fameLost        int64
	avgIPSum        float64
	avgIPCount      int
	players         int
}

// accumulateKillEvents folds each kill event's fame and combat counts into
// the killer's and victim's guild buckets, keyed by guild name (the only
// guild identity a kill event itself carries).
func accumulateKillEvents(kills []models.KillEvent, acc map[string]*guildAccumulator) {
	get := func(name string) *guildAccumulator {
		if name == "" {
			return nil
		}
		a, ok := acc[name]
		if !ok {
			a = &guildAccumulator{}
			acc[name] = a
		}
		return a
	}

	for _, k := range kills {
		if a := get(k.Killer.GuildName); a != nil {
			a.kills++
			a.fameGained += k.TotalVictimKillFame
			a.avgIPSum += k.Killer.AvgItemPower
			a.avgIPCount++
		}
		if a := get(k.Victim.GuildName); a != nil {
			a.deaths++
			a.fameLost += k.TotalVictimKillFame
			a.avgIPSum += k.Victim.AvgItemPower
			a.avgIPCount++
		}
	}
}

// guildResolver is the narrow persistence surface the assembly step needs
// to turn guild names into durable guild identities and ratings.
type guildResolver interface {
	GetOrCreateGuild(ctx context.Context, name, externalID string) (*models.Guild, error)
	UpdateGuildID(ctx context.Context, name, newID string) error
	GetGuildSeason(ctx context.Context, guildID string, seasonID int64) (*models.GuildSeason, error)
}

// resolveGuildStats walks every guild name seen in either the participant
// list or the kill-event accumulator, resolves its durable identity, and
// assembles the per-guild
// GuildBattleStats the MMR Engine expects. It returns every guild id it
// managed to resolve, even on a later error, so a caller can still apply
// the fallback to guilds whose identity is already known.
func resolveGuildStats(ctx context.Context, store guildResolver, seasonID int64, participants []guildParticipantWire, acc map[string]*guildAccumulator) ([]models.GuildBattleStats, []string, error) {
	playersByName := make(map[string]int, len(participants))
	externalIDByName := make(map[string]string, len(participants))
	names := make([]string, 0, len(participants)+len(acc))
	seen := make(map[string]bool, len(participants)+len(acc))

	addName := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}
	for _, p := range participants {
		playersByName[p.Name] = p.Players
		externalIDByName[p.Name] = p.ID
		addName(p.Name)
	}
	for name := range acc {
		addName(name)
	}

	stats := make([]models.GuildBattleStats, 0, len(names))
	guildIDs := make([]string, 0, len(names))

	for _, name := range names {
		externalID := externalIDByName[name]
		guild, err := store.GetOrCreateGuild(ctx, name, externalID)
		if err != nil {
			return stats, guildIDs, fmt.Errorf("resolve guild %q: %w", name, err)
		}
		if externalID != "" && guild.ID != externalID && strings.HasPrefix(guild.ID, models.PlaceholderIDPrefix) {
			// The external id is now known: promote the placeholder row. A
			// racing writer that already promoted makes this a no-op.
			if err := store.UpdateGuildID(ctx, name, externalID); err == nil {
				guild.ID = externalID
			}
		}
		guildIDs = append(guildIDs, guild.ID)

		gs, err := store.GetGuildSeason(ctx, guild.ID, seasonID)
		if err != nil {
			return stats, guildIDs, fmt.Errorf("load rating for guild %q: %w", name, err)
		}

		a := acc[name]
		if a == nil {
			a = &guildAccumulator{}
		}
		players := playersByName[name]
		if players == 0 {
			players = a.avgIPCount
		}

		avgIP := 0.0
		if a.avgIPCount > 0 {
			avgIP = a.avgIPSum / float64(a.avgIPCount)
		}

		stats = append(stats, models.GuildBattleStats{
			GuildName:  name,
			GuildID:    guild.ID,
			Kills:      a.kills,
			Deaths:     a.deaths,
			FameGained: a.fameGained,
			FameLost:   a.fameLost,
			Players:    players,
			AvgIP:      avgIP,
			CurrentMMR: gs.CurrentMMR,
		})
	}

	return stats, guildIDs, nil
}
