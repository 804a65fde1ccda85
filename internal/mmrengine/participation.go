package mmrengine

import "github.com/openmohaa/albion-mmr/internal/models"

// ParticipationThresholds are the share/absolute pairs the retention
// filter measures guilds against.
type ParticipationThresholds struct {
	FameShare     float64
	FameAbsolute  int64
	CombatShare   float64
	CombatAbsolute int
	PlayerShare   float64
	PlayerAbsolute int

	SoloCombatAbsolute int
	SoloFameAbsolute   int64
}

// DefaultParticipationThresholds is the production tuning.
var DefaultParticipationThresholds = ParticipationThresholds{
	FameShare:      0.10,
	FameAbsolute:   500_000,
	CombatShare:    0.10,
	CombatAbsolute: 5,
	PlayerShare:    0.10,
	PlayerAbsolute: 3,

	SoloCombatAbsolute: 8,
	SoloFameAbsolute:   1_000_000,
}

// isRetained implements the per-guild participation filter. A guild is
// retained iff at least one of the three share+absolute pairs holds; a
// single-player guild additionally requires the solo thresholds.
func isRetained(g models.GuildBattleStats, totalFame int64, totalKills, totalPlayers int, t ParticipationThresholds) bool {
	fameParticipation := g.FameGained + g.FameLost
	combatParticipation := g.Kills + g.Deaths

	fameOK := totalFame > 0 &&
		float64(fameParticipation)/float64(totalFame) >= t.FameShare &&
		fameParticipation >= t.FameAbsolute

	combatOK := totalKills > 0 &&
		float64(combatParticipation)/float64(totalKills) >= t.CombatShare &&
		combatParticipation >= t.CombatAbsolute

	playerOK := totalPlayers > 0 &&
		float64(g.Players)/float64(totalPlayers) >= t.PlayerShare &&
		g.Players >= t.PlayerAbsolute

	retained := fameOK || combatOK || playerOK
	if !retained {
		return false
	}

	if g.Players == 1 {
		return combatParticipation >= t.SoloCombatAbsolute && fameParticipation >= t.SoloFameAbsolute
	}
	return true
}

// filterRetained returns the subset of guildStats that pass the
// participation filter.
func filterRetained(guildStats []models.GuildBattleStats, totalFame int64, totalKills, totalPlayers int, t ParticipationThresholds) []models.GuildBattleStats {
	out := make([]models.GuildBattleStats, 0, len(guildStats))
	for _, g := range guildStats {
		if isRetained(g, totalFame, totalKills, totalPlayers, t) {
			out = append(out, g)
		}
	}
	return out
}

// FilterRetained is the exported form of filterRetained. The MMR Worker
// needs the retained set before calling Run: it feeds the count into the
// kill-clustering helper and resolves anti-farming opponent
// names from it, both of which Run itself only derives internally.
func FilterRetained(guildStats []models.GuildBattleStats, totalFame int64, totalKills, totalPlayers int, t ParticipationThresholds) []models.GuildBattleStats {
	return filterRetained(guildStats, totalFame, totalKills, totalPlayers, t)
}
