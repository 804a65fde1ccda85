package mmrengine

import "github.com/openmohaa/albion-mmr/internal/models"

// RecentWinCounts maps a guild's external ID to the number of wins recorded
// against the same opponent set within the anti-farming lookback window.
// The engine stays pure and never queries the store itself, so the
// worker resolves this map beforehand from MmrCalculationLog rows.
type RecentWinCounts map[string]int

// Run computes the full MMR outcome for one battle analysis. Each
// GuildBattleStats carries its own current_mmr going into the battle, so the
// engine needs no separate rating lookup. ok is false when the battle never
// clears the admission gate or fewer than two guilds survive
// participation filtering — callers should treat that as "no rating change,
// nothing to persist beyond the job's terminal state".
func Run(analysis models.BattleAnalysis, primeTimeWindowID int64, recentWins RecentWinCounts, admission Thresholds, participation ParticipationThresholds) (models.EngineResult, bool) {
	if !ShouldCalculateMMR(analysis.TotalPlayers, analysis.TotalFame, admission) {
		return models.EngineResult{}, false
	}

	retained := filterRetained(analysis.GuildStats, analysis.TotalFame, analysis.TotalKills, analysis.TotalPlayers, participation)
	if len(retained) < 2 {
		return models.EngineResult{}, false
	}

	clustered := float64(analysis.KillClustering) > float64(len(retained))/2.0

	result := models.EngineResult{
		Deltas:      make(map[string]float64, len(retained)),
		MassUpdates: make([]models.MassUpdate, 0, len(retained)),
		LogRows:     make([]models.MmrCalculationLog, 0, len(retained)),
	}

	for _, g := range retained {
		outcome := Classify(g)
		win := outcome == models.OutcomeWin

		oppMean := opponentMeanRating(g, retained)
		delta := rawDelta(g.CurrentMMR, oppMean, g.Players, analysis.TotalPlayers, win)
		delta = applyModifiers(delta, modifierInputs{
			win:             win,
			isPrimeTime:     analysis.IsPrimeTime,
			clustered:       clustered,
			recentWinStreak: recentWins[g.GuildID],
			fameRatio:       fameRatio(g),
		})

		result.Deltas[g.GuildID] = delta

		if analysis.IsPrimeTime {
			result.MassUpdates = append(result.MassUpdates, models.MassUpdate{
				GuildID:           g.GuildID,
				PrimeTimeWindowID: primeTimeWindowID,
				Players:           g.Players,
			})
		}

		result.LogRows = append(result.LogRows, models.MmrCalculationLog{
			BattleID:       analysis.BattleID,
			SeasonID:       analysis.SeasonID,
			GuildID:        g.GuildID,
			IsWin:          win,
			Kills:          g.Kills,
			Deaths:         g.Deaths,
			Players:        g.Players,
			OpponentGuilds: opponentNames(g, retained),
		})
	}

	return result, true
}

// opponentMeanRating is the mean current_mmr of every other retained guild.
func opponentMeanRating(g models.GuildBattleStats, retained []models.GuildBattleStats) float64 {
	sum := 0.0
	n := 0
	for _, o := range retained {
		if o.GuildID == g.GuildID {
			continue
		}
		sum += o.CurrentMMR
		n++
	}
	if n == 0 {
		return g.CurrentMMR
	}
	return sum / float64(n)
}

func opponentNames(g models.GuildBattleStats, retained []models.GuildBattleStats) []string {
	names := make([]string, 0, len(retained)-1)
	for _, o := range retained {
		if o.GuildID == g.GuildID {
			continue
		}
		names = append(names, o.GuildName)
	}
	return names
}
