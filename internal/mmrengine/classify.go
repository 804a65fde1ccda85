package mmrengine

import "github.com/openmohaa/albion-mmr/internal/models"

// famePreference is the ratio threshold for classifying a zero-sum score
// as a WIN by fame dominance.
const famePreference = 1.25

// Classify implements the win/loss rule for one retained guild.
func Classify(g models.GuildBattleStats) models.Outcome {
	score := g.Kills - g.Deaths
	if score > 0 {
		return models.OutcomeWin
	}
	if score == 0 && float64(g.FameGained) > float64(g.FameLost)*famePreference {
		return models.OutcomeWin
	}
	return models.OutcomeLoss
}

// fameRatio is fame gained over fame lost, used by both classification and
// the fame-imbalance damping modifier. A zero FameLost is treated as an
// extreme (infinite) ratio rather than dividing by zero.
func fameRatio(g models.GuildBattleStats) float64 {
	if g.FameLost == 0 {
		if g.FameGained == 0 {
			return 1
		}
		return 1e9
	}
	return float64(g.FameGained) / float64(g.FameLost)
}
