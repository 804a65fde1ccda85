package models

import "time"

// BattleAnalysis is the pure-function input to the MMR Engine. It is
// assembled by the MMR Worker from the persisted Battle, KillEvent set, and
// current ratings — the engine itself touches no store.
type BattleAnalysis struct {
	BattleID       uint64
	SeasonID       int64
	TotalPlayers   int
	TotalFame      int64
	TotalKills     int
	BattleDuration time.Duration
	StartedAt      time.Time
	IsPrimeTime    bool
	KillClustering int
	FriendGroups   [][]string
	GuildStats     []GuildBattleStats
}

// GuildBattleStats is one guild's participation record within a battle,
// prior to the engine's retention filter.
type GuildBattleStats struct {
	GuildName      string
	GuildID        string
	Kills          int
	Deaths         int
	FameGained     int64
	FameLost       int64
	Players        int
	AvgIP          float64
	CurrentMMR     float64
	KillClustering int
	IsPrimeTime    bool
}

// Outcome is WIN or LOSS, per retained guild.
type Outcome string

const (
	OutcomeWin  Outcome = "WIN"
	OutcomeLoss Outcome = "LOSS"
)

// MassUpdate is one prime-time mass delta produced by an engine run.
type MassUpdate struct {
	GuildID           string
	PrimeTimeWindowID int64
	Players           int
}

// EngineResult is everything one MMR Engine run over a BattleAnalysis
// produces: rating deltas, mass updates, and audit log rows.
type EngineResult struct {
	Deltas      map[string]float64
	MassUpdates []MassUpdate
	LogRows     []MmrCalculationLog
}
