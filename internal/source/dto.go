package source

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openmohaa/albion-mmr/internal/apierr"
)

// battleWire mirrors the upstream list/detail battle summary shape. Guilds
// and Alliances are kept as raw JSON — they are an opaque snapshot of the
// upstream view, parsed lazily by downstream consumers.
type battleWire struct {
	AlbionID     uint64          `json:"albionId"`
	StartedAt    time.Time       `json:"startedAt"`
	TotalFame    int64           `json:"totalFame"`
	TotalKills   int             `json:"totalKills"`
	TotalPlayers int             `json:"totalPlayers"`
	Alliances    json.RawMessage `json:"alliances"`
	Guilds       json.RawMessage `json:"guilds"`
}

// BattleSummary is the validated, parsed form of one upstream battle record.
type BattleSummary struct {
	AlbionID      uint64
	StartedAt     time.Time
	TotalFame     int64
	TotalKills    int
	TotalPlayers  int
	AlliancesJSON []byte
	GuildsJSON    []byte
}

func (w *battleWire) validate() error {
	if w.AlbionID == 0 {
		return fmt.Errorf("missing albionId")
	}
	if w.StartedAt.IsZero() {
		return fmt.Errorf("missing startedAt")
	}
	return nil
}

func (w *battleWire) toSummary() BattleSummary {
	alliances := w.Alliances
	if alliances == nil {
		alliances = json.RawMessage("[]")
	}
	guilds := w.Guilds
	if guilds == nil {
		guilds = json.RawMessage("[]")
	}
	return BattleSummary{
		AlbionID:      w.AlbionID,
		StartedAt:     w.StartedAt,
		TotalFame:     w.TotalFame,
		TotalKills:    w.TotalKills,
		TotalPlayers:  w.TotalPlayers,
		AlliancesJSON: []byte(alliances),
		GuildsJSON:    []byte(guilds),
	}
}

// parseBattleList decodes a list_battles page. Individual malformed
// records are skipped and reported back for logging; a structurally
// invalid page is a DecodeError.
func parseBattleList(body []byte) ([]BattleSummary, []error, error) {
	var raws []battleWire
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, nil, apierr.New(apierr.DecodeError, "parseBattleList", err)
	}

	out := make([]BattleSummary, 0, len(raws))
	var skipped []error
	for _, w := range raws {
		if err := w.validate(); err != nil {
			skipped = append(skipped, fmt.Errorf("battle %d: %w", w.AlbionID, err))
			continue
		}
		out = append(out, w.toSummary())
	}
	return out, skipped, nil
}

// parseBattleDetail decodes a single battle/{id} response.
func parseBattleDetail(body []byte) (BattleSummary, error) {
	var w battleWire
	if err := json.Unmarshal(body, &w); err != nil {
		return BattleSummary{}, apierr.New(apierr.DecodeError, "parseBattleDetail", err)
	}
	if err := w.validate(); err != nil {
		return BattleSummary{}, apierr.New(apierr.DecodeError, "parseBattleDetail", err)
	}
	return w.toSummary(), nil
}

// combatantWire mirrors the upstream Killer/Victim shape.
type combatantWire struct {
	ID                string          `json:"Id"`
	Name              string          `json:"Name"`
	GuildName         string          `json:"GuildName"`
	AllianceName      string          `json:"AllianceName"`
	AverageItemPower  float64         `json:"AverageItemPower"`
	Equipment         json.RawMessage `json:"Equipment"`
}

type killEventWire struct {
	EventID             uint64        `json:"EventId"`
	TimeStamp           time.Time     `json:"TimeStamp"`
	TotalVictimKillFame int64         `json:"TotalVictimKillFame"`
	Killer              combatantWire `json:"Killer"`
	Victim              combatantWire `json:"Victim"`
}

// KillEvent is the validated, parsed form of one upstream kill record.
type KillEvent struct {
	EventID             uint64
	Timestamp           time.Time
	TotalVictimKillFame int64
	Killer              Combatant
	Victim              Combatant
}

// Combatant is a killer or victim side projected from the wire shape.
type Combatant struct {
	ID               string
	Name             string
	GuildName        string
	AllianceName     string
	AvgItemPower     float64
	EquipmentJSON    []byte
}

func (w killEventWire) validate() error {
	if w.EventID == 0 {
		return fmt.Errorf("missing EventId")
	}
	if w.Killer.ID == "" || w.Victim.ID == "" {
		return fmt.Errorf("event %d: missing killer/victim id", w.EventID)
	}
	return nil
}

func projectCombatant(w combatantWire) Combatant {
	var equipBytes []byte
	if len(w.Equipment) > 0 {
		equipBytes = []byte(w.Equipment)
	}
	return Combatant{
		ID:            w.ID,
		Name:          w.Name,
		GuildName:     w.GuildName,
		AllianceName:  w.AllianceName,
		AvgItemPower:  w.AverageItemPower,
		EquipmentJSON: equipBytes,
	}
}

// parseKillEvents decodes a battles/kills response, skipping malformed
// individual records.
func parseKillEvents(body []byte) ([]KillEvent, []error, error) {
	var raws []killEventWire
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, nil, apierr.New(apierr.DecodeError, "parseKillEvents", err)
	}

	out := make([]KillEvent, 0, len(raws))
	var skipped []error
	for _, w := range raws {
		if err := w.validate(); err != nil {
			skipped = append(skipped, err)
			continue
		}
		out = append(out, KillEvent{
			EventID:             w.EventID,
			Timestamp:           w.TimeStamp,
			TotalVictimKillFame: w.TotalVictimKillFame,
			Killer:              projectCombatant(w.Killer),
			Victim:              projectCombatant(w.Victim),
		})
	}
	return out, skipped, nil
}

// GuildSearchResult is one hit of search/guilds.
type GuildSearchResult struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

func parseGuildSearch(body []byte) ([]GuildSearchResult, error) {
	var out []GuildSearchResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apierr.New(apierr.DecodeError, "parseGuildSearch", err)
	}
	return out, nil
}
