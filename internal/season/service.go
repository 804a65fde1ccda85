// Package season implements the Season/PrimeTime Service:
// season lifecycle, carryover seeding at season end, and matching a
// battle's UTC hour against the configured prime-time windows.
package season

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openmohaa/albion-mmr/internal/models"
)

// Store is the narrow persistence surface this service needs.
type Store interface {
	GetActiveSeason(ctx context.Context) (*models.Season, error)
	GetSeasonActiveAt(ctx context.Context, t time.Time) (*models.Season, error)
	CreateSeason(ctx context.Context, name string, start time.Time, end *time.Time) (*models.Season, error)
	EndSeason(ctx context.Context, id int64, end time.Time) error
	ListActiveGuildSeasons(ctx context.Context, seasonID int64) ([]models.GuildSeason, error)
	SeedGuildSeason(ctx context.Context, guildID string, seasonID int64, mmr float64) error
	ListPrimeTimeWindows(ctx context.Context) ([]models.PrimeTimeWindow, error)
}

// carryoverRegression is the half-regression-to-1000 factor.
const carryoverRegression = 0.5
const carryoverMin = 800.0
const carryoverMax = 1500.0

// Service wraps Store with the season lifecycle and prime-time matching
// operations.
type Service struct {
	store  Store
	logger *zap.SugaredLogger
}

// New builds a Service over store.
func New(store Store, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{store: store, logger: logger}
}

// GetActiveSeason returns the unique currently open season.
func (s *Service) GetActiveSeason(ctx context.Context) (*models.Season, error) {
	return s.store.GetActiveSeason(ctx)
}

// GetSeasonActiveAt resolves the season that governed ratings at time t.
func (s *Service) GetSeasonActiveAt(ctx context.Context, t time.Time) (*models.Season, error) {
	return s.store.GetSeasonActiveAt(ctx, t)
}

// IsPrimeTime compares t's UTC hour against every configured window.
func IsPrimeTime(windows []models.PrimeTimeWindow, t time.Time) bool {
	h := t.UTC().Hour()
	for _, w := range windows {
		if w.Matches(h) {
			return true
		}
	}
	return false
}

// MatchingWindow returns the first prime-time window matching t's UTC
// hour, used by the MMR Worker to resolve a PrimeTimeWindowID for mass
// updates. ok is false outside any window.
func MatchingWindow(windows []models.PrimeTimeWindow, t time.Time) (models.PrimeTimeWindow, bool) {
	h := t.UTC().Hour()
	for _, w := range windows {
		if w.Matches(h) {
			return w, true
		}
	}
	return models.PrimeTimeWindow{}, false
}

// CreateSeason opens (or schedules) a season; a nil end date makes it the
// new active season.
func (s *Service) CreateSeason(ctx context.Context, name string, start time.Time, end *time.Time) (*models.Season, error) {
	return s.store.CreateSeason(ctx, name, start, end)
}

// EndSeason closes the named season and carries every participating
// guild's rating into newSeasonID.
func (s *Service) EndSeason(ctx context.Context, id int64, end time.Time, newSeasonID int64) error {
	if err := s.store.EndSeason(ctx, id, end); err != nil {
		return fmt.Errorf("end season %d: %w", id, err)
	}
	if err := s.InitializeNewSeasonWithCarryover(ctx, newSeasonID, id); err != nil {
		return fmt.Errorf("carryover from season %d to %d: %w", id, newSeasonID, err)
	}
	return nil
}

// InitializeNewSeasonWithCarryover seeds every guild active in prevSeasonID
// into newSeasonID at the half-regression-to-1000 rating,
// clamped to [800, 1500].
func (s *Service) InitializeNewSeasonWithCarryover(ctx context.Context, newSeasonID, prevSeasonID int64) error {
	prevGuilds, err := s.store.ListActiveGuildSeasons(ctx, prevSeasonID)
	if err != nil {
		return fmt.Errorf("list guild seasons for season %d: %w", prevSeasonID, err)
	}

	for _, gs := range prevGuilds {
		seeded := CarryoverRating(gs.CurrentMMR)
		if err := s.store.SeedGuildSeason(ctx, gs.GuildID, newSeasonID, seeded); err != nil {
			return fmt.Errorf("seed guild %s into season %d: %w", gs.GuildID, newSeasonID, err)
		}
		s.logger.Infow("carried over guild rating", "guild_id", gs.GuildID, "prev_mmr", gs.CurrentMMR, "seeded_mmr", seeded)
	}
	return nil
}

// CarryoverRating applies the half-regression-to-1000 rule and clamps into
// [800, 1500].
func CarryoverRating(prevMMR float64) float64 {
	seeded := models.DefaultMMR + (prevMMR-models.DefaultMMR)*carryoverRegression
	if seeded < carryoverMin {
		return carryoverMin
	}
	if seeded > carryoverMax {
		return carryoverMax
	}
	return seeded
}

// ListPrimeTimeWindows returns the administratively configured windows.
func (s *Service) ListPrimeTimeWindows(ctx context.Context) ([]models.PrimeTimeWindow, error) {
	return s.store.ListPrimeTimeWindows(ctx)
}
