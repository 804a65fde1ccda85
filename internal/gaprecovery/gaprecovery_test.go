package gaprecovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openmohaa/albion-mmr/internal/models"
	"github.com/openmohaa/albion-mmr/internal/queue"
	"github.com/openmohaa/albion-mmr/internal/source"
)

type fakeSource struct {
	pages  [][]source.BattleSummary
	detail map[uint64]source.BattleSummary
}

func (f *fakeSource) ListBattles(ctx context.Context, page, minPlayers int) ([]source.BattleSummary, error) {
	if page >= len(f.pages) {
		return nil, nil
	}
	return f.pages[page], nil
}

func (f *fakeSource) BattleDetail(ctx context.Context, albionID uint64) (source.BattleSummary, error) {
	if d, ok := f.detail[albionID]; ok {
		return d, nil
	}
	return source.BattleSummary{}, context.DeadlineExceeded
}

// fakeStore is shared across the errgroup-fanned-out goroutines RunRolling
// and RunDeep spawn per page, so upserted/jobStatuses reads and writes need
// the same guarding a real pgxpool-backed store gets for free.
type fakeStore struct {
	mu          sync.Mutex
	existing    map[uint64]bool
	upserted    []models.Battle
	jobStatuses map[uint64]models.JobStatus
	season      *models.Season
}

func (f *fakeStore) BattlesExist(ctx context.Context, ids []uint64) (map[uint64]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		out[id] = f.existing[id]
	}
	return out, nil
}

func (f *fakeStore) UpsertBattle(ctx context.Context, b models.Battle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, b)
	return nil
}

func (f *fakeStore) GetSeasonActiveAt(ctx context.Context, t time.Time) (*models.Season, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.season, nil
}

func (f *fakeStore) GetJobStatus(ctx context.Context, battleID uint64, seasonID int64) (models.JobStatus, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.jobStatuses[battleID]
	return status, ok, nil
}

func (f *fakeStore) upsertedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserted)
}

type fakeEnqueuer struct {
	mu     sync.Mutex
	jobIDs []string
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, payload []byte, opts queue.Options) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobIDs = append(f.jobIDs, opts.JobID)
	return opts.JobID, false, nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobIDs)
}

func TestRunRollingSkipsRecentAndRecoversOldMissingBattles(t *testing.T) {
	now := time.Now()
	src := &fakeSource{pages: [][]source.BattleSummary{
		{
			{AlbionID: 1, StartedAt: now.Add(-1 * time.Minute)},  // too recent, let crawler handle
			{AlbionID: 2, StartedAt: now.Add(-30 * time.Minute)}, // old enough, missing
		},
	}}
	st := &fakeStore{existing: map[uint64]bool{}}
	kq, nq := &fakeEnqueuer{}, &fakeEnqueuer{}
	sw := New(src, st, kq, nq, Config{RollingPages: 5, MinAge: 10 * time.Minute, MinPlayers: 10}, nil)

	if err := sw.RunRolling(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(st.upserted) != 1 || st.upserted[0].AlbionID != 2 {
		t.Fatalf("expected only battle 2 recovered, got %+v", st.upserted)
	}
	if len(kq.jobIDs) != 1 || kq.jobIDs[0] != "battle-2" {
		t.Fatalf("expected a deterministic kills-fetch job id for battle 2, got %+v", kq.jobIDs)
	}
}

func TestRunRollingSkipsExistingBattles(t *testing.T) {
	now := time.Now()
	src := &fakeSource{pages: [][]source.BattleSummary{
		{{AlbionID: 5, StartedAt: now.Add(-1 * time.Hour)}},
	}}
	st := &fakeStore{existing: map[uint64]bool{5: true}}
	kq, nq := &fakeEnqueuer{}, &fakeEnqueuer{}
	sw := New(src, st, kq, nq, Config{RollingPages: 5, MinAge: 10 * time.Minute, MinPlayers: 10}, nil)

	if err := sw.RunRolling(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(st.upserted) != 0 || len(kq.jobIDs) != 0 {
		t.Fatal("expected no recovery work for an already-present battle")
	}
}

func TestRunDeepStopsWhenOldestExceedsMaxAge(t *testing.T) {
	now := time.Now()
	src := &fakeSource{pages: [][]source.BattleSummary{
		{{AlbionID: 1, StartedAt: now.Add(-72 * time.Hour)}},
		{{AlbionID: 2, StartedAt: now.Add(-1 * time.Hour)}},
	}}
	st := &fakeStore{existing: map[uint64]bool{}}
	kq, nq := &fakeEnqueuer{}, &fakeEnqueuer{}
	sw := New(src, st, kq, nq, Config{DeepPages: 5, MaxAge: 48 * time.Hour, MinPlayers: 10}, nil)

	if err := sw.RunDeep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(st.upserted) != 0 {
		t.Fatal("expected the scan to stop before ever processing the over-age-bound page")
	}
}

func TestRunDeepSkipsKillsFetchForBattleMissingTerminalMmrJob(t *testing.T) {
	now := time.Now()
	src := &fakeSource{pages: [][]source.BattleSummary{
		{{AlbionID: 99, StartedAt: now.Add(-1 * time.Hour)}},
	}}
	st := &fakeStore{
		existing:    map[uint64]bool{99: true},
		jobStatuses: map[uint64]models.JobStatus{},
		season:      &models.Season{ID: 1, IsActive: true},
	}
	kq, nq := &fakeEnqueuer{}, &fakeEnqueuer{}
	sw := New(src, st, kq, nq, Config{DeepPages: 5, MaxAge: 48 * time.Hour, MinPlayers: 10}, nil)

	if err := sw.RunDeep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(kq.jobIDs) != 0 {
		t.Fatal("expected no kills-fetch re-enqueue for a present battle")
	}
	if len(nq.jobIDs) != 1 {
		t.Fatal("expected a notification-only recheck")
	}
}

func TestRunDeepSkipsNotificationWhenMmrJobAlreadyTerminal(t *testing.T) {
	now := time.Now()
	src := &fakeSource{pages: [][]source.BattleSummary{
		{{AlbionID: 99, StartedAt: now.Add(-1 * time.Hour)}},
	}}
	st := &fakeStore{
		existing:    map[uint64]bool{99: true},
		jobStatuses: map[uint64]models.JobStatus{99: models.JobCompleted},
		season:      &models.Season{ID: 1, IsActive: true},
	}
	kq, nq := &fakeEnqueuer{}, &fakeEnqueuer{}
	sw := New(src, st, kq, nq, Config{DeepPages: 5, MaxAge: 48 * time.Hour, MinPlayers: 10}, nil)

	if err := sw.RunDeep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(kq.jobIDs) != 0 || len(nq.jobIDs) != 0 {
		t.Fatal("expected no recovery work once the mmr job is already terminal")
	}
}

func TestRunDeepObservesMinAgeGate(t *testing.T) {
	now := time.Now()
	src := &fakeSource{pages: [][]source.BattleSummary{
		{
			{AlbionID: 10, StartedAt: now.Add(-2 * time.Minute)},  // still the crawler's to ingest
			{AlbionID: 11, StartedAt: now.Add(-45 * time.Minute)}, // old enough, missing
		},
	}}
	st := &fakeStore{existing: map[uint64]bool{}}
	kq, nq := &fakeEnqueuer{}, &fakeEnqueuer{}
	sw := New(src, st, kq, nq, Config{DeepPages: 5, MaxAge: 48 * time.Hour, MinAge: 10 * time.Minute, MinPlayers: 10}, nil)

	if err := sw.RunDeep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(st.upserted) != 1 || st.upserted[0].AlbionID != 11 {
		t.Fatalf("expected only the over-min-age battle recovered, got %+v", st.upserted)
	}
	if len(kq.jobIDs) != 1 || kq.jobIDs[0] != "battle-11" {
		t.Fatalf("expected a kills-fetch only for battle 11, got %+v", kq.jobIDs)
	}
}
