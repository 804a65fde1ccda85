package crawler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/time/rate"

	"github.com/openmohaa/albion-mmr/internal/models"
	"github.com/openmohaa/albion-mmr/internal/queue"
	"github.com/openmohaa/albion-mmr/internal/source"
)

type fakeSource struct {
	pages     [][]source.BattleSummary
	observer  *source.RateLimitObserver
	calls     []int
	throttled []rate.Limit
}

func (f *fakeSource) ListBattles(ctx context.Context, page, minPlayers int) ([]source.BattleSummary, error) {
	f.calls = append(f.calls, page)
	if page >= len(f.pages) {
		return nil, nil
	}
	return f.pages[page], nil
}

func (f *fakeSource) Observer() *source.RateLimitObserver {
	if f.observer == nil {
		f.observer = source.NewRateLimitObserver(0.2)
	}
	return f.observer
}

func (f *fakeSource) Throttle(perSecond rate.Limit) {
	f.throttled = append(f.throttled, perSecond)
}

// fakeStore is shared across the errgroup-fanned-out goroutines RunOnce
// spawns per page, so its map/counters need the same guarding a real
// pgxpool-backed store gets for free.
type fakeStore struct {
	mu        sync.Mutex
	battles   map[uint64]models.Battle
	watermark time.Time
	lookback  time.Duration
	setCalls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{battles: make(map[uint64]models.Battle)}
}

func (f *fakeStore) UpsertBattle(ctx context.Context, b models.Battle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.battles[b.AlbionID] = b
	return nil
}

// GetBattle wraps pgx.ErrNoRows the same way store.GetBattle does, so
// errors.Is still matches through the %w chain.
func (f *fakeStore) GetBattle(ctx context.Context, albionID uint64) (*models.Battle, error) {
	f.mu.Lock()
	b, ok := f.battles[albionID]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("GetBattle %d: %w", albionID, pgx.ErrNoRows)
	}
	return &b, nil
}

func (f *fakeStore) SetWatermark(ctx context.Context, t time.Time, softLookback time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	f.watermark = t
	f.lookback = softLookback
	return nil
}

func (f *fakeStore) battleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.battles)
}

func (f *fakeStore) putBattle(b models.Battle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.battles[b.AlbionID] = b
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	enqueued []queue.Options
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, payload []byte, opts queue.Options) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, opts)
	return opts.JobID, false, nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

func testCrawler(src *fakeSource, store Store, kills, notify *fakeEnqueuer) *Crawler {
	cfg := Config{
		CrawlInterval:     time.Minute,
		MaxPagesPerCrawl:  5,
		SoftLookback:      15 * time.Minute,
		MinPlayers:        10,
		RecheckDoneBattle: 24 * time.Hour,
		DebounceKills:     15 * time.Minute,
		SlowdownDuration:  120 * time.Second,
	}
	return New(src, store, kills, notify, cfg, nil)
}

func TestRunOnceStopsOnEntirelyOldPage(t *testing.T) {
	now := time.Now()
	old := now.Add(-2 * time.Hour)
	src := &fakeSource{pages: [][]source.BattleSummary{
		{
			{AlbionID: 1, StartedAt: old, TotalPlayers: 20},
			{AlbionID: 2, StartedAt: old, TotalPlayers: 20},
		},
		{
			{AlbionID: 3, StartedAt: now, TotalPlayers: 20},
		},
	}}
	store := newFakeStore()
	kills := &fakeEnqueuer{}
	notify := &fakeEnqueuer{}
	c := testCrawler(src, store, kills, notify)

	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(src.calls) != 1 {
		t.Fatalf("expected crawl to stop after page 0, got calls=%v", src.calls)
	}
	if got := store.battleCount(); got != 2 {
		t.Fatalf("expected both battles on page 0 upserted, got %d", got)
	}
	if store.setCalls != 1 {
		t.Fatalf("expected watermark to be set once, got %d calls", store.setCalls)
	}
	wantWatermark := now.Add(-15 * time.Minute)
	if store.watermark.After(wantWatermark) {
		t.Fatalf("watermark %v should not exceed now-soft_lookback %v", store.watermark, wantWatermark)
	}
}

func TestIngestOneEnqueuesNotificationOnlyForNewBattles(t *testing.T) {
	now := time.Now()
	src := &fakeSource{}
	store := newFakeStore()
	kills := &fakeEnqueuer{}
	notify := &fakeEnqueuer{}
	c := testCrawler(src, store, kills, notify)

	summary := source.BattleSummary{AlbionID: 42, StartedAt: now, TotalPlayers: 20}
	if err := c.ingestOne(context.Background(), summary, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notify.enqueued) != 1 {
		t.Fatalf("expected one notification for a new battle, got %d", len(notify.enqueued))
	}
	if len(kills.enqueued) != 1 {
		t.Fatalf("expected kills-fetch enqueued for a never-fetched battle, got %d", len(kills.enqueued))
	}
	if kills.enqueued[0].JobID != "battle-42" {
		t.Fatalf("expected deterministic job id battle-42, got %q", kills.enqueued[0].JobID)
	}

	// Re-ingesting the same battle should not enqueue a second notification.
	if err := c.ingestOne(context.Background(), summary, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notify.enqueued) != 1 {
		t.Fatalf("expected notification not to be re-enqueued for an existing battle, got %d", len(notify.enqueued))
	}
}

func TestIngestOneSkipsKillsFetchOnceDoneAndPastRecheckWindow(t *testing.T) {
	now := time.Now()
	started := now.Add(-48 * time.Hour)
	fetched := started.Add(time.Hour)
	store := newFakeStore()
	store.putBattle(models.Battle{AlbionID: 7, StartedAt: started, KillsFetchedAt: &fetched})

	src := &fakeSource{}
	kills := &fakeEnqueuer{}
	notify := &fakeEnqueuer{}
	c := testCrawler(src, store, kills, notify)

	summary := source.BattleSummary{AlbionID: 7, StartedAt: started, TotalPlayers: 20}
	if err := c.ingestOne(context.Background(), summary, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(kills.enqueued) != 0 {
		t.Fatalf("expected no kills-fetch for a long-settled battle, got %d", len(kills.enqueued))
	}
}

func TestMaybeWaitSlowdownThrottlesThenReleases(t *testing.T) {
	src := &fakeSource{observer: source.NewRateLimitObserver(0.2)}
	for i := 0; i < 10; i++ {
		src.observer.Record(true)
	}
	store := newFakeStore()
	c := New(src, store, &fakeEnqueuer{}, &fakeEnqueuer{}, Config{
		CrawlInterval:    time.Minute,
		MaxPagesPerCrawl: 5,
		SoftLookback:     15 * time.Minute,
		MinPlayers:       10,
		SlowdownDuration: 5 * time.Millisecond,
	}, nil)

	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(src.throttled) != 1 || src.throttled[0] != slowdownRequestRate {
		t.Fatalf("expected the slowdown to cap the client at %v, got %+v", slowdownRequestRate, src.throttled)
	}

	// Clear the observer and tick again past the deadline: the cap lifts.
	for i := 0; i < 200; i++ {
		src.observer.Record(false)
	}
	time.Sleep(6 * time.Millisecond)
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(src.throttled) != 2 || src.throttled[1] != 0 {
		t.Fatalf("expected the cap removed once the slowdown expired, got %+v", src.throttled)
	}
}
