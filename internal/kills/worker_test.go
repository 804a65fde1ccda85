package kills

import (
	"context"
	"testing"
	"time"

	"github.com/openmohaa/albion-mmr/internal/models"
	"github.com/openmohaa/albion-mmr/internal/queue"
	"github.com/openmohaa/albion-mmr/internal/source"
)

type fakeSource struct {
	events []source.KillEvent
	err    error
}

func (f *fakeSource) BattleKills(ctx context.Context, albionID uint64) ([]source.KillEvent, error) {
	return f.events, f.err
}

type fakeStore struct {
	battle         *models.Battle
	upserted       []models.KillEvent
	stampedID      uint64
	stampedAt      time.Time
	upsertErr      error
}

func (f *fakeStore) GetBattle(ctx context.Context, albionID uint64) (*models.Battle, error) {
	if f.battle == nil {
		return nil, context.DeadlineExceeded
	}
	return f.battle, nil
}

func (f *fakeStore) UpsertKillEvent(ctx context.Context, k models.KillEvent) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, k)
	return nil
}

func (f *fakeStore) StampKillsFetchedAt(ctx context.Context, albionID uint64, at time.Time) error {
	f.stampedID = albionID
	f.stampedAt = at
	return nil
}

type fakeEnqueuer struct {
	calls []queue.Options
	err   error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, payload []byte, opts queue.Options) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	f.calls = append(f.calls, opts)
	return opts.JobID, false, nil
}

func TestHandleUpsertsEventsStampsAndEnqueuesMmrCalc(t *testing.T) {
	src := &fakeSource{events: []source.KillEvent{
		{EventID: 1, Killer: source.Combatant{ID: "k1", GuildName: "A"}, Victim: source.Combatant{ID: "v1", GuildName: "B"}},
		{EventID: 2, Killer: source.Combatant{ID: "k2", GuildName: "A"}, Victim: source.Combatant{ID: "v2", GuildName: "B"}},
	}}
	st := &fakeStore{battle: &models.Battle{AlbionID: 42, TotalPlayers: 40, TotalFame: 3_000_000}}
	enq := &fakeEnqueuer{}
	w := New(src, st, enq, nil)

	job := &queue.Job{ID: "battle-42", Payload: []byte(`{"albion_id": 42}`)}
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(st.upserted) != 2 {
		t.Fatalf("expected 2 kill events upserted, got %d", len(st.upserted))
	}
	if st.stampedID != 42 {
		t.Fatalf("expected battle 42 stamped, got %d", st.stampedID)
	}
	if len(enq.calls) != 1 {
		t.Fatalf("expected exactly one mmr-calc enqueue, got %d", len(enq.calls))
	}
}

func TestHandleSkipsMmrEnqueueBelowAdmission(t *testing.T) {
	src := &fakeSource{}
	st := &fakeStore{battle: &models.Battle{AlbionID: 9, TotalPlayers: 20, TotalFame: 2_000_000}}
	enq := &fakeEnqueuer{}
	w := New(src, st, enq, nil)

	job := &queue.Job{ID: "battle-9", Payload: []byte(`{"albion_id": 9}`)}
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.stampedID != 9 {
		t.Fatal("expected kills_fetched_at stamped for the under-threshold battle")
	}
	if len(enq.calls) != 0 {
		t.Fatalf("expected no mmr-calc enqueue for a battle below the admission gate, got %d", len(enq.calls))
	}
}

func TestHandleDoesNotFailWhenMmrEnqueueFails(t *testing.T) {
	src := &fakeSource{}
	st := &fakeStore{battle: &models.Battle{AlbionID: 7, TotalPlayers: 40, TotalFame: 3_000_000}}
	enq := &fakeEnqueuer{err: context.DeadlineExceeded}
	w := New(src, st, enq, nil)

	job := &queue.Job{ID: "battle-7", Payload: []byte(`{"albion_id": 7}`)}
	if err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("expected kills job to succeed despite mmr-calc enqueue failure: %v", err)
	}
	if st.stampedID != 7 {
		t.Fatal("expected kills_fetched_at stamped even though enqueue failed")
	}
}

func TestHandlePropagatesUpstreamErrors(t *testing.T) {
	src := &fakeSource{err: context.DeadlineExceeded}
	st := &fakeStore{}
	enq := &fakeEnqueuer{}
	w := New(src, st, enq, nil)

	job := &queue.Job{ID: "battle-1", Payload: []byte(`{"albion_id": 1}`)}
	if err := w.Handle(context.Background(), job); err == nil {
		t.Fatal("expected error from source failure")
	}
}
