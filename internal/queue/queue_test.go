package queue

import (
	"context"
	"testing"
	"time"
)

func TestEnqueueDedupByJobID(t *testing.T) {
	fr := newFakeRedis()
	q := &Queue{name: "kills-fetch", client: fr, logger: noopLogger()}

	id1, already1, err := q.Enqueue(context.Background(), []byte("a"), Options{JobID: "battle-42", Attempts: 1})
	if err != nil || already1 {
		t.Fatalf("expected first enqueue to succeed, got already=%v err=%v", already1, err)
	}
	id2, already2, err := q.Enqueue(context.Background(), []byte("a"), Options{JobID: "battle-42", Attempts: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !already2 {
		t.Fatal("expected duplicate job id to be reported already queued")
	}
	if id1 != id2 {
		t.Fatalf("expected both calls to resolve to the same job id, got %s vs %s", id1, id2)
	}

	counts, err := q.Counts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.Waiting != 1 {
		t.Fatalf("expected exactly one live job, got %d waiting", counts.Waiting)
	}
}

func TestDequeueThenComplete(t *testing.T) {
	fr := newFakeRedis()
	q := &Queue{name: "mmr-calc", client: fr, logger: noopLogger()}

	if _, _, err := q.Enqueue(context.Background(), []byte("payload"), Options{JobID: "mmr-1", Attempts: 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job == nil || job.ID != "mmr-1" {
		t.Fatalf("expected to dequeue mmr-1, got %+v", job)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected attempts incremented to 1, got %d", job.Attempts)
	}

	if err := q.Complete(context.Background(), job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	counts, err := q.Counts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.Completed != 1 || counts.Active != 0 {
		t.Fatalf("unexpected counts after complete: %+v", counts)
	}
}

func TestFailRequeuesUntilAttemptsExhausted(t *testing.T) {
	fr := newFakeRedis()
	q := &Queue{name: "kills-fetch", client: fr, logger: noopLogger()}

	if _, _, err := q.Enqueue(context.Background(), []byte("payload"), Options{JobID: "battle-7", Attempts: 2, Backoff: Backoff{BaseMs: 1}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job, err := q.Dequeue(context.Background())
	if err != nil || job == nil {
		t.Fatalf("expected to dequeue a job: %v", err)
	}
	if err := q.Fail(context.Background(), job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	counts, err := q.Counts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.Failed != 0 {
		t.Fatal("expected job to be requeued, not terminally failed, after first failure")
	}

	time.Sleep(2 * time.Millisecond)
	job2, err := q.Dequeue(context.Background())
	if err != nil || job2 == nil {
		t.Fatalf("expected requeued job to become ready: %v", err)
	}
	if job2.Attempts != 2 {
		t.Fatalf("expected attempts=2 on second dequeue, got %d", job2.Attempts)
	}
	if err := q.Fail(context.Background(), job2.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	counts, err = q.Counts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.Failed != 1 {
		t.Fatalf("expected job to be terminally failed after exhausting attempts, got %+v", counts)
	}
}

func TestDelayedJobIsNotImmediatelyReady(t *testing.T) {
	fr := newFakeRedis()
	q := &Queue{name: "battle-crawl", client: fr, logger: noopLogger()}

	if _, _, err := q.Enqueue(context.Background(), []byte("x"), Options{JobID: "delayed-1", Attempts: 1, DelayMs: 60_000}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job != nil {
		t.Fatal("expected a delayed job to not be ready yet")
	}

	counts, err := q.Counts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.Delayed != 1 || counts.Waiting != 0 {
		t.Fatalf("expected the job to be counted as delayed, got %+v", counts)
	}
}

func TestCompleteReleasesDedupKey(t *testing.T) {
	fr := newFakeRedis()
	q := &Queue{name: "kills-fetch", client: fr, logger: noopLogger()}

	if _, _, err := q.Enqueue(context.Background(), []byte("a"), Options{JobID: "battle-42", Attempts: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	job, err := q.Dequeue(context.Background())
	if err != nil || job == nil {
		t.Fatalf("expected to dequeue the job: %v", err)
	}
	if err := q.Complete(context.Background(), job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The job is no longer alive, so the same deterministic id can be
	// enqueued again by a later crawl pass.
	_, already, err := q.Enqueue(context.Background(), []byte("a"), Options{JobID: "battle-42", Attempts: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if already {
		t.Fatal("expected a completed job id to be enqueueable again")
	}
}
