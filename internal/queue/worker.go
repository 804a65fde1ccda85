package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Handler processes one dequeued job. Returning an error fails the job
// (triggering backoff-requeue or terminal FAILED per attempts remaining);
// returning nil completes it.
type Handler func(ctx context.Context, job *Job) error

// Event is one structured completed/failed/stalled/error notification
// delivered to consuming workers.
type Event struct {
	Kind  string // "completed", "failed", "stalled", "error"
	JobID string
	Err   error
}

// Consume runs concurrency worker goroutines pulling from q until ctx is
// cancelled, each polling on pollInterval when the queue is empty. It
// blocks until every worker goroutine has exited (on ctx cancellation).
func Consume(ctx context.Context, q *Queue, concurrency int, pollInterval time.Duration, handler Handler, events chan<- Event, logger *zap.SugaredLogger) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	done := make(chan struct{}, concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer func() { done <- struct{}{} }()
			runWorker(ctx, q, pollInterval, handler, events, logger, workerID)
		}(i)
	}
	for i := 0; i < concurrency; i++ {
		<-done
	}
}

func runWorker(ctx context.Context, q *Queue, pollInterval time.Duration, handler Handler, events chan<- Event, logger *zap.SugaredLogger, workerID int) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := q.Dequeue(ctx)
			if err != nil {
				logger.Warnw("dequeue failed", "queue", q.name, "worker", workerID, "error", err)
				emit(events, Event{Kind: "error", Err: err})
				continue
			}
			if job == nil {
				continue
			}
			processJob(ctx, q, job, handler, events, logger)
		}
	}
}

func processJob(ctx context.Context, q *Queue, job *Job, handler Handler, events chan<- Event, logger *zap.SugaredLogger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("job handler panicked", "queue", q.name, "job_id", job.ID, "panic", r)
			if err := q.Fail(ctx, job.ID); err != nil {
				logger.Warnw("failed to mark panicked job failed", "queue", q.name, "job_id", job.ID, "error", err)
			}
			emit(events, Event{Kind: "failed", JobID: job.ID})
		}
	}()

	if err := handler(ctx, job); err != nil {
		logger.Warnw("job handler returned error", "queue", q.name, "job_id", job.ID, "attempts", job.Attempts, "error", err)
		if ferr := q.Fail(ctx, job.ID); ferr != nil {
			logger.Warnw("failed to record job failure", "queue", q.name, "job_id", job.ID, "error", ferr)
		}
		emit(events, Event{Kind: "failed", JobID: job.ID, Err: err})
		return
	}

	if err := q.Complete(ctx, job.ID); err != nil {
		logger.Warnw("failed to mark job completed", "queue", q.name, "job_id", job.ID, "error", err)
	}
	emit(events, Event{Kind: "completed", JobID: job.ID})
}

func emit(events chan<- Event, ev Event) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	default:
	}
}
