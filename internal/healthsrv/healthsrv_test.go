package healthsrv

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openmohaa/albion-mmr/internal/queue"
)

type fakeDB struct {
	err error
}

func (f *fakeDB) HealthCheck(ctx context.Context) (time.Time, error) {
	return time.Now(), f.err
}

type fakeQueue struct {
	err error
}

func (f *fakeQueue) Counts(ctx context.Context) (queue.Counts, error) {
	return queue.Counts{}, f.err
}

func TestHealthzAlwaysOK(t *testing.T) {
	r := NewRouter(Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyzOKWhenDependenciesHealthy(t *testing.T) {
	r := NewRouter(Config{
		DB:     &fakeDB{},
		Queues: map[string]QueueCounts{"mmr-calc": &fakeQueue{}},
	})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestReadyzFailsWhenDBUnreachable(t *testing.T) {
	r := NewRouter(Config{DB: &fakeDB{err: context.DeadlineExceeded}})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestReadyzFailsWhenAQueueUnreachable(t *testing.T) {
	r := NewRouter(Config{
		DB: &fakeDB{},
		Queues: map[string]QueueCounts{
			"battle-crawl": &fakeQueue{},
			"kills-fetch":  &fakeQueue{err: context.DeadlineExceeded},
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
