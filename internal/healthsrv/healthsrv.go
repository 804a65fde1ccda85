// Package healthsrv exposes the minimal liveness/readiness HTTP surface
// every long-running process in this module carries regardless of its
// domain scope: /healthz always answers while the process is up, /readyz
// answers only once its dependencies (Postgres, the work queue) are
// reachable.
package healthsrv

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/openmohaa/albion-mmr/internal/queue"
)

// DBPinger is the narrow store.Store surface used for the readiness check.
type DBPinger interface {
	HealthCheck(ctx context.Context) (time.Time, error)
}

// QueueCounts is the narrow queue.Queue surface used for the readiness
// check; any logical queue handle works since Counts() only reads Redis.
type QueueCounts interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

// Config wires the dependencies the handler checks readiness against.
// Queues is keyed by logical queue name (battle-crawl, kills-fetch,
// mmr-calc, battle-notification) so /readyz can report which one, if any, is down.
type Config struct {
	DB     DBPinger
	Queues map[string]QueueCounts
	Logger *zap.SugaredLogger
}

type handler struct {
	db     DBPinger
	queues map[string]QueueCounts
	logger *zap.SugaredLogger
}

// NewRouter builds the chi router serving /healthz and /readyz, with the
// same permissive CORS policy the rest of the module's HTTP surfaces use.
func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	h := &handler{db: cfg.DB, queues: cfg.Queues, logger: logger}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	return r
}

type statusResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// healthz never touches a dependency: it reports the process is scheduling
// requests at all.
func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// readyz fails closed: any dependency check error yields 503 so an
// orchestrator stops routing traffic to this instance.
func (h *handler) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, 2)
	ready := true

	if h.db != nil {
		if _, err := h.db.HealthCheck(ctx); err != nil {
			h.logger.Warnw("readyz: db health check failed", "error", err)
			checks["db"] = err.Error()
			ready = false
		} else {
			checks["db"] = "ok"
		}
	}

	for name, q := range h.queues {
		if _, err := q.Counts(ctx); err != nil {
			h.logger.Warnw("readyz: queue health check failed", "queue", name, "error", err)
			checks["queue:"+name] = err.Error()
			ready = false
		} else {
			checks["queue:"+name] = "ok"
		}
	}

	status := http.StatusOK
	resp := statusResponse{Status: "ok", Checks: checks}
	if !ready {
		status = http.StatusServiceUnavailable
		resp.Status = "not_ready"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
