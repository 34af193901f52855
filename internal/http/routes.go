package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/loadrun-api/internal/core"
	"github.com/target/loadrun-api/internal/service"
)

// RouterServices holds the services needed by the HTTP router.
type RouterServices struct {
	Reconciler *service.Reconciler
	Pending    core.PendingJobs
	// Health checks keyed by dependency name (document store, pending jobs,
	// blob store). Nil entries are skipped.
	Checks map[string]HealthChecker
	Logger *slog.Logger
}

// NewRouter creates and configures a new HTTP router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))

	readiness := &ReadinessHandlers{Checks: services.Checks}
	mux.Handle("GET /readyz", http.HandlerFunc(readiness.Ready))

	if services.Reconciler != nil {
		conns := &ConnectionHandlers{Reconciler: services.Reconciler, Logger: services.Logger}
		mux.Handle("POST /api/connections/{connID}/attach", http.HandlerFunc(conns.Attach))
		mux.Handle("POST /api/connections/{connID}/events", http.HandlerFunc(conns.Ingest))
		mux.Handle("DELETE /api/connections/{connID}", http.HandlerFunc(conns.Detach))
		mux.Handle("GET /api/connections", http.HandlerFunc(conns.Live))
	}

	if services.Pending != nil {
		jobs := &JobHandlers{Pending: services.Pending}
		mux.Handle("GET /api/jobs/{jobID}", http.HandlerFunc(jobs.Status))
	}

	return mux
}
