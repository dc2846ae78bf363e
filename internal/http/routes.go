package httpx

import (
	"log/slog"
	"net/http"

	"github.com/pricewatch/scrapehub/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs *service.CoordinatorService
	// Liveness dependencies; nil skips the corresponding healthz ping.
	DB     DBPinger
	Redis  RedisPinger
	Logger *slog.Logger // Logger for handler errors (optional)
}

// NewRouter creates and configures the coordinator API router. Middleware
// (recovery, logging, compression) is layered on by the caller so the same
// mux can be tested without it.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	registerJobRoutes(mux, &JobHandlers{Svc: services.Jobs, Logger: services.Logger})

	health := &HealthHandlers{DB: services.DB, Redis: services.Redis, Logger: services.Logger}
	mux.Handle("GET /healthz", http.HandlerFunc(health.Health))
	mux.Handle("HEAD /healthz", http.HandlerFunc(health.Health))

	return mux
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /api/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/jobs/{id}", h.GetJob)
}
