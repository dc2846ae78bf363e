package httpx

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// healthTimeout bounds each dependency ping so a wedged backend cannot hang
// the liveness probe.
const healthTimeout = 2 * time.Second

const (
	healthOKResponse          = `{"status":"ok"}`
	healthUnavailableResponse = `{"status":"unavailable"}`
)

// DBPinger is the slice of *sql.DB the health check depends on.
type DBPinger interface {
	PingContext(ctx context.Context) error
}

// RedisPinger is the slice of redis.UniversalClient the health check depends on.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// HealthHandlers reports process liveness backed by the coordinator's two
// datastores. A dependency left nil is skipped, which keeps the handler
// usable in partial wiring during tests.
type HealthHandlers struct {
	DB     DBPinger
	Redis  RedisPinger
	Logger *slog.Logger
}

// Health handles GET and HEAD liveness checks. Both datastores must answer a
// ping within the timeout for the process to report healthy.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if h.DB != nil {
		if err := h.DB.PingContext(ctx); err != nil {
			h.unhealthy(w, r, "postgres", err)
			return
		}
	}
	if h.Redis != nil {
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			h.unhealthy(w, r, "redis", err)
			return
		}
	}

	writeHealthBody(w, r, http.StatusOK, healthOKResponse)
}

func (h *HealthHandlers) unhealthy(w http.ResponseWriter, r *http.Request, dependency string, err error) {
	if h.Logger != nil {
		h.Logger.ErrorContext(r.Context(), "health check failed",
			"dependency", dependency,
			"error", err,
		)
	}
	writeHealthBody(w, r, http.StatusServiceUnavailable, healthUnavailableResponse)
}

func writeHealthBody(w http.ResponseWriter, r *http.Request, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.WriteString(w, body); err != nil {
		// Nothing more to do if the client connection is gone.
		return
	}
}
