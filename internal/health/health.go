package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/scribeflow/internal/provider"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Catalog reports which AI providers are usable.
type Catalog interface {
	AvailableProviders() []provider.ID
}

type Handler struct {
	service string
	db      Pinger
	cache   redis.UniversalClient
	catalog Catalog
	timeout time.Duration
}

func NewHandler(service string, db Pinger, cache redis.UniversalClient, catalog Catalog) *Handler {
	return &Handler{
		service: service,
		db:      db,
		cache:   cache,
		catalog: catalog,
		timeout: 2 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": h.service})
}

// HandleDatabase checks Postgres and Redis. Either failing makes the
// response 503.
func (h *Handler) HandleDatabase(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"status": "healthy", "database": "connected", "cache": "connected"}

	if err := h.db.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
		body["database"] = err.Error()
	}
	if err := h.cache.Ping(ctx).Err(); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
		body["cache"] = err.Error()
	}

	writeJSON(w, status, body)
}

func (h *Handler) HandleAI(w http.ResponseWriter, r *http.Request) {
	providers := h.catalog.AvailableProviders()
	if providers == nil {
		providers = []provider.ID{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "healthy",
		"available_providers": providers,
		"total_providers":     len(providers),
	})
}
