package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/geminibiz/gateway/internal/account"
	"github.com/geminibiz/gateway/internal/redis"
)

// HealthHandler handles GET /health requests.
type HealthHandler struct {
	store *redis.AccountStore
	pool  *account.Pool
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string         `json:"status"`
	Store    string         `json:"store"`
	Accounts AccountsStatus `json:"accounts"`
}

// AccountsStatus represents account pool status.
type AccountsStatus struct {
	Total     int `json:"total"`
	Available int `json:"available"`
}

// NewHealthHandler creates a new health handler. store may be nil when
// accounts come from the environment only.
func NewHealthHandler(store *redis.AccountStore, pool *account.Pool) *HealthHandler {
	return &HealthHandler{
		store: store,
		pool:  pool,
	}
}

// ServeHTTP handles the health check request.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status: "healthy",
		Store:  "disabled",
	}

	if h.store != nil {
		response.Store = "connected"
		if err := h.store.Ping(ctx); err != nil {
			response.Status = "degraded"
			response.Store = "disconnected"
		}
	}

	stats := h.pool.Stats()
	response.Accounts.Total = stats.TotalAccounts
	response.Accounts.Available = stats.AvailableAccounts

	if response.Accounts.Available == 0 {
		response.Status = "degraded"
	}

	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}
