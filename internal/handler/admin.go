package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/geminibiz/gateway/internal/account"
	"github.com/geminibiz/gateway/internal/maintenance"
	"github.com/geminibiz/gateway/internal/openai"
	"github.com/geminibiz/gateway/internal/redis"
	"github.com/geminibiz/gateway/internal/session"
)

// AdminHandler serves account management endpoints under /admin.
type AdminHandler struct {
	pool     *account.Pool
	sessions *session.Registry
	store    *redis.AccountStore
	jobs     *maintenance.Scheduler
	environ  func() []string
	logger   *slog.Logger
}

// AdminHandlerOptions configures the admin handler.
type AdminHandlerOptions struct {
	Pool     *account.Pool
	Sessions *session.Registry
	// Store is optional. Without it the store endpoints answer 404 and
	// credential updates only touch the in-memory pool.
	Store *redis.AccountStore
	// Scheduler is optional; its jobs are listed in /admin/stats.
	Scheduler *maintenance.Scheduler
	// Environ supplies the environment fallback for reloads. Defaults to os.Environ.
	Environ func() []string
	Logger  *slog.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(opts AdminHandlerOptions) *AdminHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ
	}
	return &AdminHandler{
		pool:     opts.Pool,
		sessions: opts.Sessions,
		store:    opts.Store,
		jobs:     opts.Scheduler,
		environ:  environ,
		logger:   logger,
	}
}

// Register adds the admin routes to mux.
func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/accounts", h.ListAccounts)
	mux.HandleFunc("GET /admin/stats", h.Stats)
	mux.HandleFunc("POST /admin/accounts/reload", h.Reload)
	mux.HandleFunc("POST /admin/accounts/{name}/reset", h.ResetAccount)
	mux.HandleFunc("PUT /admin/accounts/{name}/credentials", h.UpdateCredentials)

	mux.HandleFunc("GET /admin/store/accounts", h.ListStoreAccounts)
	mux.HandleFunc("POST /admin/store/accounts", h.CreateStoreAccount)
	mux.HandleFunc("DELETE /admin/store/accounts/{name}", h.DeleteStoreAccount)
}

// StatsResponse is the /admin/stats payload.
type StatsResponse struct {
	Pool     account.Stats           `json:"pool"`
	Sessions session.Stats           `json:"sessions"`
	Jobs     []maintenance.JobStatus `json:"jobs,omitempty"`
}

// ListAccounts handles GET /admin/accounts.
func (h *AdminHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": h.pool.Stats().Accounts})
}

// Stats handles GET /admin/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Pool:     h.pool.Stats(),
		Sessions: h.sessions.Stats(),
		Jobs:     h.jobs.Jobs(),
	})
}

// Reload handles POST /admin/accounts/reload.
func (h *AdminHandler) Reload(w http.ResponseWriter, r *http.Request) {
	n, err := h.pool.Reload(r.Context(), h.environ())
	if err != nil {
		openai.NewUpstreamError("Account reload failed: " + err.Error()).WriteError(w)
		return
	}
	h.logger.Info("accounts reloaded", "count", n)
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": n})
}

// ResetAccount handles POST /admin/accounts/{name}/reset.
func (h *AdminHandler) ResetAccount(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.pool.ResetCooldown(name); err != nil {
		openai.NewNotFoundError("Account not found: " + name).WriteError(w)
		return
	}
	writeJSON(w, http.StatusOK, h.pool.Get(name).Snapshot())
}

// CredentialsRequest carries cookies from the external cookie refresher.
// Empty fields keep the current value.
type CredentialsRequest struct {
	SecureCSES  string     `json:"secure_c_ses"`
	HostCOSES   string     `json:"host_c_oses"`
	CSESIDX     string     `json:"csesidx"`
	ConfigID    string     `json:"config_id"`
	RefreshedAt *time.Time `json:"refreshed_at,omitempty"`
}

// merge overlays the non-empty fields of req on creds.
func (req CredentialsRequest) merge(creds account.Credentials) account.Credentials {
	if req.SecureCSES != "" {
		creds.SecureCSES = req.SecureCSES
	}
	if req.HostCOSES != "" {
		creds.HostCOSES = req.HostCOSES
	}
	if req.CSESIDX != "" {
		creds.CSESIDX = req.CSESIDX
	}
	if req.ConfigID != "" {
		creds.ConfigID = req.ConfigID
	}
	return creds
}

// UpdateCredentials handles PUT /admin/accounts/{name}/credentials. The store
// is written first; an update older than the stored credentials is dropped
// without touching the pool.
func (h *AdminHandler) UpdateCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")

	var req CredentialsRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		apiErr.WriteError(w)
		return
	}
	if req.SecureCSES == "" && req.HostCOSES == "" && req.CSESIDX == "" && req.ConfigID == "" {
		openai.NewInvalidRequestError("at least one credential field is required").WriteError(w)
		return
	}

	if h.store != nil {
		var refreshedAt time.Time
		if req.RefreshedAt != nil {
			refreshedAt = *req.RefreshedAt
		}
		applied, err := h.store.UpdateCredentials(ctx, name, redis.CredentialUpdate{
			SecureCSES:  req.SecureCSES,
			HostCOSES:   req.HostCOSES,
			CSESIDX:     req.CSESIDX,
			ConfigID:    req.ConfigID,
			RefreshedAt: refreshedAt,
		})
		switch {
		case errors.Is(err, redis.ErrAccountNotFound):
			openai.NewNotFoundError("Account not found: " + name).WriteError(w)
			return
		case err != nil:
			h.logger.Error("failed to store credentials", "account", name, "error", err)
			openai.NewAPIError("Failed to store credentials").WriteError(w)
			return
		case !applied:
			h.logger.Info("stale credential update ignored", "account", name)
			writeJSON(w, http.StatusOK, map[string]interface{}{"applied": false})
			return
		}
	}

	acc := h.pool.Get(name)
	if acc == nil {
		if h.store == nil {
			openai.NewNotFoundError("Account not found: " + name).WriteError(w)
			return
		}
		// Stored but not yet in the pool, e.g. inactive until now.
		if _, err := h.pool.LoadFromStore(ctx); err != nil {
			h.logger.Warn("failed to load updated account", "account", name, "error", err)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"applied": true})
		return
	}

	if err := h.pool.UpdateCredentials(name, req.merge(acc.Credentials())); err != nil {
		openai.NewNotFoundError("Account not found: " + name).WriteError(w)
		return
	}
	h.logger.Info("account credentials updated", "account", name)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applied": true,
		"account": acc.Snapshot(),
	})
}

// ListStoreAccounts handles GET /admin/store/accounts. Cookie values are masked.
func (h *AdminHandler) ListStoreAccounts(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	records, err := h.store.All(r.Context())
	if err != nil {
		h.logger.Error("failed to list stored accounts", "error", err)
		openai.NewAPIError("Failed to list accounts").WriteError(w)
		return
	}
	for i := range records {
		records[i].SecureCSES = account.MaskSecret(records[i].SecureCSES)
		records[i].HostCOSES = account.MaskSecret(records[i].HostCOSES)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": records})
}

// CreateStoreAccount handles POST /admin/store/accounts. Active records are
// loaded into the pool right away.
func (h *AdminHandler) CreateStoreAccount(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	var rec redis.AccountRecord
	if apiErr := decodeJSON(r, &rec); apiErr != nil {
		apiErr.WriteError(w)
		return
	}
	if rec.Name == "" {
		openai.NewInvalidRequestError("name: field is required").WriteError(w)
		return
	}

	created, err := h.store.Create(r.Context(), rec)
	switch {
	case errors.Is(err, redis.ErrAccountExists):
		(&openai.APIError{
			Type:       openai.ErrorTypeInvalidRequest,
			Message:    "Account already exists: " + rec.Name,
			StatusCode: http.StatusConflict,
		}).WriteError(w)
		return
	case err != nil:
		h.logger.Error("failed to create account", "account", rec.Name, "error", err)
		openai.NewAPIError("Failed to create account").WriteError(w)
		return
	}

	if created.IsActive {
		if _, err := h.pool.LoadFromStore(r.Context()); err != nil {
			h.logger.Warn("failed to load created account", "account", created.Name, "error", err)
		}
	}
	h.logger.Info("account created", "account", created.Name)
	created.SecureCSES = account.MaskSecret(created.SecureCSES)
	created.HostCOSES = account.MaskSecret(created.HostCOSES)
	writeJSON(w, http.StatusCreated, created)
}

// DeleteStoreAccount handles DELETE /admin/store/accounts/{name}. The account
// also leaves the pool.
func (h *AdminHandler) DeleteStoreAccount(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	name := r.PathValue("name")
	err := h.store.Delete(r.Context(), name)
	switch {
	case errors.Is(err, redis.ErrAccountNotFound):
		openai.NewNotFoundError("Account not found: " + name).WriteError(w)
		return
	case err != nil:
		h.logger.Error("failed to delete account", "account", name, "error", err)
		openai.NewAPIError("Failed to delete account").WriteError(w)
		return
	}

	removed := h.pool.Remove(name)
	h.logger.Info("account deleted", "account", name, "removed_from_pool", removed)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) requireStore(w http.ResponseWriter) bool {
	if h.store == nil {
		openai.NewNotFoundError("Account store is not configured").WriteError(w)
		return false
	}
	return true
}
