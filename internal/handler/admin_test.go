package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geminibiz/gateway/internal/account"
	"github.com/geminibiz/gateway/internal/redis"
)

func newTestStore(t *testing.T) (*redis.AccountStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := redis.NewClient(redis.ClientOptions{
		URL:       "redis://" + mr.Addr(),
		KeyPrefix: "gw:",
		PoolSize:  2,
	})
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	return redis.NewAccountStore(client), mr
}

func newAdminMux(env *testEnv, store *redis.AccountStore) *http.ServeMux {
	mux := http.NewServeMux()
	NewAdminHandler(AdminHandlerOptions{
		Pool:     env.pool,
		Sessions: env.registry,
		Store:    store,
		Environ:  func() []string { return nil },
	}).Register(mux)
	return mux
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t, "a")
	store, mr := newTestStore(t)

	decode := func(t *testing.T, body []byte) HealthResponse {
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(body, &resp))
		return resp
	}

	rec := serve(NewHealthHandler(nil, env.pool), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec.Body.Bytes())
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "disabled", resp.Store)
	assert.Equal(t, AccountsStatus{Total: 1, Available: 1}, resp.Accounts)

	rec = serve(NewHealthHandler(store, env.pool), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "connected", decode(t, rec.Body.Bytes()).Store)

	env.pool.Get("a").MarkQuotaError(http.StatusTooManyRequests, "slow down")
	rec = serve(NewHealthHandler(store, env.pool), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec.Body.Bytes()).Status)

	env.pool.Get("a").ResetCooldown()
	mr.Close()
	rec = serve(NewHealthHandler(store, env.pool), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "disconnected", decode(t, rec.Body.Bytes()).Store)
}

func TestAdminHandler_StatsAndReset(t *testing.T) {
	env := newTestEnv(t, "a", "b")
	mux := newAdminMux(env, nil)
	env.pool.Get("a").MarkQuotaError(http.StatusUnauthorized, "expired")

	rec := serve(mux, http.MethodGet, "/admin/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Pool.TotalAccounts)
	assert.Equal(t, 1, stats.Pool.AvailableAccounts)
	assert.Equal(t, 0, stats.Sessions.TotalSessions)

	rec = serve(mux, http.MethodGet, "/admin/accounts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Accounts []account.Snapshot `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Accounts, 2)
	assert.Equal(t, "cses-a...", list.Accounts[0].SecureCSES)

	rec = serve(mux, http.MethodPost, "/admin/accounts/a/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.pool.Get("a").IsAvailable())

	rec = serve(mux, http.MethodPost, "/admin/accounts/zed/reset", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminHandler_UpdateCredentialsWithoutStore(t *testing.T) {
	env := newTestEnv(t, "a")
	mux := newAdminMux(env, nil)

	rec := serve(mux, http.MethodPut, "/admin/accounts/a/credentials", `{"secure_c_ses":"fresh"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	creds := env.pool.Get("a").Credentials()
	assert.Equal(t, "fresh", creds.SecureCSES)
	assert.Equal(t, "idx-a", creds.CSESIDX, "empty fields keep their value")

	rec = serve(mux, http.MethodPut, "/admin/accounts/a/credentials", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(mux, http.MethodPut, "/admin/accounts/zed/credentials", `{"secure_c_ses":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminHandler_UpdateCredentialsWithStore(t *testing.T) {
	env := newTestEnv(t, "a")
	store, _ := newTestStore(t)
	mux := newAdminMux(env, store)
	ctx := context.Background()

	_, err := store.Create(ctx, redis.AccountRecord{
		Name: "a", SecureCSES: "cses-a", CSESIDX: "idx-a", ConfigID: "config-a", IsActive: true,
	})
	require.NoError(t, err)

	rec := serve(mux, http.MethodPut, "/admin/accounts/a/credentials",
		`{"secure_c_ses":"new","refreshed_at":"2030-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "new", env.pool.Get("a").Credentials().SecureCSES)

	stored, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "new", stored.SecureCSES)

	// An older refresh loses against what is stored.
	rec = serve(mux, http.MethodPut, "/admin/accounts/a/credentials",
		`{"secure_c_ses":"old","refreshed_at":"2029-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["applied"])
	assert.Equal(t, "new", env.pool.Get("a").Credentials().SecureCSES)

	rec = serve(mux, http.MethodPut, "/admin/accounts/zed/credentials", `{"secure_c_ses":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminHandler_StoreAccounts(t *testing.T) {
	env := newTestEnv(t)
	store, _ := newTestStore(t)
	env.pool = account.NewPool(account.PoolOptions{Store: store})
	mux := newAdminMux(env, store)

	body := `{"name":"b","secure_c_ses":"cses-b-long-enough-to-be-masked","csesidx":"idx-b","config_id":"config-b","is_active":true}`
	rec := serve(mux, http.MethodPost, "/admin/store/accounts", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, env.pool.Get("b"), "active records join the pool")

	rec = serve(mux, http.MethodPost, "/admin/store/accounts", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(mux, http.MethodGet, "/admin/store/accounts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Accounts []redis.AccountRecord `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Accounts, 1)
	assert.Equal(t, "cses-b-long-enough-t...", list.Accounts[0].SecureCSES)

	rec = serve(mux, http.MethodDelete, "/admin/store/accounts/b", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, env.pool.Get("b"))

	rec = serve(mux, http.MethodDelete, "/admin/store/accounts/b", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminHandler_StoreNotConfigured(t *testing.T) {
	mux := newAdminMux(newTestEnv(t), nil)

	rec := serve(mux, http.MethodGet, "/admin/store/accounts", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminHandler_Reload(t *testing.T) {
	env := newTestEnv(t)
	store, _ := newTestStore(t)
	_, err := store.Create(context.Background(), redis.AccountRecord{
		Name: "c", SecureCSES: "cses-c", CSESIDX: "idx-c", ConfigID: "config-c", IsActive: true,
	})
	require.NoError(t, err)

	// Reload reads through the pool's own store.
	env.pool = account.NewPool(account.PoolOptions{Store: store})
	mux := newAdminMux(env, store)

	rec := serve(mux, http.MethodPost, "/admin/accounts/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["accounts"])
	assert.NotNil(t, env.pool.Get("c"))
}
