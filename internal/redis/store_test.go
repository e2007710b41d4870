package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*AccountStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := NewClient(ClientOptions{
		URL:       "redis://" + mr.Addr(),
		KeyPrefix: "gw:",
		PoolSize:  5,
	})
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	return NewAccountStore(client), mr
}

func TestNewClient_NotConnected(t *testing.T) {
	client, err := NewClient(ClientOptions{URL: "redis://localhost:6379/2", KeyPrefix: "gw:"})
	require.NoError(t, err)
	assert.False(t, client.IsConnected())
	assert.ErrorIs(t, client.Ping(context.Background()), ErrNotConnected)
	assert.Equal(t, "gw:accounts", client.Key(AccountsKey))
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(ClientOptions{URL: "not a url"})
	assert.Error(t, err)
}

func TestParseRedisURL(t *testing.T) {
	opts, err := parseRedisURL("redis://:secret@cache:6380/3")
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 3, opts.DB)
}

func TestCreateAndGet(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Create(ctx, AccountRecord{Name: "a", SecureCSES: "ses", CSESIDX: "1", ConfigID: "cfg", IsActive: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.ID)
	assert.Equal(t, "unknown", rec.CookieStatus)
	assert.NotEmpty(t, rec.CreatedAt)

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "ses", got.SecureCSES)
	assert.True(t, mr.Exists("gw:accounts"))

	_, err = store.Create(ctx, AccountRecord{Name: "a"})
	assert.ErrorIs(t, err, ErrAccountExists)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestLoadActive_DefaultFirstThenByID(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, rec := range []AccountRecord{
		{Name: "first", IsActive: true},
		{Name: "inactive", IsActive: false},
		{Name: "second", IsActive: true},
		{Name: "preferred", IsActive: true, IsDefault: true},
	} {
		_, err := store.Create(ctx, rec)
		require.NoError(t, err)
	}

	active, err := store.LoadActive(ctx)
	require.NoError(t, err)

	names := make([]string, 0, len(active))
	for _, rec := range active {
		names = append(names, rec.Name)
	}
	assert.Equal(t, []string{"preferred", "first", "second"}, names)
}

func TestCreateDefault_ClearsOtherDefaults(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, AccountRecord{Name: "old", IsDefault: true})
	require.NoError(t, err)
	_, err = store.Create(ctx, AccountRecord{Name: "new", IsDefault: true})
	require.NoError(t, err)

	old, err := store.Get(ctx, "old")
	require.NoError(t, err)
	assert.False(t, old.IsDefault)
}

func TestUpdateAndDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, AccountRecord{Name: "a", IsActive: true})
	require.NoError(t, err)

	require.NoError(t, store.Update(ctx, "a", func(rec *AccountRecord) {
		rec.IsActive = false
		rec.Name = "renamed"
	}))
	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, "a", got.Name)

	assert.ErrorIs(t, store.Update(ctx, "missing", func(*AccountRecord) {}), ErrAccountNotFound)

	require.NoError(t, store.Delete(ctx, "a"))
	assert.ErrorIs(t, store.Delete(ctx, "a"), ErrAccountNotFound)
}

func TestSyncRuntime(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, AccountRecord{Name: "a", IsActive: true})
	require.NoError(t, err)

	used := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	state := RuntimeState{
		CookieStatus: "expired",
		FailCount:    2,
		LastError:    "HTTP 401: denied",
		LastUsedAt:   used,
		Requests:     3,
	}
	require.NoError(t, store.SyncRuntime(ctx, "a", state))
	require.NoError(t, store.SyncRuntime(ctx, "a", RuntimeState{Requests: 2}))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "expired", got.CookieStatus)
	assert.Equal(t, 0, got.FailCount)
	assert.Empty(t, got.LastError)
	assert.Equal(t, "2026-01-02T03:04:05Z", got.LastUsedAt)
	assert.Equal(t, int64(5), got.TotalRequests)
}

func TestUpdateCredentials_SkipsStaleUpdates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, AccountRecord{Name: "a", SecureCSES: "v1", HostCOSES: "h1", FailCount: 2})
	require.NoError(t, err)

	newer := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	applied, err := store.UpdateCredentials(ctx, "a", CredentialUpdate{SecureCSES: "v2", RefreshedAt: newer})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.UpdateCredentials(ctx, "a", CredentialUpdate{SecureCSES: "stale", RefreshedAt: newer.Add(-time.Hour)})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.SecureCSES)
	assert.Equal(t, "h1", got.HostCOSES)
	assert.Equal(t, "valid", got.CookieStatus)
	assert.Equal(t, 0, got.FailCount)

	_, err = store.UpdateCredentials(ctx, "missing", CredentialUpdate{SecureCSES: "x"})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestAll_FallsBackToCacheWhenDisconnected(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, AccountRecord{Name: "a", IsActive: true})
	require.NoError(t, err)
	_, err = store.All(ctx)
	require.NoError(t, err)

	require.NoError(t, store.client.Close())

	records, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].Name)
}
