package account

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geminibiz/gateway/internal/redis"
)

type fakeStore struct {
	mu      sync.Mutex
	records []redis.AccountRecord
	loadErr error
	synced  map[string]redis.RuntimeState
}

func (s *fakeStore) LoadActive(ctx context.Context) ([]redis.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return append([]redis.AccountRecord(nil), s.records...), nil
}

func (s *fakeStore) SyncRuntime(ctx context.Context, name string, state redis.RuntimeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.Name == name {
			if s.synced == nil {
				s.synced = make(map[string]redis.RuntimeState)
			}
			s.synced[name] = state
			return nil
		}
	}
	return redis.ErrAccountNotFound
}

func TestParseEnvAccounts_Indexed(t *testing.T) {
	environ := []string{
		"ACCOUNT10_SECURE_C_SES=ten",
		"ACCOUNT10_CSESIDX=10",
		"ACCOUNT10_CONFIG_ID=cfg10",
		`ACCOUNT2_SECURE_C_SES="two"`,
		"ACCOUNT2_CSESIDX= '2' ",
		"ACCOUNT2_CONFIG_ID=cfg2?csesidx=2",
		"ACCOUNT2_HOST_C_OSES=host2",
		"ACCOUNT2_NAME=second",
		"ACCOUNT3_SECURE_C_SES=incomplete",
		"ACCOUNTX_SECURE_C_SES=bad-index",
		"SECURE_C_SES=legacy",
		"CSESIDX=legacy",
		"CONFIG_ID=legacy",
	}

	accounts := ParseEnvAccounts(environ)
	require.Len(t, accounts, 2)

	assert.Equal(t, "second", accounts[0].Name)
	assert.Equal(t, Credentials{SecureCSES: "two", CSESIDX: "2", ConfigID: "cfg2", HostCOSES: "host2"}, accounts[0].Credentials)

	assert.Equal(t, "account-10", accounts[1].Name)
	assert.Equal(t, "ten", accounts[1].Credentials.SecureCSES)
}

func TestParseEnvAccounts_LegacyFallback(t *testing.T) {
	accounts := ParseEnvAccounts([]string{
		"SECURE_C_SES=s",
		"CSESIDX=i",
		"CONFIG_ID=c",
		"HOST_C_OSES=h",
		"PATH=/usr/bin",
	})
	require.Len(t, accounts, 1)
	assert.Equal(t, "default", accounts[0].Name)
	assert.Equal(t, "h", accounts[0].Credentials.HostCOSES)

	assert.Empty(t, ParseEnvAccounts([]string{"SECURE_C_SES=s"}))
}

func TestLoadFromStore_MergesAndKeepsHealth(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{records: []redis.AccountRecord{
		{Name: "A", SecureCSES: "a1", CSESIDX: "1", ConfigID: "c", IsActive: true, CookieStatus: "valid"},
		{Name: "B", SecureCSES: "b1", CSESIDX: "2", ConfigID: "c", IsActive: true},
		{Name: "broken", IsActive: true},
	}}
	pool := NewPool(PoolOptions{
		AccountDefaults: Options{Exchanger: &fakeExchanger{}},
		Store:           store,
		Clock:           clock.Now,
	})

	n, err := pool.LoadFromStore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, CredentialValid, pool.Get("A").CredentialStatus())

	pool.Get("A").MarkQuotaError(http.StatusTooManyRequests, "")

	store.mu.Lock()
	store.records[0].SecureCSES = "a2"
	store.mu.Unlock()

	n, err = pool.LoadFromStore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, pool.Len())

	a := pool.Get("A")
	assert.Equal(t, "a2", a.Credentials().SecureCSES)
	assert.False(t, a.IsAvailable())
}

func TestReload_FallsBackToEnv(t *testing.T) {
	store := &fakeStore{}
	pool := NewPool(PoolOptions{
		AccountDefaults: Options{Exchanger: &fakeExchanger{}},
		Store:           store,
	})

	n, err := pool.Reload(context.Background(), []string{"SECURE_C_SES=s", "CSESIDX=i", "CONFIG_ID=c"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotNil(t, pool.Get("default"))
}

func TestReload_StoreErrorStillUsesEnv(t *testing.T) {
	store := &fakeStore{loadErr: errors.New("redis down")}
	pool := NewPool(PoolOptions{
		AccountDefaults: Options{Exchanger: &fakeExchanger{}},
		Store:           store,
	})

	n, err := pool.Reload(context.Background(), []string{"SECURE_C_SES=s", "CSESIDX=i", "CONFIG_ID=c"})
	assert.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestReload_WithoutStore(t *testing.T) {
	pool := NewPool(PoolOptions{AccountDefaults: Options{Exchanger: &fakeExchanger{}}})

	n, err := pool.Reload(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSyncToStore(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{records: []redis.AccountRecord{
		{Name: "A", SecureCSES: "a", CSESIDX: "1", ConfigID: "c", IsActive: true},
	}}
	pool := NewPool(PoolOptions{
		AccountDefaults: Options{Exchanger: &fakeExchanger{}},
		Store:           store,
		Clock:           clock.Now,
	})
	_, err := pool.LoadFromStore(context.Background())
	require.NoError(t, err)
	require.NoError(t, pool.Add(pool.NewAccount("env-only", testCreds("e"))))

	pool.Get("A").MarkSuccess()
	pool.Get("A").MarkQuotaError(http.StatusForbidden, "nope")

	require.NoError(t, pool.SyncToStore(context.Background()))

	state := store.synced["A"]
	assert.Equal(t, 1, state.FailCount)
	assert.Equal(t, "HTTP 403: nope", state.LastError)
	assert.Equal(t, int64(1), state.Requests)

	require.NoError(t, pool.SyncToStore(context.Background()))
	assert.Equal(t, int64(0), store.synced["A"].Requests)
}
