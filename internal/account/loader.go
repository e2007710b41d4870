package account

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/geminibiz/gateway/internal/redis"
)

// Store is the persistent account store. *redis.AccountStore implements it.
type Store interface {
	LoadActive(ctx context.Context) ([]redis.AccountRecord, error)
	SyncRuntime(ctx context.Context, name string, state redis.RuntimeState) error
}

// EnvAccount is one account read from the environment.
type EnvAccount struct {
	Name        string
	Credentials Credentials
}

// ParseEnvAccounts reads ACCOUNT{N}_SECURE_C_SES, _CSESIDX, _CONFIG_ID,
// _HOST_C_OSES and _NAME in index order. When no indexed account is complete
// it falls back to the unprefixed single-account variables under the name
// "default". environ is in os.Environ form.
func ParseEnvAccounts(environ []string) []EnvAccount {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	var indices []int
	for k := range env {
		if !strings.HasPrefix(k, "ACCOUNT") || !strings.HasSuffix(k, "_SECURE_C_SES") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(k, "ACCOUNT"), "_SECURE_C_SES"))
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var accounts []EnvAccount
	for _, idx := range indices {
		prefix := "ACCOUNT" + strconv.Itoa(idx) + "_"
		creds := Credentials{
			SecureCSES: cleanEnvValue(env[prefix+"SECURE_C_SES"]),
			CSESIDX:    cleanEnvValue(env[prefix+"CSESIDX"]),
			ConfigID:   cleanConfigID(env[prefix+"CONFIG_ID"]),
			HostCOSES:  cleanEnvValue(env[prefix+"HOST_C_OSES"]),
		}
		if creds.Validate() != nil {
			continue
		}
		name := cleanEnvValue(env[prefix+"NAME"])
		if name == "" {
			name = "account-" + strconv.Itoa(idx)
		}
		accounts = append(accounts, EnvAccount{Name: name, Credentials: creds})
	}

	if len(accounts) == 0 {
		creds := Credentials{
			SecureCSES: env["SECURE_C_SES"],
			CSESIDX:    env["CSESIDX"],
			ConfigID:   env["CONFIG_ID"],
			HostCOSES:  env["HOST_C_OSES"],
		}
		if creds.Validate() == nil {
			accounts = append(accounts, EnvAccount{Name: "default", Credentials: creds})
		}
	}
	return accounts
}

func cleanEnvValue(v string) string {
	return strings.Trim(strings.TrimSpace(v), `"'`)
}

// cleanConfigID strips a pasted "?csesidx=..." query from a config id.
func cleanConfigID(v string) string {
	v = cleanEnvValue(v)
	if i := strings.Index(v, "?csesidx"); i >= 0 {
		v = v[:i]
	}
	return v
}

// LoadFromEnv replaces the pooled accounts with those in environ and returns
// how many were loaded.
func (p *Pool) LoadFromEnv(environ []string) int {
	parsed := ParseEnvAccounts(environ)
	accounts := make([]*Account, 0, len(parsed))
	for _, ea := range parsed {
		accounts = append(accounts, p.NewAccount(ea.Name, ea.Credentials))
	}

	p.mu.Lock()
	p.accounts = accounts
	p.cursor = 0
	p.mu.Unlock()

	p.logger.Info("loaded accounts from environment", "count", len(accounts))
	return len(accounts)
}

// LoadFromStore merges active store records into the pool. Existing accounts
// keep their health state and get the stored credentials; new ones are
// appended. It returns the number of records loaded.
func (p *Pool) LoadFromStore(ctx context.Context) (int, error) {
	if p.store == nil {
		return 0, nil
	}

	records, err := p.store.LoadActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load accounts from store: %w", err)
	}

	loaded := 0
	for _, rec := range records {
		creds := Credentials{
			SecureCSES: rec.SecureCSES,
			CSESIDX:    rec.CSESIDX,
			ConfigID:   cleanConfigID(rec.ConfigID),
			HostCOSES:  rec.HostCOSES,
		}
		if err := creds.Validate(); err != nil {
			p.logger.Warn("skipping incomplete account record", "account", rec.Name, "error", err)
			continue
		}
		status := CredentialStatus(rec.CookieStatus)
		cookieExpiresAt := redis.ParseTime(rec.CookieExpiresAt)

		if existing := p.Get(rec.Name); existing != nil {
			existing.replaceCredentials(creds, status, cookieExpiresAt)
			p.logger.Debug("updated existing account", "account", rec.Name)
		} else {
			acc := p.NewAccount(rec.Name, creds)
			acc.replaceCredentials(creds, status, cookieExpiresAt)
			if err := p.Add(acc); err != nil {
				return loaded, err
			}
		}
		loaded++
	}

	p.logger.Info("loaded accounts from store", "count", loaded)
	return loaded, nil
}

// Reload refreshes the pool from the store and falls back to environ when
// the store yields nothing and the pool is empty. It returns the pool size.
func (p *Pool) Reload(ctx context.Context, environ []string) (int, error) {
	loaded, err := p.LoadFromStore(ctx)
	if err != nil {
		p.logger.Error("account reload from store failed", "error", err)
	}
	if loaded == 0 && p.Len() == 0 {
		p.logger.Info("no accounts in store, loading from environment")
		p.LoadFromEnv(environ)
	}
	return p.Len(), err
}

// SyncToStore writes every account's runtime state back to the store.
// Accounts without a record are skipped.
func (p *Pool) SyncToStore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}

	var errs []error
	for _, acc := range p.Accounts() {
		state := acc.runtimeState()
		err := p.store.SyncRuntime(ctx, acc.name, state)
		if errors.Is(err, redis.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", acc.name, err))
			continue
		}
		acc.markSynced(state.Requests)
	}
	return errors.Join(errs...)
}
