package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	// AccountsKey is the Redis hash holding one JSON record per account name.
	AccountsKey = "accounts"
	// AccountSeqKey allocates record ids.
	AccountSeqKey = "accounts:seq"
)

// ErrAccountExists is returned when creating a record whose name is taken.
var ErrAccountExists = errors.New("account already exists")

// AccountStore persists account records in a single Redis hash.
type AccountStore struct {
	client *Client
	now    func() time.Time
}

// NewAccountStore creates a new account store.
func NewAccountStore(client *Client) *AccountStore {
	return &AccountStore{client: client, now: time.Now}
}

// Ping checks store connectivity.
func (s *AccountStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// All returns every record ordered by id. On Redis errors the last
// successful snapshot is returned when there is one.
func (s *AccountStore) All(ctx context.Context) ([]AccountRecord, error) {
	data, err := s.client.HGetAll(ctx, AccountsKey)
	if err != nil {
		if cached, cacheTime := s.client.cachedRecords(); len(cached) > 0 {
			s.client.logger.Warn("using cached accounts due to Redis error",
				"error", err,
				"cache_age", time.Since(cacheTime).String(),
			)
			return sortRecords(cached), nil
		}
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}

	records := make(map[string]AccountRecord, len(data))
	for name, jsonStr := range data {
		var rec AccountRecord
		if err := json.Unmarshal([]byte(jsonStr), &rec); err != nil {
			s.client.logger.Warn("failed to parse account", "name", name, "error", err)
			continue
		}
		records[name] = rec
	}
	s.client.updateRecordCache(records)

	return sortRecords(records), nil
}

// LoadActive returns active records, the default account first, then by id.
func (s *AccountStore) LoadActive(ctx context.Context) ([]AccountRecord, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]AccountRecord, 0, len(all))
	for _, rec := range all {
		if rec.IsActive {
			active = append(active, rec)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].IsDefault && !active[j].IsDefault
	})
	return active, nil
}

// Get returns the record for name.
func (s *AccountStore) Get(ctx context.Context, name string) (*AccountRecord, error) {
	data, err := s.client.HGet(ctx, AccountsKey, name)
	if errors.Is(err, goredis.Nil) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", name, err)
	}

	var rec AccountRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to parse account %s: %w", name, err)
	}
	return &rec, nil
}

// Create stores a new record. Setting IsDefault clears the flag on every other record.
func (s *AccountStore) Create(ctx context.Context, rec AccountRecord) (*AccountRecord, error) {
	if rec.Name == "" {
		return nil, fmt.Errorf("account name is required")
	}

	id, err := s.client.Incr(ctx, AccountSeqKey)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate account id: %w", err)
	}

	now := formatTime(s.now())
	rec.ID = id
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.CookieStatus == "" {
		rec.CookieStatus = "unknown"
	}

	err = s.mutate(ctx, func(records map[string]*AccountRecord) error {
		if _, ok := records[rec.Name]; ok {
			return ErrAccountExists
		}
		created := rec
		records[rec.Name] = &created
		if created.IsDefault {
			clearOtherDefaults(records, created.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Update applies fn to the record for name and stores the result.
func (s *AccountStore) Update(ctx context.Context, name string, fn func(*AccountRecord)) error {
	return s.mutate(ctx, func(records map[string]*AccountRecord) error {
		rec, ok := records[name]
		if !ok {
			return ErrAccountNotFound
		}
		fn(rec)
		// Renames are not supported; the hash field is the name.
		rec.Name = name
		rec.UpdatedAt = formatTime(s.now())
		if rec.IsDefault {
			clearOtherDefaults(records, name)
		}
		return nil
	})
}

// Delete removes the record for name.
func (s *AccountStore) Delete(ctx context.Context, name string) error {
	n, err := s.client.HDel(ctx, AccountsKey, name)
	if err != nil {
		return fmt.Errorf("failed to delete account %s: %w", name, err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SyncRuntime writes in-memory health state back to the record for name.
func (s *AccountStore) SyncRuntime(ctx context.Context, name string, state RuntimeState) error {
	return s.Update(ctx, name, func(rec *AccountRecord) {
		if state.CookieStatus != "" {
			rec.CookieStatus = state.CookieStatus
		}
		if !state.CookieExpiresAt.IsZero() {
			rec.CookieExpiresAt = formatTime(state.CookieExpiresAt)
		}
		rec.FailCount = state.FailCount
		rec.LastError = state.LastError
		if !state.LastUsedAt.IsZero() {
			rec.LastUsedAt = formatTime(state.LastUsedAt)
		}
		rec.TotalRequests += state.Requests
	})
}

// mutate runs fn against a consistent view of every record and writes back
// what changed. It uses optimistic locking on the accounts hash and retries
// with exponential backoff and jitter when another writer wins the race.
func (s *AccountStore) mutate(ctx context.Context, fn func(map[string]*AccountRecord) error) error {
	const maxRetries = 3
	const baseBackoff = 5 * time.Millisecond
	key := s.client.Key(AccountsKey)

	for i := 0; i < maxRetries; i++ {
		err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
			data, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}

			records := make(map[string]*AccountRecord, len(data))
			for name, jsonStr := range data {
				var rec AccountRecord
				if err := json.Unmarshal([]byte(jsonStr), &rec); err != nil {
					return fmt.Errorf("failed to parse account %s: %w", name, err)
				}
				records[name] = &rec
			}

			if err := fn(records); err != nil {
				return err
			}

			changed := make([]interface{}, 0, 2*len(records))
			for name, rec := range records {
				updated, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				if data[name] != string(updated) {
					changed = append(changed, name, string(updated))
				}
			}
			if len(changed) == 0 {
				return nil
			}

			_, err = s.client.TxPipelined(ctx, tx, func(pipe goredis.Pipeliner) error {
				pipe.HSet(ctx, key, changed...)
				return nil
			})
			return err
		}, AccountsKey)

		if err == nil {
			return nil
		}

		// The watched hash was modified; retry with backoff.
		if errors.Is(err, goredis.TxFailedErr) {
			backoff := baseBackoff * time.Duration(1<<i)
			jitter := time.Duration(rand.Int63n(int64(backoff / 2))) //nolint:gosec // math/rand is fine for backoff jitter
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
				continue
			}
		}

		if errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrAccountExists) {
			return err
		}
		return fmt.Errorf("failed to update accounts: %w", err)
	}

	return fmt.Errorf("failed to update accounts after %d retries", maxRetries)
}

func clearOtherDefaults(records map[string]*AccountRecord, keep string) {
	for name, rec := range records {
		if name != keep {
			rec.IsDefault = false
		}
	}
}

func sortRecords(records map[string]AccountRecord) []AccountRecord {
	out := make([]AccountRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}
