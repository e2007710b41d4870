package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/geminibiz/gateway/internal/upstream"
)

// DefaultTokenTTL is how long a minted token is reused. It is shorter than
// the token's own lifetime so tokens are never sent close to expiry.
const DefaultTokenTTL = 270 * time.Second

// KeyExchanger fetches signing key material for an account's cookies.
// *upstream.Client implements it.
type KeyExchanger interface {
	ExchangeKey(ctx context.Context, secureCSES, hostCOSES, csesidx string) (*upstream.KeyMaterial, error)
}

// Refresher caches an account's token and refreshes it on expiry.
// Concurrent callers share one in-flight key exchange.
type Refresher struct {
	account   *Account
	exchanger KeyExchanger
	ttl       time.Duration

	sfGroup singleflight.Group

	mu         sync.RWMutex
	token      string
	expiresAt  time.Time
	generation uint64

	exchanges atomic.Int64
}

func newRefresher(acc *Account, exchanger KeyExchanger, ttl time.Duration) *Refresher {
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	return &Refresher{
		account:   acc,
		exchanger: exchanger,
		ttl:       ttl,
	}
}

// Token returns the cached token or refreshes it. The refresh runs detached
// from ctx so a caller that gives up does not fail the others waiting on it;
// the key exchange is still bounded by the client's auth timeout.
func (r *Refresher) Token(ctx context.Context) (string, error) {
	if token, ok := r.cached(); ok {
		return token, nil
	}

	ch := r.sfGroup.DoChan(r.account.name, func() (interface{}, error) {
		// A flight that finished just before this one started already refreshed.
		if token, ok := r.cached(); ok {
			return token, nil
		}
		token, err := r.refresh(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		return token, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			r.account.logger.Debug("token refresh deduplicated", "account", r.account.name)
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached token. A refresh already in flight will not
// store its result.
func (r *Refresher) Invalidate() {
	r.mu.Lock()
	r.token = ""
	r.expiresAt = time.Time{}
	r.generation++
	r.mu.Unlock()

	r.sfGroup.Forget(r.account.name)
}

// ExpiresAt returns when the cached token stops being reused, or the zero time.
func (r *Refresher) ExpiresAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.token == "" {
		return time.Time{}
	}
	return r.expiresAt
}

// Exchanges returns how many key exchanges this refresher has performed.
func (r *Refresher) Exchanges() int64 {
	return r.exchanges.Load()
}

func (r *Refresher) cached() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.token == "" || !r.account.clock().Before(r.expiresAt) {
		return "", false
	}
	return r.token, true
}

// refresh performs one key exchange and mints a token. On failure the
// cached token is left as it was.
func (r *Refresher) refresh(ctx context.Context) (string, error) {
	acc := r.account
	if r.exchanger == nil {
		return "", fmt.Errorf("no key exchanger configured for %s", acc.name)
	}

	r.mu.RLock()
	gen := r.generation
	r.mu.RUnlock()

	creds := acc.Credentials()
	r.exchanges.Add(1)
	acc.logger.Debug("starting token refresh", "account", acc.name)

	km, err := r.exchanger.ExchangeKey(ctx, creds.SecureCSES, creds.HostCOSES, creds.CSESIDX)
	if err != nil {
		var apiErr *upstream.APIError
		if errors.As(err, &apiErr) && apiErr.IsQuota() {
			acc.MarkQuotaError(apiErr.StatusCode, string(apiErr.Body))
			apiErr.Penalized = true
			if apiErr.IsAuth() {
				acc.setCredentialStatus(CredentialExpired)
			}
		}
		acc.logger.Error("token refresh failed", "account", acc.name, "error", err)
		return "", fmt.Errorf("refresh token for %s: %w", acc.name, err)
	}

	key, err := DecodeKey(km.XSRFToken)
	if err != nil {
		return "", fmt.Errorf("refresh token for %s: %w", acc.name, err)
	}

	now := acc.clock()
	token, err := MintToken(key, km.KeyID, creds.CSESIDX, now)
	if err != nil {
		return "", fmt.Errorf("refresh token for %s: %w", acc.name, err)
	}

	r.mu.Lock()
	if r.generation == gen {
		r.token = token
		r.expiresAt = now.Add(r.ttl)
	}
	r.mu.Unlock()

	acc.setCredentialStatus(CredentialValid)
	if expires, ok := ParseCookieExpiry(km.SetCookie, now); ok {
		acc.setCookieExpiry(expires)
	}

	acc.logger.Info("token refresh completed", "account", acc.name)
	return token, nil
}
