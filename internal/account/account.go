// Package account manages upstream accounts: credentials, token refresh,
// health tracking and pool selection.
package account

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// CredentialStatus records what the last key exchange said about the cookies.
// It is informational and never gates selection.
type CredentialStatus string

const (
	CredentialUnknown CredentialStatus = "unknown"
	CredentialValid   CredentialStatus = "valid"
	CredentialExpired CredentialStatus = "expired"
)

// ErrIncompleteCredentials is returned for credentials missing a required field.
var ErrIncompleteCredentials = errors.New("secure_c_ses, csesidx and config_id are required")

// Credentials is the durable identity of one upstream account.
type Credentials struct {
	// SecureCSES is the __Secure-C_SES cookie.
	SecureCSES string
	// CSESIDX scopes the browser session; it becomes the token subject.
	CSESIDX string
	// ConfigID identifies the tenant configuration.
	ConfigID string
	// HostCOSES is the optional __Host-C_OSES cookie.
	HostCOSES string
}

// Validate checks that the required fields are present.
func (c Credentials) Validate() error {
	if c.SecureCSES == "" || c.CSESIDX == "" || c.ConfigID == "" {
		return ErrIncompleteCredentials
	}
	return nil
}

// Account is one upstream identity with its token refresher and health state.
type Account struct {
	name      string
	logger    *slog.Logger
	clock     func() time.Time
	cooldowns Cooldowns
	refresher *Refresher

	mu              sync.RWMutex
	creds           Credentials
	disabledUntil   time.Time
	failCount       int
	lastError       string
	lastUsedAt      time.Time
	credStatus      CredentialStatus
	cookieExpiresAt time.Time
	requests        int64
	syncedRequests  int64
}

// Options configures a new account.
type Options struct {
	Name        string
	Credentials Credentials
	// Exchanger performs the key exchange for the refresher.
	Exchanger KeyExchanger
	Cooldowns Cooldowns
	// TokenTTL is how long a minted token is reused. Defaults to DefaultTokenTTL.
	TokenTTL time.Duration
	Logger   *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// New creates an account and its refresher.
func New(opts Options) *Account {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	cooldowns := opts.Cooldowns
	if cooldowns == (Cooldowns{}) {
		cooldowns = DefaultCooldowns()
	}

	a := &Account{
		name:       opts.Name,
		logger:     logger,
		clock:      clock,
		cooldowns:  cooldowns,
		creds:      opts.Credentials,
		credStatus: CredentialUnknown,
	}
	a.refresher = newRefresher(a, opts.Exchanger, opts.TokenTTL)
	return a
}

// Name returns the unique account name.
func (a *Account) Name() string {
	return a.name
}

// Credentials returns a copy of the current credentials.
func (a *Account) Credentials() Credentials {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creds
}

// ConfigID returns the tenant configuration id.
func (a *Account) ConfigID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creds.ConfigID
}

// Token returns a valid bearer token, refreshing it when expired.
func (a *Account) Token(ctx context.Context) (string, error) {
	return a.refresher.Token(ctx)
}

// Refresher returns the account's token refresher.
func (a *Account) Refresher() *Refresher {
	return a.refresher
}

// UpdateCredentials swaps in new credentials, drops the cached token and
// clears any cooldown. It is the hook for the out-of-band cookie refresher.
func (a *Account) UpdateCredentials(creds Credentials) {
	a.mu.Lock()
	a.creds = creds
	a.credStatus = CredentialValid
	a.cookieExpiresAt = time.Time{}
	a.mu.Unlock()

	a.refresher.Invalidate()
	a.ResetCooldown()
	a.logger.Info("account credentials updated", "account", a.name)
}

// replaceCredentials swaps credentials loaded from the store without
// touching health state. The token is dropped only if something changed.
func (a *Account) replaceCredentials(creds Credentials, status CredentialStatus, cookieExpiresAt time.Time) {
	a.mu.Lock()
	changed := a.creds != creds
	a.creds = creds
	if status != "" {
		a.credStatus = status
	}
	if !cookieExpiresAt.IsZero() {
		a.cookieExpiresAt = cookieExpiresAt
	}
	a.mu.Unlock()

	if changed {
		a.refresher.Invalidate()
	}
}
