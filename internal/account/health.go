package account

import (
	"fmt"
	"net/http"
	"time"

	"github.com/geminibiz/gateway/internal/redis"
)

// MaxFailCount is the failure streak at which an account stops being
// available regardless of its cooldown.
const MaxFailCount = 3

// Cooldowns holds the cooldown applied per error class.
type Cooldowns struct {
	// Auth applies to 401 and 403.
	Auth time.Duration
	// RateLimit applies to 429.
	RateLimit time.Duration
	// Default applies to every other status.
	Default time.Duration
}

// DefaultCooldowns returns the stock cooldown tiers.
func DefaultCooldowns() Cooldowns {
	return Cooldowns{
		Auth:      900 * time.Second,
		RateLimit: 300 * time.Second,
		Default:   300 * time.Second,
	}
}

// For returns the cooldown for an HTTP status.
func (c Cooldowns) For(status int) time.Duration {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return c.Auth
	case http.StatusTooManyRequests:
		return c.RateLimit
	default:
		return c.Default
	}
}

// IsAvailable reports whether the account may be selected.
func (a *Account) IsAvailable() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.availableLocked(a.clock())
}

func (a *Account) availableLocked(now time.Time) bool {
	return !now.Before(a.disabledUntil) && a.failCount < MaxFailCount
}

// MarkQuotaError puts the account on cooldown for an upstream failure.
// The cooldown never shortens an existing one.
func (a *Account) MarkQuotaError(status int, detail string) {
	cooldown := a.cooldowns.For(status)

	a.mu.Lock()
	until := a.clock().Add(cooldown)
	if until.After(a.disabledUntil) {
		a.disabledUntil = until
	}
	a.failCount++
	failCount := a.failCount
	if detail != "" {
		a.lastError = fmt.Sprintf("HTTP %d: %s", status, truncateRunes(detail, 200))
	} else {
		a.lastError = fmt.Sprintf("HTTP %d", status)
	}
	a.mu.Unlock()

	a.logger.Warn("account marked unavailable",
		"account", a.name,
		"cooldown", cooldown.String(),
		"status", status,
		"fail_count", failCount,
	)
}

// MarkSuccess clears the failure streak. An active cooldown is left in place.
func (a *Account) MarkSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failCount = 0
	a.lastError = ""
	a.lastUsedAt = a.clock()
	a.requests++
}

// ResetCooldown makes the account available again immediately.
func (a *Account) ResetCooldown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disabledUntil = time.Time{}
	a.failCount = 0
	a.lastError = ""
}

// RemainingCooldown returns how long until the cooldown ends, or 0.
func (a *Account) RemainingCooldown() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if d := a.disabledUntil.Sub(a.clock()); d > 0 {
		return d
	}
	return 0
}

// DisabledUntil returns the end of the current cooldown.
func (a *Account) DisabledUntil() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.disabledUntil
}

// FailCount returns the consecutive failure streak.
func (a *Account) FailCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.failCount
}

// LastError returns the last recorded failure, or "".
func (a *Account) LastError() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastError
}

// CredentialStatus returns the last observed credential status.
func (a *Account) CredentialStatus() CredentialStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.credStatus
}

// CookieExpiresAt returns the cookie expiry hint, or the zero time.
func (a *Account) CookieExpiresAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cookieExpiresAt
}

func (a *Account) setCredentialStatus(s CredentialStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.credStatus = s
}

func (a *Account) setCookieExpiry(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cookieExpiresAt = t
}

// Snapshot is a serializable view of an account with secrets truncated.
type Snapshot struct {
	Name              string           `json:"name"`
	SecureCSES        string           `json:"secure_c_ses"`
	CSESIDX           string           `json:"csesidx"`
	ConfigID          string           `json:"config_id"`
	HostCOSES         string           `json:"host_c_oses"`
	IsAvailable       bool             `json:"is_available"`
	FailCount         int              `json:"fail_count"`
	LastError         *string          `json:"last_error"`
	LastUsedAt        *time.Time       `json:"last_used_at"`
	RemainingCooldown int              `json:"remaining_cooldown"`
	CookieStatus      CredentialStatus `json:"cookie_status"`
	CookieExpiresAt   *time.Time       `json:"cookie_expires_at"`
	TokenExpiresAt    *time.Time       `json:"token_expires_at,omitempty"`
}

// Snapshot returns the current state for stats and admin views.
func (a *Account) Snapshot() Snapshot {
	tokenExpiry := a.refresher.ExpiresAt()

	a.mu.RLock()
	defer a.mu.RUnlock()

	now := a.clock()
	s := Snapshot{
		Name:         a.name,
		SecureCSES:   MaskSecret(a.creds.SecureCSES),
		CSESIDX:      a.creds.CSESIDX,
		ConfigID:     a.creds.ConfigID,
		HostCOSES:    MaskSecret(a.creds.HostCOSES),
		IsAvailable:  a.availableLocked(now),
		FailCount:    a.failCount,
		CookieStatus: a.credStatus,
	}
	if d := a.disabledUntil.Sub(now); d > 0 {
		s.RemainingCooldown = int(d / time.Second)
	}
	if a.lastError != "" {
		msg := a.lastError
		s.LastError = &msg
	}
	s.LastUsedAt = timePtr(a.lastUsedAt)
	s.CookieExpiresAt = timePtr(a.cookieExpiresAt)
	s.TokenExpiresAt = timePtr(tokenExpiry)
	return s
}

// runtimeState returns the state mirrored into the store, with the request
// count accumulated since the last successful sync.
func (a *Account) runtimeState() redis.RuntimeState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return redis.RuntimeState{
		CookieStatus:    string(a.credStatus),
		CookieExpiresAt: a.cookieExpiresAt,
		FailCount:       a.failCount,
		LastError:       a.lastError,
		LastUsedAt:      a.lastUsedAt,
		Requests:        a.requests - a.syncedRequests,
	}
}

func (a *Account) markSynced(requests int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.syncedRequests += requests
}

// MaskSecret truncates a cookie value for display.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 20 {
		return s + "..."
	}
	return s[:20] + "..."
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
