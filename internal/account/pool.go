package account

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNoAccounts is returned when the pool is empty.
	ErrNoAccounts = errors.New("no accounts available")
	// ErrAccountNotFound is returned for an unknown account name.
	ErrAccountNotFound = errors.New("account not found")
	// ErrDuplicateAccount is returned when adding a name that is already pooled.
	ErrDuplicateAccount = errors.New("account already in pool")
)

// Pick is the result of a pool selection.
type Pick struct {
	Account *Account
	// Degraded is set when no account was available and the one closest to
	// recovering was returned instead. The request is likely to fail.
	Degraded bool
}

// SessionAffinity is a best-effort hint binding a conversation to a session
// and the account that created it.
type SessionAffinity struct {
	SessionID   string
	AccountName string
	UpdatedAt   time.Time
}

// Pool holds the accounts and selects one per request using round-robin.
type Pool struct {
	logger   *slog.Logger
	clock    func() time.Time
	defaults Options
	store    Store

	mu       sync.Mutex
	accounts []*Account
	cursor   int

	affinityMu sync.RWMutex
	affinity   map[string]SessionAffinity
}

// PoolOptions configures the account pool.
type PoolOptions struct {
	// AccountDefaults is applied to every account the pool creates; Name and
	// Credentials are ignored.
	AccountDefaults Options
	// Store is optional. Without it the pool only loads from the environment.
	Store  Store
	Logger *slog.Logger
	Clock  func() time.Time
}

// NewPool creates a pool holding accounts in round-robin order.
func NewPool(opts PoolOptions, accounts ...*Account) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	defaults := opts.AccountDefaults
	if defaults.Logger == nil {
		defaults.Logger = logger
	}
	if defaults.Clock == nil {
		defaults.Clock = clock
	}

	return &Pool{
		logger:   logger,
		clock:    clock,
		defaults: defaults,
		store:    opts.Store,
		accounts: accounts,
		affinity: make(map[string]SessionAffinity),
	}
}

// NewAccount creates an account with the pool's defaults. It is not added.
func (p *Pool) NewAccount(name string, creds Credentials) *Account {
	opts := p.defaults
	opts.Name = name
	opts.Credentials = creds
	return New(opts)
}

// Next selects the next available account. It scans at most one full round
// from the cursor, advancing it on every step. When every account is cooling
// down it returns the one that recovers first with Degraded set.
func (p *Pool) Next() (Pick, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.accounts)
	if n == 0 {
		return Pick{}, ErrNoAccounts
	}

	for i := 0; i < n; i++ {
		acc := p.accounts[p.cursor%n]
		p.cursor = (p.cursor + 1) % n
		if acc.IsAvailable() {
			return Pick{Account: acc}, nil
		}
	}

	soonest := p.accounts[0]
	for _, acc := range p.accounts[1:] {
		if acc.DisabledUntil().Before(soonest.DisabledUntil()) {
			soonest = acc
		}
	}

	p.logger.Warn("no available accounts, using the one recovering first",
		"account", soonest.name,
		"remaining_cooldown", soonest.RemainingCooldown().String(),
		"total", n,
	)
	return Pick{Account: soonest, Degraded: true}, nil
}

// ForConversation returns the account bound to a conversation when it is
// still available, and otherwise the next account in rotation.
func (p *Pool) ForConversation(key string) (Pick, error) {
	if cached, ok := p.CachedSession(key); ok {
		if acc := p.Get(cached.AccountName); acc != nil && acc.IsAvailable() {
			return Pick{Account: acc}, nil
		}
	}
	return p.Next()
}

// CacheSession records which session and account serve a conversation.
func (p *Pool) CacheSession(key, sessionID, accountName string) {
	p.affinityMu.Lock()
	defer p.affinityMu.Unlock()
	p.affinity[key] = SessionAffinity{
		SessionID:   sessionID,
		AccountName: accountName,
		UpdatedAt:   p.clock(),
	}
}

// CachedSession returns the affinity entry for a conversation.
func (p *Pool) CachedSession(key string) (SessionAffinity, bool) {
	p.affinityMu.RLock()
	defer p.affinityMu.RUnlock()
	s, ok := p.affinity[key]
	return s, ok
}

// ClearOldSessions drops affinity entries untouched for longer than maxAge
// and returns how many were removed.
func (p *Pool) ClearOldSessions(maxAge time.Duration) int {
	now := p.clock()

	p.affinityMu.Lock()
	defer p.affinityMu.Unlock()

	removed := 0
	for key, s := range p.affinity {
		if now.Sub(s.UpdatedAt) > maxAge {
			delete(p.affinity, key)
			removed++
		}
	}
	return removed
}

// Alternative returns the first available account other than exclude, or nil.
func (p *Pool) Alternative(exclude string) *Account {
	for _, acc := range p.Accounts() {
		if acc.name != exclude && acc.IsAvailable() {
			return acc
		}
	}
	return nil
}

// Add appends an account to the rotation.
func (p *Pool) Add(acc *Account) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, existing := range p.accounts {
		if existing.name == acc.name {
			return fmt.Errorf("%w: %s", ErrDuplicateAccount, acc.name)
		}
	}
	p.accounts = append(p.accounts, acc)
	p.logger.Info("added account", "account", acc.name)
	return nil
}

// Remove drops an account from the rotation.
func (p *Pool) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, acc := range p.accounts {
		if acc.name != name {
			continue
		}
		p.accounts = append(p.accounts[:i:i], p.accounts[i+1:]...)
		if n := len(p.accounts); n == 0 {
			p.cursor = 0
		} else {
			p.cursor %= n
		}
		p.logger.Info("removed account", "account", name)
		return true
	}
	return false
}

// Get returns the account with the given name, or nil.
func (p *Pool) Get(name string) *Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, acc := range p.accounts {
		if acc.name == name {
			return acc
		}
	}
	return nil
}

// Accounts returns the accounts in rotation order.
func (p *Pool) Accounts() []*Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Account, len(p.accounts))
	copy(out, p.accounts)
	return out
}

// Len returns the number of pooled accounts.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// ResetCooldown clears the cooldown of the named account.
func (p *Pool) ResetCooldown(name string) error {
	acc := p.Get(name)
	if acc == nil {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	acc.ResetCooldown()
	p.logger.Info("account cooldown reset", "account", name)
	return nil
}

// UpdateCredentials swaps the credentials of the named account.
func (p *Pool) UpdateCredentials(name string, creds Credentials) error {
	acc := p.Get(name)
	if acc == nil {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	acc.UpdateCredentials(creds)
	return nil
}

// Stats is a serializable pool summary.
type Stats struct {
	TotalAccounts       int        `json:"total_accounts"`
	AvailableAccounts   int        `json:"available_accounts"`
	UnavailableAccounts int        `json:"unavailable_accounts"`
	CachedSessions      int        `json:"cached_sessions"`
	Accounts            []Snapshot `json:"accounts"`
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	accounts := p.Accounts()

	s := Stats{
		TotalAccounts: len(accounts),
		Accounts:      make([]Snapshot, 0, len(accounts)),
	}
	for _, acc := range accounts {
		snap := acc.Snapshot()
		if snap.IsAvailable {
			s.AvailableAccounts++
		}
		s.Accounts = append(s.Accounts, snap)
	}
	s.UnavailableAccounts = s.TotalAccounts - s.AvailableAccounts

	p.affinityMu.RLock()
	s.CachedSessions = len(p.affinity)
	p.affinityMu.RUnlock()

	return s
}
