// Package redis provides Redis-backed persistence for gateway accounts.
package redis

import "time"

// AccountRecord is the persisted form of one upstream account.
// Timestamps are RFC 3339 strings; empty means unset.
type AccountRecord struct {
	// Identity
	ID   int64  `json:"id"`
	Name string `json:"name"`

	// Credentials
	SecureCSES string `json:"secure_c_ses"`
	CSESIDX    string `json:"csesidx"`
	ConfigID   string `json:"config_id"`
	HostCOSES  string `json:"host_c_oses,omitempty"`

	// Status
	IsActive  bool `json:"is_active"`
	IsDefault bool `json:"is_default"`

	// Cookie status: valid, expired or unknown
	CookieStatus         string `json:"cookie_status,omitempty"`
	CookieExpiresAt      string `json:"cookie_expires_at,omitempty"`
	CredentialsUpdatedAt string `json:"credentials_updated_at,omitempty"`

	// Runtime state written back by the gateway, display only
	FailCount     int    `json:"fail_count"`
	LastError     string `json:"last_error,omitempty"`
	LastUsedAt    string `json:"last_used_at,omitempty"`
	TotalRequests int64  `json:"total_requests"`

	// Metadata
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// RuntimeState is the in-memory account state mirrored into a record.
type RuntimeState struct {
	CookieStatus    string
	CookieExpiresAt time.Time
	FailCount       int
	LastError       string
	LastUsedAt      time.Time
	// Requests is the number of requests served since the last sync.
	Requests int64
}

// formatTime renders t for storage, or "" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// ParseTime parses a stored timestamp. Empty or malformed values yield the zero time.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
