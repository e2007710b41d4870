package redis

import (
	"context"
	"time"
)

// CredentialUpdate carries cookies obtained by the out-of-band refresher.
// Empty fields leave the stored value unchanged.
type CredentialUpdate struct {
	SecureCSES string
	HostCOSES  string
	CSESIDX    string
	ConfigID   string
	// RefreshedAt is when the cookies were obtained. Updates older than the
	// stored credentials are ignored.
	RefreshedAt time.Time
}

// UpdateCredentials stores refreshed credentials for name and marks the cookie
// valid. It reports whether the update was applied; an update that is older
// than what the record already holds is skipped.
func (s *AccountStore) UpdateCredentials(ctx context.Context, name string, u CredentialUpdate) (bool, error) {
	refreshedAt := u.RefreshedAt
	if refreshedAt.IsZero() {
		refreshedAt = s.now()
	}

	applied := false
	err := s.Update(ctx, name, func(rec *AccountRecord) {
		applied = false
		// Another refresher already stored newer cookies.
		if existing := ParseTime(rec.CredentialsUpdatedAt); existing.After(refreshedAt) {
			return
		}
		if u.SecureCSES != "" {
			rec.SecureCSES = u.SecureCSES
		}
		if u.HostCOSES != "" {
			rec.HostCOSES = u.HostCOSES
		}
		if u.CSESIDX != "" {
			rec.CSESIDX = u.CSESIDX
		}
		if u.ConfigID != "" {
			rec.ConfigID = u.ConfigID
		}
		rec.CookieStatus = "valid"
		rec.CookieExpiresAt = ""
		rec.FailCount = 0
		rec.LastError = ""
		rec.CredentialsUpdatedAt = formatTime(refreshedAt)
		applied = true
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}
