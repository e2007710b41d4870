package account

import (
	"net/http"
	"time"

	"github.com/geminibiz/gateway/internal/upstream"
)

// ParseCookieExpiry extracts the expiry of the account cookies from raw
// Set-Cookie header values. Expires wins over Max-Age. Values that fail to
// parse are skipped; ok is false when nothing usable was found.
func ParseCookieExpiry(values []string, now time.Time) (expires time.Time, ok bool) {
	for _, v := range values {
		c, err := http.ParseSetCookie(v)
		if err != nil {
			continue
		}
		if c.Name != upstream.CookieSecureCSES && c.Name != upstream.CookieHostCOSES {
			continue
		}
		if !c.Expires.IsZero() {
			return c.Expires, true
		}
		if c.MaxAge > 0 {
			return now.Add(time.Duration(c.MaxAge) * time.Second), true
		}
	}
	return time.Time{}, false
}
