package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseCookieExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		values []string
		want   time.Time
		wantOK bool
	}{
		{
			name:   "expires attribute",
			values: []string{"__Secure-C_SES=abc; Expires=Wed, 21 Oct 2026 07:28:00 GMT; Path=/; Secure"},
			want:   time.Date(2026, 10, 21, 7, 28, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "max-age attribute",
			values: []string{"__Host-C_OSES=xyz; Max-Age=3600; Path=/"},
			want:   now.Add(time.Hour),
			wantOK: true,
		},
		{
			name: "unrelated cookies ignored",
			values: []string{
				"NID=1; Expires=Wed, 21 Oct 2026 07:28:00 GMT",
				"__Secure-C_SES=abc; Max-Age=60",
			},
			want:   now.Add(time.Minute),
			wantOK: true,
		},
		{
			name:   "session cookie without expiry",
			values: []string{"__Secure-C_SES=abc; Path=/"},
		},
		{
			name:   "malformed header",
			values: []string{"=;;;"},
		},
		{
			name:   "bad expires fails open",
			values: []string{"__Secure-C_SES=abc; Expires=soon"},
		},
		{
			name: "nothing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseCookieExpiry(tt.values, now)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.True(t, tt.want.Equal(got), "got %v, want %v", got, tt.want)
			}
		})
	}
}
