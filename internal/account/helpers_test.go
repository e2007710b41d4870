package account

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/geminibiz/gateway/internal/upstream"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var testKey = []byte("0123456789abcdef0123456789abcdef")

// fakeExchanger returns fixed key material or a fixed error.
// When gate is non-nil every call blocks until it is closed.
type fakeExchanger struct {
	mu        sync.Mutex
	calls     int
	lastCSES  string
	setCookie []string
	err       error
	gate      chan struct{}
	entered   chan struct{}
}

func (f *fakeExchanger) ExchangeKey(ctx context.Context, secureCSES, hostCOSES, csesidx string) (*upstream.KeyMaterial, error) {
	f.mu.Lock()
	f.calls++
	f.lastCSES = secureCSES
	err := f.err
	gate := f.gate
	entered := f.entered
	setCookie := f.setCookie
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &upstream.KeyMaterial{
		XSRFToken: base64.URLEncoding.EncodeToString(testKey),
		KeyID:     "kid-test",
		SetCookie: setCookie,
	}, nil
}

func (f *fakeExchanger) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeExchanger) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func testCreds(idx string) Credentials {
	return Credentials{
		SecureCSES: "secure-cookie-value-for-" + idx,
		CSESIDX:    "idx-" + idx,
		ConfigID:   "config-" + idx,
	}
}

func newTestAccount(name string, clock *fakeClock, ex KeyExchanger) *Account {
	if ex == nil {
		ex = &fakeExchanger{}
	}
	return New(Options{
		Name:        name,
		Credentials: testCreds(name),
		Exchanger:   ex,
		Clock:       clock.Now,
	})
}
