package handler

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/geminibiz/gateway/internal/account"
	"github.com/geminibiz/gateway/internal/gateway"
	"github.com/geminibiz/gateway/internal/media"
	"github.com/geminibiz/gateway/internal/session"
	"github.com/geminibiz/gateway/internal/upstream"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n-handler-image")

// fakeUpstream answers the widget API calls a request goes through.
type fakeUpstream struct {
	mu     sync.Mutex
	status int
	reply  string
}

func (f *fakeUpstream) set(status int, reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.reply = reply
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/auth/getoxsrf":
		key := base64.URLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
		_, _ = fmt.Fprintf(w, ")]}'\n{\"xsrfToken\":%q,\"keyId\":\"kid\"}", key)
	case strings.HasSuffix(r.URL.Path, "/widgetCreateSession"):
		_, _ = io.WriteString(w, `{"session":{"name":"collections/default/engines/e/sessions/s1"}}`)
	case strings.HasSuffix(r.URL.Path, "/widgetListSessionFileMetadata"):
		_, _ = io.WriteString(w, `{"listSessionFileMetadataResponse":{"fileMetadata":[]}}`)
	case strings.HasSuffix(r.URL.Path, "/widgetStreamAssist"):
		f.mu.Lock()
		status, reply := f.status, f.reply
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		_, _ = io.WriteString(w, reply)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func textReply(text string) string {
	return fmt.Sprintf(`[{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":%q}}}]}}}]`, text)
}

func thoughtAndTextReply(thought, text string) string {
	return fmt.Sprintf(`[{"streamAssistResponse":{"answer":{"replies":[`+
		`{"groundedContent":{"content":{"text":%q,"thought":true}}},`+
		`{"groundedContent":{"content":{"text":%q}}}]}}}]`, thought, text)
}

func inlineReply(mimeType string, data []byte) string {
	return fmt.Sprintf(`[{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"inlineData":{"mimeType":%q,"data":%q}}}}]}}}]`,
		mimeType, base64.StdEncoding.EncodeToString(data))
}

type testEnv struct {
	upstream *fakeUpstream
	gateway  *gateway.Gateway
	pool     *account.Pool
	registry *session.Registry
	media    *media.Store
}

func newTestEnv(t *testing.T, names ...string) *testEnv {
	t.Helper()
	fake := &fakeUpstream{reply: textReply("hello")}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := upstream.NewClient(upstream.ClientOptions{
		MaxConns:            4,
		MaxIdleConnsPerHost: 4,
		AuthBaseURL:         srv.URL,
		APIBaseURL:          srv.URL,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	pool := account.NewPool(account.PoolOptions{
		AccountDefaults: account.Options{Exchanger: client},
	})
	for _, name := range names {
		require.NoError(t, pool.Add(pool.NewAccount(name, account.Credentials{
			SecureCSES: "cses-" + name,
			CSESIDX:    "idx-" + name,
			ConfigID:   "config-" + name,
		})))
	}

	store, err := media.NewStore(media.Options{Dir: t.TempDir()})
	require.NoError(t, err)

	registry := session.NewRegistry(session.Options{Client: client})
	gw := gateway.New(gateway.Options{
		Pool:      pool,
		Sessions:  registry,
		Assistant: client,
		Media:     store,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			return ctx.Err()
		},
	})

	return &testEnv{
		upstream: fake,
		gateway:  gw,
		pool:     pool,
		registry: registry,
		media:    store,
	}
}
