package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
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
	"github.com/geminibiz/gateway/internal/media"
	"github.com/geminibiz/gateway/internal/session"
	"github.com/geminibiz/gateway/internal/upstream"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n-generated-image")

// fakeUpstream serves the widget API for a set of accounts keyed by config id.
type fakeUpstream struct {
	t *testing.T

	mu sync.Mutex
	// assistStatus fails streamAssist for a config id with the given status.
	assistStatus map[string]int
	// assistReply returns the stream body for a successful streamAssist.
	assistReply func(req upstream.AssistRequest) string
	// files are returned by the listing for every session.
	files    []upstream.FileMetadata
	fileData map[string][]byte

	sessions    int
	uploads     []upstream.ContextFile
	assistCalls []upstream.AssistRequest
	downloads   int
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	return &fakeUpstream{
		t:            t,
		assistStatus: make(map[string]int),
		fileData:     make(map[string][]byte),
		assistReply: func(upstream.AssistRequest) string {
			return textReply("hello")
		},
	}
}

func textReply(text string) string {
	return fmt.Sprintf(`[{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":%q}}}]}}}]`, text)
}

func inlineReply(mimeType string, data []byte) string {
	return fmt.Sprintf(`[{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"inlineData":{"mimeType":%q,"data":%q}}}}]}}}]`,
		mimeType, base64.StdEncoding.EncodeToString(data))
}

func fileRefReply(fileID, mimeType string) string {
	return fmt.Sprintf(`[{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"file":{"fileId":%q,"mimeType":%q}}}}]}}}]`,
		fileID, mimeType)
}

func (f *fakeUpstream) addFile(fileID, mimeType string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, upstream.FileMetadata{
		FileID:   fileID,
		MimeType: mimeType,
		Session:  "projects/p/locations/global/sessions/generated",
	})
	f.fileData[fileID] = data
}

func (f *fakeUpstream) setAssistStatus(configID string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assistStatus[configID] = status
}

func (f *fakeUpstream) assistRequests() []upstream.AssistRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstream.AssistRequest(nil), f.assistCalls...)
}

func (f *fakeUpstream) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/auth/getoxsrf":
		key := base64.URLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
		_, _ = fmt.Fprintf(w, ")]}'\n{\"xsrfToken\":%q,\"keyId\":\"kid\"}", key)

	case strings.HasSuffix(r.URL.Path, "/widgetCreateSession"):
		f.mu.Lock()
		f.sessions++
		n := f.sessions
		f.mu.Unlock()
		_, _ = fmt.Fprintf(w, `{"session":{"name":"collections/default/engines/e/sessions/s%d"}}`, n)

	case strings.HasSuffix(r.URL.Path, "/widgetAddContextFile"):
		var req upstream.AddContextFileRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.uploads = append(f.uploads, req.AddContextFileRequest)
		n := len(f.uploads)
		f.mu.Unlock()
		_, _ = fmt.Fprintf(w, `{"addContextFileResponse":{"fileId":"upload-%d"}}`, n)

	case strings.HasSuffix(r.URL.Path, "/widgetListSessionFileMetadata"):
		f.mu.Lock()
		files := append([]upstream.FileMetadata(nil), f.files...)
		f.mu.Unlock()
		var resp struct {
			ListSessionFileMetadataResponse struct {
				FileMetadata []upstream.FileMetadata `json:"fileMetadata"`
			} `json:"listSessionFileMetadataResponse"`
		}
		resp.ListSessionFileMetadataResponse.FileMetadata = files
		_ = json.NewEncoder(w).Encode(resp)

	case strings.HasSuffix(r.URL.Path, "/widgetStreamAssist"):
		var req upstream.AssistRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.assistCalls = append(f.assistCalls, req)
		status := f.assistStatus[req.ConfigID]
		reply := f.assistReply
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, "upstream says no")
			return
		}
		_, _ = io.WriteString(w, reply(req))

	case strings.HasPrefix(r.URL.Path, "/download/"):
		f.mu.Lock()
		f.downloads++
		data, ok := f.fileData[r.URL.Query().Get("fileId")]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)

	default:
		f.t.Errorf("unexpected upstream call %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

type testEnv struct {
	gw       *Gateway
	upstream *fakeUpstream
	pool     *account.Pool
	registry *session.Registry
	store    *media.Store
	sleeps   []time.Duration
}

func newTestEnv(t *testing.T, names ...string) *testEnv {
	t.Helper()
	fake := newFakeUpstream(t)
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := upstream.NewClient(upstream.ClientOptions{
		MaxConns:            8,
		MaxIdleConnsPerHost: 8,
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

	env := &testEnv{
		upstream: fake,
		pool:     pool,
		registry: session.NewRegistry(session.Options{Client: client}),
		store:    store,
	}
	var sleepMu sync.Mutex
	env.gw = New(Options{
		Pool:      pool,
		Sessions:  env.registry,
		Assistant: client,
		Media:     store,
		Sleep: func(ctx context.Context, d time.Duration) error {
			sleepMu.Lock()
			env.sleeps = append(env.sleeps, d)
			sleepMu.Unlock()
			return ctx.Err()
		},
	})
	return env
}

// collect gathers every part a chat call emits.
type collector struct {
	parts []upstream.Part
}

func (c *collector) sink(p upstream.Part) error {
	c.parts = append(c.parts, p)
	return nil
}

func (c *collector) text() string {
	var b strings.Builder
	for _, p := range c.parts {
		if t, ok := p.(upstream.TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

func (c *collector) inline() []upstream.InlineDataPart {
	var out []upstream.InlineDataPart
	for _, p := range c.parts {
		if d, ok := p.(upstream.InlineDataPart); ok {
			out = append(out, d)
		}
	}
	return out
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
