package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(ClientOptions{
		MaxConns:            4,
		MaxIdleConnsPerHost: 4,
		AuthBaseURL:         srv.URL,
		APIBaseURL:          srv.URL,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestExchangeKey_Success(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/getoxsrf", r.URL.Path)
		assert.Equal(t, "idx-1", r.URL.Query().Get("csesidx"))
		assert.Equal(t, "__Secure-C_SES=ses; __Host-C_OSES=oses", r.Header.Get("Cookie"))
		assert.Equal(t, UserAgent, r.Header.Get("User-Agent"))

		w.Header().Add("Set-Cookie", "__Secure-C_SES=new; Max-Age=3600; Path=/")
		_, _ = io.WriteString(w, ")]}'\n"+`{"xsrfToken":"c2VjcmV0","keyId":"kid-1"}`)
	}))

	km, err := c.ExchangeKey(context.Background(), "ses", "oses", "idx-1")
	require.NoError(t, err)
	assert.Equal(t, "c2VjcmV0", km.XSRFToken)
	assert.Equal(t, "kid-1", km.KeyID)
	assert.Equal(t, []string{"__Secure-C_SES=new; Max-Age=3600; Path=/"}, km.SetCookie)
}

func TestExchangeKey_CookieWithoutHostCOSES(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "__Secure-C_SES=ses", r.Header.Get("Cookie"))
		_, _ = io.WriteString(w, `{"xsrfToken":"a","keyId":"b"}`)
	}))

	_, err := c.ExchangeKey(context.Background(), "ses", "", "idx")
	require.NoError(t, err)
}

func TestExchangeKey_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		sentinel  error
		wantQuota bool
	}{
		{http.StatusUnauthorized, ErrAuth, true},
		{http.StatusForbidden, ErrAuth, true},
		{http.StatusTooManyRequests, ErrRateLimited, true},
		{http.StatusInternalServerError, ErrTransient, false},
		{http.StatusBadRequest, ErrTransient, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, "nope")
			}))

			_, err := c.ExchangeKey(context.Background(), "ses", "", "idx")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.True(t, apiErr.IsKeyExchange())
			assert.Equal(t, tt.wantQuota, apiErr.IsQuota())
			assert.Equal(t, "nope", string(apiErr.Body))
		})
	}
}

func TestCreateSession(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1alpha/locations/global/widgetCreateSession", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "1800", r.Header.Get("X-Server-Timeout"))
		assert.Equal(t, Origin, r.Header.Get("Origin"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cfg", body["configId"])
		assert.Equal(t, map[string]interface{}{"token": "-"}, body["additionalParams"])
		assert.Equal(t, map[string]interface{}{
			"session": map[string]interface{}{"name": "", "displayName": ""},
		}, body["createSessionRequest"])

		_, _ = io.WriteString(w, `{"session":{"name":"collections/default/engines/e/sessions/123"}}`)
	}))

	name, err := c.CreateSession(context.Background(), "tok", "cfg")
	require.NoError(t, err)
	assert.Equal(t, "collections/default/engines/e/sessions/123", name)
}

func TestAddContextFile(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body AddContextFileRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sess", body.AddContextFileRequest.Name)
		assert.Equal(t, "image/png", body.AddContextFileRequest.MimeType)
		assert.Equal(t, "AAAA", body.AddContextFileRequest.FileContents)
		assert.Empty(t, body.AddContextFileRequest.FileURI)

		_, _ = io.WriteString(w, `{"addContextFileResponse":{"fileId":"file-9"}}`)
	}))

	id, err := c.AddContextFile(context.Background(), "tok", "cfg", ContextFile{
		Name:         "sess",
		FileName:     "upload.png",
		MimeType:     "image/png",
		FileContents: "AAAA",
	})
	require.NoError(t, err)
	assert.Equal(t, "file-9", id)
}

func TestListGeneratedFilesAndDownload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1alpha/locations/global/widgetListSessionFileMetadata", func(w http.ResponseWriter, r *http.Request) {
		var body ListFilesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, generatedFilesFilter, body.ListSessionFileMetadataRequest.Filter)
		_, _ = io.WriteString(w, `{"listSessionFileMetadataResponse":{"fileMetadata":[{"fileId":"f1","mimeType":"image/png","session":"projects/p/sessions/s"}]}}`)
	})
	mux.HandleFunc("/download/v1alpha/projects/p/sessions/s:downloadFile", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "f1", r.URL.Query().Get("fileId"))
		assert.Equal(t, "media", r.URL.Query().Get("alt"))
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	})
	c := newTestClient(t, mux)

	files, err := c.ListGeneratedFiles(context.Background(), "tok", "cfg", "sess")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "projects/p/sessions/s", files[0].Session)

	data, err := c.DownloadFile(context.Background(), "tok", files[0].Session, files[0].FileID)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)
}

func TestStreamAssist(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body AssistRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sess", body.StreamAssistRequest.Session)
		assert.Equal(t, "hi", body.StreamAssistRequest.Query.Parts[0].Text)
		assert.Equal(t, []string{}, body.StreamAssistRequest.FileIDs)
		require.NotNil(t, body.StreamAssistRequest.AssistGenerationConfig)
		assert.Equal(t, "gemini-2.5-pro", body.StreamAssistRequest.AssistGenerationConfig.ModelID)
		_, _ = io.WriteString(w, `[{"a":1}]`)
	}))

	req := NewAssistRequest(AssistOptions{ConfigID: "cfg", Session: "sess", Prompt: "hi", ModelID: "gemini-2.5-pro"})
	rc, err := c.StreamAssist(context.Background(), "tok", req, 0)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, `[{"a":1}]`, string(data))
}

func TestStreamAssist_AutoModelOmitsConfig(t *testing.T) {
	req := NewAssistRequest(AssistOptions{ConfigID: "cfg", Session: "s", Prompt: "p"})
	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "assistGenerationConfig")
	assert.Contains(t, string(data), `"languageCode":"zh-CN"`)
	assert.Contains(t, string(data), `"timeZone":"Etc/GMT-8"`)
}

func TestStreamAssist_RateLimited(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.StreamAssist(context.Background(), "tok", NewAssistRequest(AssistOptions{}), 0)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.NotErrorIs(t, err, ErrAuth)
}

func TestStreamAssist_ErrorLogsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	var logs bytes.Buffer
	c, err := NewClient(ClientOptions{
		MaxConns:            1,
		MaxIdleConnsPerHost: 1,
		APIBaseURL:          srv.URL,
		Logger:              slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	_, err = c.StreamAssist(context.Background(), "tok", NewAssistRequest(AssistOptions{Session: "sessions/s7"}), 0)
	require.ErrorIs(t, err, ErrTransient)
	assert.Contains(t, logs.String(), "session=sessions/s7")
	assert.NotContains(t, logs.String(), "invocation")
}

func TestNewClient_InvalidProxy(t *testing.T) {
	_, err := NewClient(ClientOptions{Proxy: "://bad"})
	assert.Error(t, err)
}
