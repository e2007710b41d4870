package openai

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geminibiz/gateway/internal/upstream"
)

func TestMessageParts(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		joined   string
		keyText  string
		imageURL []string
	}{
		{"string", `"hello"`, "hello", "hello", nil},
		{"parts", `[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"data:image/png;base64,AA"}},{"type":"text","text":"b"}]`, "a|b", "ab", []string{"data:image/png;base64,AA"}},
		{"bare strings", `["x",{"type":"text","text":"y"}]`, "x|y", "y", nil},
		{"null", `null`, "", "", nil},
		{"missing", ``, "", "", nil},
		{"object", `{"text":"nope"}`, "", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Message{Role: "user", Content: json.RawMessage(tt.content)}
			assert.Equal(t, tt.joined, m.TextContent("|"))
			assert.Equal(t, tt.keyText, m.KeyText())
			assert.Equal(t, tt.imageURL, m.ImageURLs())
		})
	}
}

func TestChatRequestDecode(t *testing.T) {
	body := `{"model":"gemini-2.5-pro","stream":true,"temperature":0.2,"messages":[{"role":"system","content":"be brief"},{"role":"user","content":[{"type":"text","text":"hi"}]}]}`

	var req ChatRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	assert.True(t, req.Stream)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.2, *req.Temperature)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "be brief", req.Messages[0].TextContent("\n"))
	assert.Equal(t, "hi", req.Messages[1].TextContent("\n"))
}

func TestGenerateCompletionID(t *testing.T) {
	id := GenerateCompletionID()
	assert.Regexp(t, `^chatcmpl-[0-9a-f]{12}$`, id)
	assert.NotEqual(t, id, GenerateCompletionID())
}

func TestConverter(t *testing.T) {
	c := NewConverter("gemini-auto")

	first := c.Convert(upstream.ThoughtPart{Text: "hmm"})
	require.NotNil(t, first)
	assert.Equal(t, "chat.completion.chunk", first.Object)
	assert.Equal(t, c.ID(), first.ID)
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)
	assert.Equal(t, "hmm", first.Choices[0].Delta.Reasoning)
	assert.Nil(t, first.Choices[0].FinishReason)

	text := c.Convert(upstream.TextPart{Text: "hello"})
	assert.Empty(t, text.Choices[0].Delta.Role)
	assert.Equal(t, "hello", text.Choices[0].Delta.Content)

	data := strings.Repeat("A", 80)
	media := c.Convert(upstream.InlineDataPart{MimeType: "image/png", Data: data})
	require.NotNil(t, media.Media)
	assert.Equal(t, "image", media.Media.Type)
	assert.Equal(t, data, media.Media.Data)
	assert.Equal(t, "\n\n![image](data:image/png;base64,"+strings.Repeat("A", 50)+"...)", media.Choices[0].Delta.Content)

	assert.Nil(t, c.Convert(upstream.FileRefPart{FileID: "f"}))

	stop := c.StopChunk()
	require.NotNil(t, stop.Choices[0].FinishReason)
	assert.Equal(t, "stop", *stop.Choices[0].FinishReason)

	raw, err := json.Marshal(stop)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"delta":{}`)
	assert.NotContains(t, string(raw), "_media")
}

func TestAggregator(t *testing.T) {
	a := NewAggregator("gemini-3-pro-image")
	a.Add(upstream.ThoughtPart{Text: "plan"})
	a.Add(upstream.TextPart{Text: "Here "})
	a.Add(upstream.TextPart{Text: "it is"})
	a.Add(upstream.InlineDataPart{MimeType: "image/png", Data: "QUJD"})
	a.AddMedia(MediaPayload{MimeType: "video/mp4", URL: "/v1/video/v.mp4"})
	assert.Equal(t, 2, a.MediaCount())

	resp := a.Build()
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "gemini-3-pro-image", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t,
		"<details><summary>Thinking...</summary>\n\nplan\n\n</details>\n\nHere it is"+
			"\n\n![image](data:image/png;base64,QUJD)"+
			"\n\n[Video](/v1/video/v.mp4)",
		resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", *resp.Choices[0].FinishReason)
	require.Len(t, resp.Images, 1)
	require.Len(t, resp.Videos, 1)
}

func TestAggregator_PlainText(t *testing.T) {
	a := NewAggregator("gemini-auto")
	a.Add(upstream.TextPart{Text: "hi"})

	raw, err := json.Marshal(a.Build())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"content":"hi"`)
	assert.Contains(t, string(raw), `"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}`)
	assert.NotContains(t, string(raw), `"images"`)
}

func TestSSEWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec)
	w.WriteHeaders()

	c := NewConverter("m")
	require.NoError(t, w.WriteChunk(c.Convert(upstream.TextPart{Text: "<b>"})))
	require.NoError(t, w.WriteDone())

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.True(t, rec.Flushed)

	events := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n\n")
	require.Len(t, events, 2)
	assert.Contains(t, events[0], `"content":"<b>"`, "html is not escaped")
	assert.Equal(t, "data: [DONE]", events[1])

	var chunk ChatChunk
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(events[0], "data: ")), &chunk))
	assert.Equal(t, c.ID(), chunk.ID)
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		err    *APIError
		status int
		typ    ErrorType
	}{
		{NewInvalidRequestError("bad"), http.StatusBadRequest, ErrorTypeInvalidRequest},
		{NewAuthenticationError("who"), http.StatusUnauthorized, ErrorTypeAuthentication},
		{NewNotFoundError("gone"), http.StatusNotFound, ErrorTypeNotFound},
		{NewRateLimitError("slow"), http.StatusTooManyRequests, ErrorTypeRateLimit},
		{NewAPIError("boom"), http.StatusInternalServerError, ErrorTypeAPI},
		{NewUpstreamError("far"), http.StatusBadGateway, ErrorTypeUpstream},
		{ErrNoAvailableAccounts, http.StatusServiceUnavailable, ErrorTypeOverloaded},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		tt.err.WriteError(rec)

		assert.Equal(t, tt.status, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, tt.typ, body.Error.Type)
		assert.Equal(t, tt.err.Message, body.Error.Message)
		assert.Equal(t, tt.status, body.Error.Code)
	}
}
