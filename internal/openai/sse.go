package openai

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
)

// DoneSentinel terminates every stream.
const DoneSentinel = "[DONE]"

// bufferPool provides reusable buffers for JSON encoding to reduce GC pressure.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// SSEWriter writes data-only Server-Sent Events to an HTTP response.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{
		w:       w,
		flusher: flusher,
	}
}

// WriteHeaders sets the appropriate headers for SSE streaming.
func (s *SSEWriter) WriteHeaders() {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
}

// WriteData writes one `data:` event carrying v as JSON.
func (s *SSEWriter) WriteData(v interface{}) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	buf.WriteString("data: ")

	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return err
	}

	// json.Encoder.Encode adds a newline, so we just need one more for SSE format
	buf.WriteByte('\n')

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	s.flush()
	return nil
}

// WriteChunk writes a chat.completion.chunk event.
func (s *SSEWriter) WriteChunk(chunk *ChatChunk) error {
	return s.WriteData(chunk)
}

// WriteError writes an error event in the OpenAI error envelope.
func (s *SSEWriter) WriteError(apiErr *APIError) error {
	return s.WriteData(apiErr.ToResponse())
}

// WriteDone writes the stream terminator.
func (s *SSEWriter) WriteDone() error {
	if _, err := s.w.Write([]byte("data: " + DoneSentinel + "\n\n")); err != nil {
		return err
	}
	s.flush()
	return nil
}

// flush flushes the response writer if it supports flushing.
func (s *SSEWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
