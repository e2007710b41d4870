package openai

import (
	"fmt"
	"strings"
	"time"

	"github.com/geminibiz/gateway/internal/upstream"
)

// mediaPreviewChars is how much base64 a streamed media chunk inlines in its content.
const mediaPreviewChars = 50

// Converter turns upstream parts into chat.completion.chunk events.
type Converter struct {
	id       string
	created  int64
	model    string
	roleSent bool
}

// NewConverter creates a converter for one streamed completion.
func NewConverter(model string) *Converter {
	return &Converter{
		id:      GenerateCompletionID(),
		created: time.Now().Unix(),
		model:   model,
	}
}

// ID returns the completion ID shared by every chunk.
func (c *Converter) ID() string {
	return c.id
}

// Convert converts one part into a chunk. File references must be resolved
// into inline data by the caller; they yield nil here.
func (c *Converter) Convert(part upstream.Part) *ChatChunk {
	switch p := part.(type) {
	case upstream.TextPart:
		return c.chunk(Delta{Content: p.Text})
	case upstream.ThoughtPart:
		return c.chunk(Delta{Reasoning: p.Text})
	case upstream.InlineDataPart:
		return c.MediaChunk(p.MimeType, p.Data)
	}
	return nil
}

// MediaChunk builds a chunk carrying generated media in `_media`, with a
// truncated markdown preview as its content.
func (c *Converter) MediaChunk(mimeType, data string) *ChatChunk {
	kind := MediaKind(mimeType)
	preview := data
	if len(preview) > mediaPreviewChars {
		preview = preview[:mediaPreviewChars]
	}

	chunk := c.chunk(Delta{Content: fmt.Sprintf("\n\n![%s](data:%s;base64,%s...)", kind, mimeType, preview)})
	chunk.Media = &MediaPayload{Type: kind, MimeType: mimeType, Data: data}
	return chunk
}

// StopChunk builds the final chunk with finish_reason "stop".
func (c *Converter) StopChunk() *ChatChunk {
	chunk := c.chunk(Delta{})
	chunk.Choices[0].FinishReason = FinishReason("stop")
	return chunk
}

func (c *Converter) chunk(delta Delta) *ChatChunk {
	if !c.roleSent {
		delta.Role = "assistant"
		c.roleSent = true
	}
	return &ChatChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []Choice{{Index: 0, Delta: &delta}},
	}
}

// MediaKind classifies a mime type as "video" or "image".
func MediaKind(mimeType string) string {
	if strings.HasPrefix(mimeType, "video/") {
		return "video"
	}
	return "image"
}
