package openai

import (
	"fmt"
	"strings"
	"time"

	"github.com/geminibiz/gateway/internal/upstream"
)

// Aggregator collects upstream parts into a complete response.
type Aggregator struct {
	model     string
	id        string
	content   strings.Builder
	reasoning strings.Builder
	images    []MediaPayload
	videos    []MediaPayload
}

// NewAggregator creates a new response aggregator.
func NewAggregator(model string) *Aggregator {
	return &Aggregator{
		model: model,
		id:    GenerateCompletionID(),
	}
}

// Add processes one part. File references must already be resolved.
func (a *Aggregator) Add(part upstream.Part) {
	switch p := part.(type) {
	case upstream.TextPart:
		a.content.WriteString(p.Text)
	case upstream.ThoughtPart:
		a.reasoning.WriteString(p.Text)
	case upstream.InlineDataPart:
		a.AddMedia(MediaPayload{MimeType: p.MimeType, Base64: p.Data})
	}
}

// AddMedia records generated media. URL-only media is linked rather than inlined.
func (a *Aggregator) AddMedia(m MediaPayload) {
	if MediaKind(m.MimeType) == "video" {
		a.videos = append(a.videos, m)
		return
	}
	a.images = append(a.images, m)
}

// MediaCount returns how many media items were collected.
func (a *Aggregator) MediaCount() int {
	return len(a.images) + len(a.videos)
}

// Build creates the final ChatResponse. Reasoning is folded into a
// collapsible block ahead of the answer and media is appended as markdown.
func (a *Aggregator) Build() *ChatResponse {
	var content strings.Builder
	if a.reasoning.Len() > 0 {
		fmt.Fprintf(&content, "<details><summary>Thinking...</summary>\n\n%s\n\n</details>\n\n", a.reasoning.String())
	}
	content.WriteString(a.content.String())

	for _, img := range a.images {
		switch {
		case img.Base64 != "":
			fmt.Fprintf(&content, "\n\n![image](data:%s;base64,%s)", img.MimeType, img.Base64)
		case img.URL != "":
			fmt.Fprintf(&content, "\n\n![image](%s)", img.URL)
		}
	}
	for _, vid := range a.videos {
		if vid.URL != "" {
			fmt.Fprintf(&content, "\n\n[Video](%s)", vid.URL)
		}
	}

	return &ChatResponse{
		ID:      a.id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   a.model,
		Choices: []Choice{{
			Index:        0,
			Message:      &ResponseMessage{Role: "assistant", Content: content.String()},
			FinishReason: FinishReason("stop"),
		}},
		Images: a.images,
		Videos: a.videos,
	}
}
