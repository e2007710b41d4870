// Package openai provides OpenAI-compatible chat completion types.
package openai

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// DefaultModel is used when a request names no model.
const DefaultModel = "gemini-auto"

// ChatRequest represents an OpenAI chat completion request.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	// Optional
	Stream           bool     `json:"stream,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	User             string   `json:"user,omitempty"`
}

// Message represents a message in the conversation.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string or []ContentPart
	Name    string          `json:"name,omitempty"`
}

// ContentPart is one element of a multi-part message.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image by URL or data URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Parts returns the message content as parts. A plain string becomes a
// single text part.
func (m *Message) Parts() []ContentPart {
	if len(m.Content) == 0 {
		return nil
	}

	var str string
	if err := json.Unmarshal(m.Content, &str); err == nil {
		return []ContentPart{{Type: "text", Text: str}}
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(m.Content, &raw); err != nil {
		return nil
	}
	parts := make([]ContentPart, 0, len(raw))
	for _, r := range raw {
		// bare strings inside the list count as text
		if err := json.Unmarshal(r, &str); err == nil {
			parts = append(parts, ContentPart{Type: "text", Text: str})
			continue
		}
		var p ContentPart
		if err := json.Unmarshal(r, &p); err == nil {
			parts = append(parts, p)
		}
	}
	return parts
}

// TextContent joins the text parts of the message with sep.
func (m *Message) TextContent(sep string) string {
	var texts []string
	for _, p := range m.Parts() {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, sep)
}

// KeyText is the text that identifies a conversation: plain string content
// as is, or the typed text parts of a content list joined without separator.
// Bare strings inside a list do not count.
func (m *Message) KeyText() string {
	var str string
	if err := json.Unmarshal(m.Content, &str); err == nil {
		return str
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, r := range parts {
		var p ContentPart
		if err := json.Unmarshal(r, &p); err == nil && p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ImageURLs returns the image URLs referenced by the message.
func (m *Message) ImageURLs() []string {
	var urls []string
	for _, p := range m.Parts() {
		if p.Type == "image_url" && p.ImageURL != nil && p.ImageURL.URL != "" {
			urls = append(urls, p.ImageURL.URL)
		}
	}
	return urls
}

// TextMessage builds a message with plain string content.
func TextMessage(role, text string) Message {
	content, _ := json.Marshal(text)
	return Message{Role: role, Content: content}
}

// ChatResponse represents a complete response for non-streaming requests.
type ChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"` // "chat.completion"
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []Choice       `json:"choices"`
	Usage   Usage          `json:"usage"`
	Images  []MediaPayload `json:"images,omitempty"`
	Videos  []MediaPayload `json:"videos,omitempty"`
}

// Choice is one completion choice.
type Choice struct {
	Index        int              `json:"index"`
	Message      *ResponseMessage `json:"message,omitempty"`
	Delta        *Delta           `json:"delta,omitempty"`
	FinishReason *string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message of a non-streaming response.
type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Delta is the incremental content of a streaming chunk.
type Delta struct {
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Usage represents token usage information. The upstream reports none.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// MediaPayload carries generated media alongside a response.
type MediaPayload struct {
	Type     string `json:"type,omitempty"` // "image" or "video"
	FileName string `json:"file_name,omitempty"`
	Base64   string `json:"base64,omitempty"`
	Data     string `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type"`
}

// ChatChunk represents one chat.completion.chunk event.
type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"` // "chat.completion.chunk"
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []Choice      `json:"choices"`
	Media   *MediaPayload `json:"_media,omitempty"`
}

// Model describes one model for /v1/models.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"` // "model"
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the /v1/models response.
type ModelList struct {
	Object string  `json:"object"` // "list"
	Data   []Model `json:"data"`
}

// GenerateCompletionID generates a unique completion ID.
func GenerateCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// FinishReason returns a pointer for the finish_reason field.
func FinishReason(reason string) *string {
	return &reason
}
