// Package upstream provides the HTTP client and wire types for the Gemini Business widget API.
package upstream

import (
	"encoding/json"
	"strings"
)

// SafetyPrefix is the anti-hijacking marker prepended to some upstream JSON responses.
const SafetyPrefix = ")]}'"

// KeyMaterial is the result of a successful key exchange.
type KeyMaterial struct {
	XSRFToken string
	KeyID     string
	// SetCookie holds the raw Set-Cookie header values of the exchange response.
	SetCookie []string
}

// keyExchangeResponse is the JSON body returned by getoxsrf.
type keyExchangeResponse struct {
	XSRFToken string `json:"xsrfToken"`
	KeyID     string `json:"keyId"`
}

// AdditionalParams is sent with every widget call.
type AdditionalParams struct {
	Token string `json:"token"`
}

// defaultAdditionalParams matches what the web app sends.
var defaultAdditionalParams = AdditionalParams{Token: "-"}

// CreateSessionRequest is the body of widgetCreateSession.
type CreateSessionRequest struct {
	ConfigID             string           `json:"configId"`
	AdditionalParams     AdditionalParams `json:"additionalParams"`
	CreateSessionRequest struct {
		Session struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
		} `json:"session"`
	} `json:"createSessionRequest"`
}

type createSessionResponse struct {
	Session struct {
		Name string `json:"name"`
	} `json:"session"`
}

// AddContextFileRequest is the body of widgetAddContextFile.
type AddContextFileRequest struct {
	ConfigID              string           `json:"configId"`
	AdditionalParams      AdditionalParams `json:"additionalParams"`
	AddContextFileRequest ContextFile      `json:"addContextFileRequest"`
}

// ContextFile describes one file pushed into a session, either inline or by URI.
type ContextFile struct {
	Name         string `json:"name"`
	FileName     string `json:"fileName,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
	FileContents string `json:"fileContents,omitempty"`
	FileURI      string `json:"fileUri,omitempty"`
}

type addContextFileResponse struct {
	AddContextFileResponse struct {
		FileID string `json:"fileId"`
	} `json:"addContextFileResponse"`
}

// ListFilesRequest is the body of widgetListSessionFileMetadata.
type ListFilesRequest struct {
	ConfigID                       string           `json:"configId"`
	AdditionalParams               AdditionalParams `json:"additionalParams"`
	ListSessionFileMetadataRequest struct {
		Name   string `json:"name"`
		Filter string `json:"filter"`
	} `json:"listSessionFileMetadataRequest"`
}

// FileMetadata describes a file attached to a remote session.
// Session is the fully qualified session path required for downloads.
type FileMetadata struct {
	FileID   string `json:"fileId"`
	MimeType string `json:"mimeType"`
	Session  string `json:"session"`
	Name     string `json:"name,omitempty"`
}

type listFilesResponse struct {
	ListSessionFileMetadataResponse struct {
		FileMetadata []FileMetadata `json:"fileMetadata"`
	} `json:"listSessionFileMetadataResponse"`
}

// AssistRequest is the body of widgetStreamAssist.
type AssistRequest struct {
	ConfigID            string              `json:"configId"`
	AdditionalParams    AdditionalParams    `json:"additionalParams"`
	StreamAssistRequest StreamAssistRequest `json:"streamAssistRequest"`
}

// StreamAssistRequest carries one query against a session.
type StreamAssistRequest struct {
	Session                string                  `json:"session"`
	Query                  Query                   `json:"query"`
	Filter                 string                  `json:"filter"`
	FileIDs                []string                `json:"fileIds"`
	AnswerGenerationMode   string                  `json:"answerGenerationMode"`
	ToolsSpec              ToolsSpec               `json:"toolsSpec"`
	LanguageCode           string                  `json:"languageCode"`
	UserMetadata           UserMetadata            `json:"userMetadata"`
	AssistSkippingMode     string                  `json:"assistSkippingMode"`
	AssistGenerationConfig *AssistGenerationConfig `json:"assistGenerationConfig,omitempty"`
}

// Query is the user turn.
type Query struct {
	Parts []QueryPart `json:"parts"`
}

// QueryPart is a single text part of a query.
type QueryPart struct {
	Text string `json:"text"`
}

// ToolsSpec enables upstream tools. Nil members are omitted.
type ToolsSpec struct {
	WebGroundingSpec    *struct{} `json:"webGroundingSpec,omitempty"`
	ToolRegistry        string    `json:"toolRegistry,omitempty"`
	ImageGenerationSpec *struct{} `json:"imageGenerationSpec,omitempty"`
	VideoGenerationSpec *struct{} `json:"videoGenerationSpec,omitempty"`
}

// UserMetadata is sent with every assist request.
type UserMetadata struct {
	TimeZone string `json:"timeZone"`
}

// AssistGenerationConfig selects the model. Omitted for automatic model choice.
type AssistGenerationConfig struct {
	ModelID string `json:"modelId"`
}

// StreamAssistResponse is one object of the streamAssist response stream.
type StreamAssistResponse struct {
	Answer          *Answer          `json:"answer,omitempty"`
	SessionInfo     *SessionInfo     `json:"sessionInfo,omitempty"`
	GeneratedImages []GeneratedImage `json:"generatedImages,omitempty"`
	Reply           *Reply           `json:"reply,omitempty"`
}

// streamEnvelope accepts both the wrapped and the bare form of a stream object.
type streamEnvelope struct {
	Wrapped *StreamAssistResponse `json:"streamAssistResponse,omitempty"`
	StreamAssistResponse
}

// Answer holds the replies of a stream object.
type Answer struct {
	Replies         []Reply          `json:"replies,omitempty"`
	GeneratedImages []GeneratedImage `json:"generatedImages,omitempty"`
	State           string           `json:"state,omitempty"`
}

// Reply is one reply of an answer.
type Reply struct {
	GroundedContent *GroundedContent `json:"groundedContent,omitempty"`
	GeneratedImages []GeneratedImage `json:"generatedImages,omitempty"`
}

// GroundedContent wraps reply content.
type GroundedContent struct {
	Content *Content `json:"content,omitempty"`
}

// Content is the raw reply content. Exactly which members are set varies per object.
type Content struct {
	Text       string      `json:"text,omitempty"`
	Thought    bool        `json:"thought,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
	File       *FileRef    `json:"file,omitempty"`
}

// InlineData is base64 media embedded in a reply.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileRef points at a file stored in the remote session.
type FileRef struct {
	FileID   string `json:"fileId"`
	MimeType string `json:"mimeType"`
	Name     string `json:"name,omitempty"`
}

// GeneratedImage is an image returned outside of reply content.
type GeneratedImage struct {
	Image struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MimeType           string `json:"mimeType"`
	} `json:"image"`
}

// SessionInfo echoes the session a stream belongs to.
type SessionInfo struct {
	Session string `json:"session"`
}

// Part is one decoded unit of reply content.
// It is one of TextPart, ThoughtPart, InlineDataPart or FileRefPart.
type Part interface {
	isPart()
}

// TextPart is answer text.
type TextPart struct {
	Text string
}

// ThoughtPart is reasoning text.
type ThoughtPart struct {
	Text string
}

// InlineDataPart is media delivered inline as base64.
type InlineDataPart struct {
	MimeType string
	Data     string
}

// FileRefPart is media stored in the remote session that must be downloaded.
type FileRefPart struct {
	FileID   string
	MimeType string
}

func (TextPart) isPart()       {}
func (ThoughtPart) isPart()    {}
func (InlineDataPart) isPart() {}
func (FileRefPart) isPart()    {}

// fillerText is appended by the upstream after image generation and carries no content.
const fillerText = "Image generated by Nano Banana Pro"

// DecodeParts decodes one stream object into parts in document order.
// Objects that are not stream responses yield no parts and no error.
func DecodeParts(raw json.RawMessage) ([]Part, error) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Wrapped != nil {
		return env.Wrapped.Parts(), nil
	}
	return env.StreamAssistResponse.Parts(), nil
}

// Parts flattens a response into parts.
func (r *StreamAssistResponse) Parts() []Part {
	var parts []Part
	parts = appendGenerated(parts, r.GeneratedImages)

	var replies []Reply
	if r.Answer != nil {
		parts = appendGenerated(parts, r.Answer.GeneratedImages)
		replies = r.Answer.Replies
	}
	if r.Reply != nil {
		replies = append(replies, *r.Reply)
	}

	for _, reply := range replies {
		parts = appendGenerated(parts, reply.GeneratedImages)
		if reply.GroundedContent == nil || reply.GroundedContent.Content == nil {
			continue
		}
		c := reply.GroundedContent.Content
		switch {
		case c.Thought && c.Text != "":
			parts = append(parts, ThoughtPart{Text: c.Text})
		case c.Text != "" && !containsFiller(c.Text):
			parts = append(parts, TextPart{Text: c.Text})
		}
		if c.InlineData != nil && c.InlineData.Data != "" {
			parts = append(parts, InlineDataPart{
				MimeType: orDefault(c.InlineData.MimeType, "image/png"),
				Data:     c.InlineData.Data,
			})
		}
		if c.File != nil && c.File.FileID != "" {
			parts = append(parts, FileRefPart{
				FileID:   c.File.FileID,
				MimeType: orDefault(c.File.MimeType, "image/png"),
			})
		}
	}
	return parts
}

func appendGenerated(parts []Part, images []GeneratedImage) []Part {
	for _, img := range images {
		if img.Image.BytesBase64Encoded == "" {
			continue
		}
		parts = append(parts, InlineDataPart{
			MimeType: orDefault(img.Image.MimeType, "image/png"),
			Data:     img.Image.BytesBase64Encoded,
		})
	}
	return parts
}

func containsFiller(text string) bool {
	return strings.Contains(text, fillerText)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
