package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fixed streamAssist request settings used by the web app.
const (
	AnswerGenerationModeNormal = "NORMAL"
	AssistSkippingModeRequest  = "REQUEST_ASSIST"
	DefaultLanguageCode        = "zh-CN"
	DefaultTimeZone            = "Etc/GMT-8"
	DefaultToolRegistry        = "default_tool_registry"
)

// AssistOptions describes one streamAssist query.
type AssistOptions struct {
	ConfigID  string
	Session   string
	Prompt    string
	ToolsSpec ToolsSpec
	// ModelID is empty for automatic model choice.
	ModelID string
}

// NewAssistRequest builds a streamAssist body with the web app defaults.
func NewAssistRequest(opts AssistOptions) *AssistRequest {
	req := &AssistRequest{
		ConfigID:         opts.ConfigID,
		AdditionalParams: defaultAdditionalParams,
		StreamAssistRequest: StreamAssistRequest{
			Session:              opts.Session,
			Query:                Query{Parts: []QueryPart{{Text: opts.Prompt}}},
			Filter:               "",
			FileIDs:              []string{},
			AnswerGenerationMode: AnswerGenerationModeNormal,
			ToolsSpec:            opts.ToolsSpec,
			LanguageCode:         DefaultLanguageCode,
			UserMetadata:         UserMetadata{TimeZone: DefaultTimeZone},
			AssistSkippingMode:   AssistSkippingModeRequest,
		},
	}
	if opts.ModelID != "" {
		req.StreamAssistRequest.AssistGenerationConfig = &AssistGenerationConfig{ModelID: opts.ModelID}
	}
	return req
}

// cancelOnClose releases the request context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

// StreamAssist sends a streamAssist request and returns the response body for incremental parsing.
// The caller must close the body. timeout bounds the whole exchange including the stream.
func (c *Client) StreamAssist(ctx context.Context, token string, body *AssistRequest, timeout time.Duration) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stream assist request: %w", err)
	}

	var cancel context.CancelFunc = func() {}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.widgetURL("widgetStreamAssist"), bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	setCommonHeaders(req, token)

	c.logger.Debug("sending stream assist", "session", body.StreamAssistRequest.Session)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer func() { _ = resp.Body.Close() }()
		respBody, _ := io.ReadAll(resp.Body)

		c.logger.Warn("stream assist error",
			"status", resp.StatusCode,
			"session", body.StreamAssistRequest.Session,
			"body", truncate(string(respBody), 500),
		)
		return nil, &APIError{Op: OpStreamAssist, StatusCode: resp.StatusCode, Body: respBody}
	}

	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}
