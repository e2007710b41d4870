package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/geminibiz/gateway/internal/debug"
	"github.com/geminibiz/gateway/internal/gateway"
	"github.com/geminibiz/gateway/internal/openai"
	"github.com/geminibiz/gateway/internal/upstream"
	"github.com/geminibiz/gateway/pkg/middleware"
)

// ChatHandler handles POST /v1/chat/completions requests.
type ChatHandler struct {
	gateway *gateway.Gateway
	dumper  *debug.Dumper
	logger  *slog.Logger
}

// ChatHandlerOptions configures the chat handler.
type ChatHandlerOptions struct {
	Gateway *gateway.Gateway
	// Dumper is optional.
	Dumper *debug.Dumper
	Logger *slog.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(opts ChatHandlerOptions) *ChatHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Dumper.Enabled() {
		logger.Info("debug dumper enabled", "dir", opts.Dumper.Dir())
	}

	return &ChatHandler{
		gateway: opts.Gateway,
		dumper:  opts.Dumper,
		logger:  logger,
	}
}

// ServeHTTP handles the chat completion request.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestID := middleware.GetRequestID(ctx)
	sessionID := requestID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	// Create debug session (nil if disabled)
	dbg := h.dumper.NewSession(sessionID)
	defer dbg.Close()
	dbg.SetRequestID(requestID)

	var req openai.ChatRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		dbg.Fail(apiErr)
		apiErr.WriteError(w)
		return
	}
	if req.Model == "" {
		req.Model = openai.DefaultModel
	}
	dbg.SetModel(req.Model)
	dbg.DumpRequestJSON(&req)

	if len(req.Messages) == 0 {
		apiErr := openai.NewInvalidRequestError("messages: field is required and must contain at least one message")
		dbg.Fail(apiErr)
		apiErr.WriteError(w)
		return
	}

	h.logger.Debug("received chat request", "model", req.Model, "stream", req.Stream, "session_id", sessionID)

	chatReq := gateway.ChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Debug:    dbg,
	}
	if req.Stream {
		h.handleStreaming(ctx, w, chatReq, dbg)
	} else {
		h.handleNonStreaming(ctx, w, chatReq, dbg)
	}
}

// handleStreaming writes chat.completion.chunk events as parts arrive.
// Headers are sent with the first chunk so that failures before any output
// still get a proper status code.
func (h *ChatHandler) handleStreaming(ctx context.Context, w http.ResponseWriter, req gateway.ChatRequest, dbg *debug.Session) {
	startTime := time.Now()
	converter := openai.NewConverter(req.Model)
	sseWriter := openai.NewSSEWriter(w)
	started := false

	write := func(chunk *openai.ChatChunk) error {
		if !started {
			sseWriter.WriteHeaders()
			started = true
		}
		dbg.AppendClientChunk(chunk)
		return sseWriter.WriteChunk(chunk)
	}

	err := h.gateway.Chat(ctx, req, func(part upstream.Part) error {
		chunk := converter.Convert(part)
		if chunk == nil {
			return nil
		}
		return write(chunk)
	})
	if err != nil {
		h.logger.Error("chat stream failed", "model", req.Model, "error", err)
		dbg.SetError(err)
		dbg.Fail(err)
		apiErr := toAPIError(err)
		if !started {
			apiErr.WriteError(w)
			return
		}
		_ = sseWriter.WriteError(apiErr)
		return
	}

	if err := write(converter.StopChunk()); err != nil {
		dbg.Fail(err)
		return
	}
	_ = sseWriter.WriteDone()

	h.logger.Info("request completed",
		"model", req.Model,
		"completion_id", converter.ID(),
		"stream", true,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
	dbg.Success()
}

// handleNonStreaming collects the whole completion into one response.
func (h *ChatHandler) handleNonStreaming(ctx context.Context, w http.ResponseWriter, req gateway.ChatRequest, dbg *debug.Session) {
	startTime := time.Now()
	aggregator := openai.NewAggregator(req.Model)

	err := h.gateway.Chat(ctx, req, func(part upstream.Part) error {
		aggregator.Add(part)
		return nil
	})
	if err != nil {
		h.logger.Error("chat request failed", "model", req.Model, "error", err)
		dbg.SetError(err)
		dbg.Fail(err)
		toAPIError(err).WriteError(w)
		return
	}

	resp := aggregator.Build()
	dbg.AppendClientChunk(resp)

	h.logger.Info("request completed",
		"model", req.Model,
		"completion_id", resp.ID,
		"stream", false,
		"media", aggregator.MediaCount(),
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
	dbg.Success()
	writeJSON(w, http.StatusOK, resp)
}
