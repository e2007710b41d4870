package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/geminibiz/gateway/internal/gateway"
	"github.com/geminibiz/gateway/internal/media"
	"github.com/geminibiz/gateway/internal/openai"
)

// StudioHandler serves the image and video studio endpoints and the cached
// media files they produce.
type StudioHandler struct {
	gateway *gateway.Gateway
	media   *media.Store
	logger  *slog.Logger
}

// StudioHandlerOptions configures the studio handler.
type StudioHandlerOptions struct {
	Gateway *gateway.Gateway
	// Media is optional. Without it cached files are never found.
	Media  *media.Store
	Logger *slog.Logger
}

// NewStudioHandler creates a new studio handler.
func NewStudioHandler(opts StudioHandlerOptions) *StudioHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StudioHandler{
		gateway: opts.Gateway,
		media:   opts.Media,
		logger:  logger,
	}
}

// Register adds the studio routes to mux.
func (h *StudioHandler) Register(mux *http.ServeMux) {
	g := h.gateway
	mux.Handle("POST /v1/image/generate", studioEndpoint(h, "image_generate", g.GenerateImage))
	mux.Handle("POST /v1/image/edit", studioEndpoint(h, "image_edit", g.EditImage))
	mux.Handle("POST /v1/image/remix", studioEndpoint(h, "image_remix", g.RemixImage))
	mux.Handle("POST /v1/image/from-ingredients", studioEndpoint(h, "image_from_ingredients", g.GenerateFromIngredients))
	mux.Handle("POST /v1/image/batch", studioEndpoint(h, "image_batch", g.BatchGenerate))
	mux.Handle("POST /v1/image/variations", studioEndpoint(h, "image_variations", g.GenerateVariations))
	mux.Handle("POST /v1/image/upscale", studioEndpoint(h, "image_upscale", g.UpscaleImage))
	mux.Handle("POST /v1/image/remove-background", studioEndpoint(h, "image_remove_background", g.RemoveBackground))
	mux.Handle("POST /v1/image/change-background", studioEndpoint(h, "image_change_background", g.ChangeBackground))
	mux.HandleFunc("GET /v1/image/styles", h.Styles)

	mux.Handle("POST /v1/video/generate", studioEndpoint(h, "video_generate", g.GenerateVideo))
	mux.Handle("POST /v1/video/from-image", studioEndpoint(h, "video_from_image", g.VideoFromImages))
	mux.Handle("POST /v1/video/interpolate", studioEndpoint(h, "video_interpolate", g.InterpolateVideo))

	mux.HandleFunc("GET /v1/image/{filename}", h.serveFile(media.KindImage))
	mux.HandleFunc("GET /v1/video/{filename}", h.serveFile(media.KindVideo))
}

// studioEndpoint decodes a request of type Req, runs it and writes the result.
// Unsuccessful generations are results too and are returned with 200.
func studioEndpoint[Req, Res any](h *StudioHandler, op string, run func(context.Context, Req) (Res, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		var req Req
		if apiErr := decodeJSON(r, &req); apiErr != nil {
			apiErr.WriteError(w)
			return
		}

		res, err := run(r.Context(), req)
		if err != nil {
			h.logger.Error("studio request failed", "op", op, "error", err)
			toAPIError(err).WriteError(w)
			return
		}

		h.logger.Info("studio request completed",
			"op", op,
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
		writeJSON(w, http.StatusOK, res)
	}
}

// Styles handles GET /v1/image/styles.
func (h *StudioHandler) Styles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"styles": gateway.StylePresets})
}

func (h *StudioHandler) serveFile(kind media.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("filename")
		if h.media == nil {
			openai.NewNotFoundError("Media file not found: " + name).WriteError(w)
			return
		}

		path, err := h.media.Path(kind, name)
		switch {
		case errors.Is(err, media.ErrInvalidName):
			openai.NewInvalidRequestError("Invalid file name: " + name).WriteError(w)
			return
		case errors.Is(err, media.ErrNotFound):
			openai.NewNotFoundError("Media file not found: " + name).WriteError(w)
			return
		case err != nil:
			h.logger.Error("failed to resolve media file", "file", name, "error", err)
			openai.NewAPIError("Failed to read media file").WriteError(w)
			return
		}

		http.ServeFile(w, r, path)
	}
}
