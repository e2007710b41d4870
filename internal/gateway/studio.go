package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/geminibiz/gateway/internal/account"
	"github.com/geminibiz/gateway/internal/media"
	"github.com/geminibiz/gateway/internal/upstream"
)

// Initial waits before generated files are listed.
const (
	imagePollDelay = 2 * time.Second
	videoPollDelay = 3 * time.Second
)

// studioPause separates consecutive generations of batch and variation requests.
const studioPause = time.Second

// GenerationError is a generation call that finished without usable media.
// Studio operations report it as an unsuccessful result rather than an error.
type GenerationError struct {
	Message string
	Err     error
}

func (e *GenerationError) Error() string {
	return e.Message
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// UnavailableError is a failed call on an account picked from cooldown
// because no account was available. It matches account.ErrNoAccounts.
type UnavailableError struct {
	Account string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("no available accounts (%s in cooldown: %v)", e.Account, e.Err)
}

func (e *UnavailableError) Is(target error) bool {
	return target == account.ErrNoAccounts
}

type studioUpload struct {
	mimeType string
	data     string
}

// studioJob is one generation call in a fresh remote session.
type studioJob struct {
	kind    media.Kind
	prefix  string
	prompt  string
	uploads []studioUpload
	// pick pins the job to one account. Nil lets the pool pick.
	pick *account.Pick
}

type studioOutput struct {
	mimeType string
	data     []byte
	fileInfo *upstream.FileMetadata
}

// imageUpload turns a base64 image or data URL into an upload.
func imageUpload(image string) studioUpload {
	if strings.HasPrefix(image, "data:") {
		mimeType, data := parseDataURL(image)
		return studioUpload{mimeType: mimeType, data: data}
	}
	return studioUpload{mimeType: media.DetectImageMime(image), data: image}
}

func matchesKind(kind media.Kind, mimeType string) bool {
	return strings.HasPrefix(mimeType, string(kind)+"/")
}

// generate runs one studio job. Failures of the generation call itself are
// returned as *GenerationError; everything else is a plain error.
func (g *Gateway) generate(ctx context.Context, job studioJob) (studioOutput, error) {
	pick := job.pick
	if pick == nil {
		p, err := g.pool.Next()
		if err != nil {
			return studioOutput{}, err
		}
		pick = &p
	}
	acc := pick.Account
	if pick.Degraded {
		g.logger.Warn("serving studio request from an account in cooldown", "account", acc.Name())
	}
	// A degraded account that fails means no account could serve the job.
	unavailable := func(err error) error {
		if !pick.Degraded {
			return err
		}
		return &UnavailableError{Account: acc.Name(), Err: err}
	}

	key := job.prefix + uuid.NewString()[:8]
	sess, err := g.sessions.GetOrCreate(ctx, acc, key)
	if err != nil {
		return studioOutput{}, unavailable(err)
	}

	for _, up := range job.uploads {
		if _, err := g.sessions.UploadFile(ctx, acc, sess, up.mimeType, up.data); err != nil {
			return studioOutput{}, unavailable(fmt.Errorf("failed to upload %s: %w", up.mimeType, err))
		}
	}

	tools := upstream.ToolsSpec{ImageGenerationSpec: &struct{}{}}
	timeout := g.imageTimeout
	pollDelay := imagePollDelay
	if job.kind == media.KindVideo {
		tools = upstream.ToolsSpec{VideoGenerationSpec: &struct{}{}}
		timeout = g.videoTimeout
		pollDelay = videoPollDelay
	}

	body := upstream.NewAssistRequest(upstream.AssistOptions{
		ConfigID:  acc.ConfigID(),
		Session:   sess.Name,
		Prompt:    job.prompt,
		ToolsSpec: tools,
	})

	g.logger.Info("studio generation started", "kind", job.kind, "key", key, "account", acc.Name())
	stream, err := g.openStream(ctx, acc, body, timeout, nil)
	if err != nil {
		g.penalize(acc, err)
		if pick.Degraded {
			return studioOutput{}, unavailable(err)
		}
		var apiErr *upstream.APIError
		if errors.As(err, &apiErr) {
			return studioOutput{}, &GenerationError{Message: fmt.Sprintf("API error: %d", apiErr.StatusCode), Err: err}
		}
		return studioOutput{}, err
	}
	defer func() { _ = stream.Close() }()
	acc.MarkSuccess()

	var (
		inline *upstream.InlineDataPart
		ref    *upstream.FileRefPart
	)
	err = g.readParts(ctx, stream, nil, func(part upstream.Part) error {
		switch p := part.(type) {
		case upstream.InlineDataPart:
			if inline == nil && matchesKind(job.kind, p.MimeType) {
				inline = &p
			}
		case upstream.FileRefPart:
			if ref == nil && matchesKind(job.kind, p.MimeType) {
				ref = &p
			}
		}
		return nil
	})
	if err != nil {
		return studioOutput{}, err
	}

	if inline != nil {
		data, err := base64.StdEncoding.DecodeString(inline.Data)
		if err != nil {
			return studioOutput{}, &GenerationError{Message: fmt.Sprintf("invalid %s data: %v", job.kind, err), Err: err}
		}
		return studioOutput{mimeType: inline.MimeType, data: data}, nil
	}

	if ref != nil {
		data, err := g.sessions.DownloadFile(ctx, acc, sess, ref.FileID)
		if err == nil {
			sess.MarkDelivered(ref.FileID)
			return studioOutput{mimeType: ref.MimeType, data: data}, nil
		}
		g.logger.Warn("failed to download referenced file", "file_id", ref.FileID, "error", err)
	}

	for attempt := 0; attempt < g.pollAttempts; attempt++ {
		if err := g.sleep(ctx, pollDelay); err != nil {
			return studioOutput{}, err
		}

		files, err := g.sessions.ListFiles(ctx, acc, sess)
		if err != nil {
			g.logger.Warn("failed to list generated files", "session", sess.ID(), "attempt", attempt+1, "error", err)
			continue
		}
		for _, f := range files {
			if sess.Delivered(f.FileID) || !matchesKind(job.kind, f.MimeType) {
				continue
			}
			data, err := g.sessions.DownloadMetadata(ctx, acc, f)
			if err != nil {
				g.logger.Warn("failed to download generated file", "file_id", f.FileID, "error", err)
				break
			}
			sess.MarkDelivered(f.FileID)
			info := f
			return studioOutput{mimeType: f.MimeType, data: data, fileInfo: &info}, nil
		}
	}

	if job.kind == media.KindVideo {
		return studioOutput{}, &GenerationError{Message: "Video generation completed but no video file found"}
	}
	return studioOutput{}, &GenerationError{Message: "Image generation completed but no image found"}
}

// save stores out in the media cache. The returned file is empty when no
// store is configured or saving failed; the data is still returned inline.
func (g *Gateway) save(kind media.Kind, out studioOutput) media.File {
	if g.media == nil {
		return media.File{}
	}
	f, err := g.media.Save(kind, out.data, out.mimeType)
	if err != nil {
		g.logger.Error("failed to cache generated media", "kind", kind, "error", err)
		return media.File{}
	}
	return f
}

func mediaID(f media.File) string {
	if f.Name == "" {
		return uuid.NewString()
	}
	return strings.TrimSuffix(f.Name, filepath.Ext(f.Name))
}

func (g *Gateway) imageResult(out studioOutput, err error, metadata map[string]interface{}) (*ImageResult, error) {
	if err != nil {
		var genErr *GenerationError
		if errors.As(err, &genErr) {
			return &ImageResult{Success: false, Error: genErr.Message, Metadata: metadata}, nil
		}
		return nil, err
	}

	f := g.save(media.KindImage, out)
	if out.fileInfo != nil {
		metadata["file_info"] = out.fileInfo
	}
	return &ImageResult{
		Success:   true,
		ImageID:   mediaID(f),
		ImageURL:  f.URL,
		ImageData: base64.StdEncoding.EncodeToString(out.data),
		MimeType:  out.mimeType,
		Metadata:  metadata,
	}, nil
}

func (g *Gateway) videoResult(out studioOutput, err error, duration int, metadata map[string]interface{}) (*VideoResult, error) {
	if err != nil {
		var genErr *GenerationError
		if errors.As(err, &genErr) {
			return &VideoResult{Success: false, Error: genErr.Message, Metadata: metadata}, nil
		}
		return nil, err
	}

	f := g.save(media.KindVideo, out)
	if out.fileInfo != nil {
		metadata["file_info"] = out.fileInfo
	}
	return &VideoResult{
		Success:   true,
		VideoID:   mediaID(f),
		VideoURL:  f.URL,
		VideoData: base64.StdEncoding.EncodeToString(out.data),
		MimeType:  out.mimeType,
		Duration:  float64(duration),
		Metadata:  metadata,
	}, nil
}

func orModel(model, def string) string {
	if model == "" {
		return def
	}
	return model
}

// GenerateImage creates an image from a text prompt.
func (g *Gateway) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	out, err := g.generate(ctx, studioJob{
		kind:   media.KindImage,
		prefix: "img_",
		prompt: buildImagePrompt(req),
	})
	return g.imageResult(out, err, map[string]interface{}{
		"model": orModel(req.Model, DefaultImageModel),
		"style": req.Style,
	})
}

// EditImage edits an image, optionally restricted to a mask.
func (g *Gateway) EditImage(ctx context.Context, req EditRequest) (*ImageResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	uploads := []studioUpload{imageUpload(req.Image)}
	if req.Mask != "" {
		uploads = append(uploads, studioUpload{mimeType: "image/png", data: req.Mask})
	}
	out, err := g.generate(ctx, studioJob{
		kind:    media.KindImage,
		prefix:  "edit_",
		prompt:  buildEditPrompt(req),
		uploads: uploads,
	})
	return g.imageResult(out, err, map[string]interface{}{
		"model":            orModel(req.Model, DefaultImageModel),
		"edit_description": req.Prompt,
	})
}

// RemixImage applies the style of one image to another.
func (g *Gateway) RemixImage(ctx context.Context, req RemixRequest) (*ImageResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	out, err := g.generate(ctx, studioJob{
		kind:    media.KindImage,
		prefix:  "remix_",
		prompt:  buildRemixPrompt(req),
		uploads: []studioUpload{imageUpload(req.ContentImage), imageUpload(req.StyleImage)},
	})
	return g.imageResult(out, err, map[string]interface{}{
		"model":          orModel(req.Model, DefaultImageModel),
		"style_transfer": true,
		"style_strength": req.StrengthOrDefault(),
	})
}

// GenerateFromIngredients combines subject, style and scene references into one image.
func (g *Gateway) GenerateFromIngredients(ctx context.Context, req IngredientsRequest) (*ImageResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var uploads []studioUpload
	types := make([]string, 0, len(req.Ingredients))
	for _, ing := range req.Ingredients {
		types = append(types, ing.Type)
		if ing.Image != "" {
			uploads = append(uploads, imageUpload(ing.Image))
		}
	}

	blend := req.BlendMode
	if blend == "" {
		blend = "balanced"
	}

	out, err := g.generate(ctx, studioJob{
		kind:    media.KindImage,
		prefix:  "whisk_",
		prompt:  buildIngredientsPrompt(req),
		uploads: uploads,
	})
	return g.imageResult(out, err, map[string]interface{}{
		"model":             orModel(req.Model, DefaultImageModel),
		"ingredients_count": len(req.Ingredients),
		"ingredient_types":  types,
		"blend_mode":        blend,
	})
}

// BatchGenerate generates one image per prompt, one after another.
// A failed prompt is reported in its item and does not stop the batch.
func (g *Gateway) BatchGenerate(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	items := make([]BatchItem, 0, len(req.Prompts))
	succeeded := 0
	for i, prompt := range req.Prompts {
		if i > 0 {
			if err := g.sleep(ctx, studioPause); err != nil {
				return nil, err
			}
		}

		res, err := g.GenerateImage(ctx, ImageRequest{Prompt: prompt, Model: req.Model, Style: req.Style})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			g.logger.Warn("batch item failed", "index", i, "error", err)
			items = append(items, BatchItem{Success: false, Error: err.Error()})
			continue
		}
		if res.Success {
			succeeded++
		}
		items = append(items, BatchItem{
			Success:   res.Success,
			ImageURL:  res.ImageURL,
			ImageData: res.ImageData,
			Error:     res.Error,
		})
	}

	return &BatchResult{Success: succeeded > 0, Count: len(items), Images: items}, nil
}

// GenerateVariations creates variations of an image. All variations run on
// the same account, each in its own session.
func (g *Gateway) GenerateVariations(ctx context.Context, req VariationsRequest) (*BatchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	pick, err := g.pool.Next()
	if err != nil {
		return nil, err
	}

	count := req.CountOrDefault()
	strength := req.StrengthOrDefault()
	upload := imageUpload(req.Image)

	items := make([]BatchItem, 0, count)
	succeeded := 0
	for n := 1; n <= count; n++ {
		if n > 1 {
			if err := g.sleep(ctx, studioPause); err != nil {
				return nil, err
			}
		}

		out, err := g.generate(ctx, studioJob{
			kind:    media.KindImage,
			prefix:  "var_",
			prompt:  buildVariationPrompt(n, strength),
			uploads: []studioUpload{upload},
			pick:    &pick,
		})
		res, err := g.imageResult(out, err, map[string]interface{}{
			"variation_number":   n,
			"variation_strength": strength,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, account.ErrNoAccounts) {
				return nil, err
			}
			g.logger.Warn("variation failed", "variation", n, "error", err)
			items = append(items, BatchItem{Success: false, VariationNumber: n, Error: err.Error()})
			continue
		}
		if res.Success {
			succeeded++
		}
		items = append(items, BatchItem{
			Success:         res.Success,
			ImageURL:        res.ImageURL,
			ImageData:       res.ImageData,
			VariationNumber: n,
			Error:           res.Error,
		})
	}

	return &BatchResult{Success: succeeded > 0, Count: len(items), Variations: items}, nil
}

// UpscaleImage increases the resolution of an image.
func (g *Gateway) UpscaleImage(ctx context.Context, req UpscaleRequest) (*ImageResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	scale := req.ScaleOrDefault()
	enhance := req.EnhanceOrDefault()
	out, err := g.generate(ctx, studioJob{
		kind:    media.KindImage,
		prefix:  "upscale_",
		prompt:  buildUpscalePrompt(scale, enhance),
		uploads: []studioUpload{imageUpload(req.Image)},
	})
	return g.imageResult(out, err, map[string]interface{}{
		"model":           orModel(req.Model, DefaultImageModel),
		"scale_factor":    scale,
		"enhance_details": enhance,
	})
}

// RemoveBackground keeps only the main subject of an image.
func (g *Gateway) RemoveBackground(ctx context.Context, req RemoveBackgroundRequest) (*ImageResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	out, err := g.generate(ctx, studioJob{
		kind:    media.KindImage,
		prefix:  "rembg_",
		prompt:  removeBackgroundPrompt,
		uploads: []studioUpload{imageUpload(req.Image)},
	})
	return g.imageResult(out, err, map[string]interface{}{
		"model":     orModel(req.Model, DefaultImageModel),
		"operation": "remove_background",
	})
}

// ChangeBackground replaces the background of an image.
func (g *Gateway) ChangeBackground(ctx context.Context, req ChangeBackgroundRequest) (*ImageResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	blend := req.BlendOrDefault()
	out, err := g.generate(ctx, studioJob{
		kind:    media.KindImage,
		prefix:  "chgbg_",
		prompt:  buildChangeBackgroundPrompt(req.Background, blend),
		uploads: []studioUpload{imageUpload(req.Image)},
	})
	return g.imageResult(out, err, map[string]interface{}{
		"model":          orModel(req.Model, DefaultImageModel),
		"new_background": req.Background,
		"blend_edges":    blend,
	})
}

// GenerateVideo creates a video from a text prompt.
func (g *Gateway) GenerateVideo(ctx context.Context, req VideoRequest) (*VideoResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	out, err := g.generate(ctx, studioJob{
		kind:   media.KindVideo,
		prefix: "video_",
		prompt: buildVideoPrompt(req),
	})
	return g.videoResult(out, err, req.DurationOrDefault(), map[string]interface{}{
		"model":        orModel(req.Model, DefaultVideoModel),
		"aspect_ratio": req.AspectRatioOrDefault(),
		"style":        req.Style,
	})
}

// VideoFromImages animates one image or builds a video from several.
func (g *Gateway) VideoFromImages(ctx context.Context, req ImagesToVideoRequest) (*VideoResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	uploads := make([]studioUpload, 0, len(req.Images))
	for _, img := range req.Images {
		uploads = append(uploads, imageUpload(img))
	}
	out, err := g.generate(ctx, studioJob{
		kind:    media.KindVideo,
		prefix:  "img2vid_",
		prompt:  buildImagesToVideoPrompt(req),
		uploads: uploads,
	})
	return g.videoResult(out, err, req.DurationOrDefault(), map[string]interface{}{
		"model":            orModel(req.Model, DefaultVideoModel),
		"source_images":    len(req.Images),
		"transition_style": req.TransitionOrDefault(),
	})
}

// InterpolateVideo generates a video moving from a start frame to an end frame.
func (g *Gateway) InterpolateVideo(ctx context.Context, req InterpolateRequest) (*VideoResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	out, err := g.generate(ctx, studioJob{
		kind:    media.KindVideo,
		prefix:  "interp_",
		prompt:  buildInterpolatePrompt(req),
		uploads: []studioUpload{imageUpload(req.StartFrame), imageUpload(req.EndFrame)},
	})
	return g.videoResult(out, err, req.DurationOrDefault(), map[string]interface{}{
		"model":               orModel(req.Model, DefaultVideoModel),
		"interpolation_type":  "frame_to_frame",
		"interpolation_style": req.StyleOrDefault(),
	})
}
