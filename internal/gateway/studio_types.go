package gateway

import (
	"fmt"
)

// ImageRequest is a text-to-image request.
type ImageRequest struct {
	Prompt         string `json:"prompt"`
	Model          string `json:"model,omitempty"`
	Style          string `json:"style,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	Quality        string `json:"quality,omitempty"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
}

// Validate checks required fields.
func (r *ImageRequest) Validate() error {
	return required("prompt", r.Prompt)
}

// EditRequest edits an image following a prompt.
type EditRequest struct {
	Image  string `json:"image"`
	Prompt string `json:"edit_prompt"`
	Model  string `json:"model,omitempty"`
	// Mask is an optional base64 PNG selecting the area to edit.
	Mask          string `json:"mask,omitempty"`
	PreserveStyle *bool  `json:"preserve_style,omitempty"`
}

// Validate checks required fields.
func (r *EditRequest) Validate() error {
	if err := required("image", r.Image); err != nil {
		return err
	}
	return required("edit_prompt", r.Prompt)
}

// PreserveStyleOrDefault defaults to true.
func (r *EditRequest) PreserveStyleOrDefault() bool {
	return boolOr(r.PreserveStyle, true)
}

// RemixRequest transfers the style of one image onto another.
type RemixRequest struct {
	ContentImage  string   `json:"content_image"`
	StyleImage    string   `json:"style_image"`
	Prompt        string   `json:"prompt,omitempty"`
	Model         string   `json:"model,omitempty"`
	StyleStrength *float64 `json:"style_strength,omitempty"`
}

// Validate checks required fields.
func (r *RemixRequest) Validate() error {
	if err := required("content_image", r.ContentImage); err != nil {
		return err
	}
	return required("style_image", r.StyleImage)
}

// StrengthOrDefault defaults to 0.7.
func (r *RemixRequest) StrengthOrDefault() float64 {
	return floatOr(r.StyleStrength, 0.7)
}

// IngredientTypes are the accepted ingredient roles.
var IngredientTypes = map[string]bool{
	"subject":   true,
	"style":     true,
	"scene":     true,
	"mood":      true,
	"reference": true,
}

// Ingredient is one reference image or prompt of an ingredients request.
type Ingredient struct {
	Type   string   `json:"type"`
	Image  string   `json:"image,omitempty"`
	Prompt string   `json:"prompt,omitempty"`
	Weight *float64 `json:"weight,omitempty"`
}

// WeightOrDefault defaults to 1.0.
func (i *Ingredient) WeightOrDefault() float64 {
	return floatOr(i.Weight, 1.0)
}

// IngredientsRequest combines several ingredients into one image.
type IngredientsRequest struct {
	Ingredients []Ingredient `json:"ingredients"`
	Prompt      string       `json:"prompt,omitempty"`
	Model       string       `json:"model,omitempty"`
	BlendMode   string       `json:"blend_mode,omitempty"`
}

// Validate checks the ingredient list.
func (r *IngredientsRequest) Validate() error {
	if len(r.Ingredients) == 0 {
		return fmt.Errorf("%w: ingredients must not be empty", ErrInvalidRequest)
	}
	for i, ing := range r.Ingredients {
		if !IngredientTypes[ing.Type] {
			return fmt.Errorf("%w: ingredients[%d].type %q is not one of subject, style, scene, mood, reference",
				ErrInvalidRequest, i, ing.Type)
		}
	}
	return nil
}

// BatchRequest generates one image per prompt.
type BatchRequest struct {
	Prompts []string `json:"prompts"`
	Model   string   `json:"model,omitempty"`
	Style   string   `json:"style,omitempty"`
}

// Validate checks the prompt list.
func (r *BatchRequest) Validate() error {
	if len(r.Prompts) == 0 {
		return fmt.Errorf("%w: prompts must not be empty", ErrInvalidRequest)
	}
	return nil
}

// VariationsRequest generates variations of an image.
type VariationsRequest struct {
	Image    string   `json:"image"`
	Count    *int     `json:"count,omitempty"`
	Strength *float64 `json:"variation_strength,omitempty"`
	Model    string   `json:"model,omitempty"`
}

// Validate checks required fields.
func (r *VariationsRequest) Validate() error {
	return required("image", r.Image)
}

// CountOrDefault defaults to 4 and is clamped to 1..8.
func (r *VariationsRequest) CountOrDefault() int {
	return clamp(intOr(r.Count, 4), 1, 8)
}

// StrengthOrDefault defaults to 0.5.
func (r *VariationsRequest) StrengthOrDefault() float64 {
	return floatOr(r.Strength, 0.5)
}

// UpscaleRequest upscales an image.
type UpscaleRequest struct {
	Image          string `json:"image"`
	ScaleFactor    *int   `json:"scale_factor,omitempty"`
	Model          string `json:"model,omitempty"`
	EnhanceDetails *bool  `json:"enhance_details,omitempty"`
}

// Validate checks required fields.
func (r *UpscaleRequest) Validate() error {
	return required("image", r.Image)
}

// ScaleOrDefault defaults to 2 and is clamped to 2..4.
func (r *UpscaleRequest) ScaleOrDefault() int {
	return clamp(intOr(r.ScaleFactor, 2), 2, 4)
}

// EnhanceOrDefault defaults to true.
func (r *UpscaleRequest) EnhanceOrDefault() bool {
	return boolOr(r.EnhanceDetails, true)
}

// RemoveBackgroundRequest removes the background of an image.
type RemoveBackgroundRequest struct {
	Image string `json:"image"`
	Model string `json:"model,omitempty"`
}

// Validate checks required fields.
func (r *RemoveBackgroundRequest) Validate() error {
	return required("image", r.Image)
}

// ChangeBackgroundRequest replaces the background of an image.
type ChangeBackgroundRequest struct {
	Image      string `json:"image"`
	Background string `json:"new_background"`
	Model      string `json:"model,omitempty"`
	BlendEdges *bool  `json:"blend_edges,omitempty"`
}

// Validate checks required fields.
func (r *ChangeBackgroundRequest) Validate() error {
	if err := required("image", r.Image); err != nil {
		return err
	}
	return required("new_background", r.Background)
}

// BlendOrDefault defaults to true.
func (r *ChangeBackgroundRequest) BlendOrDefault() bool {
	return boolOr(r.BlendEdges, true)
}

// VideoRequest is a text-to-video request.
type VideoRequest struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model,omitempty"`
	Duration    int    `json:"duration,omitempty"`
	Style       string `json:"style,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// Validate checks required fields.
func (r *VideoRequest) Validate() error {
	return required("prompt", r.Prompt)
}

// DurationOrDefault defaults to 5 seconds.
func (r *VideoRequest) DurationOrDefault() int {
	if r.Duration <= 0 {
		return 5
	}
	return r.Duration
}

// AspectRatioOrDefault defaults to 16:9.
func (r *VideoRequest) AspectRatioOrDefault() string {
	if r.AspectRatio == "" {
		return "16:9"
	}
	return r.AspectRatio
}

// ImagesToVideoRequest animates one or more images.
type ImagesToVideoRequest struct {
	Images          []string `json:"images"`
	Prompt          string   `json:"prompt,omitempty"`
	Model           string   `json:"model,omitempty"`
	Duration        int      `json:"duration,omitempty"`
	TransitionStyle string   `json:"transition_style,omitempty"`
}

// Validate checks the image list.
func (r *ImagesToVideoRequest) Validate() error {
	if len(r.Images) == 0 {
		return fmt.Errorf("%w: images must not be empty", ErrInvalidRequest)
	}
	return nil
}

// DurationOrDefault defaults to 5 seconds.
func (r *ImagesToVideoRequest) DurationOrDefault() int {
	if r.Duration <= 0 {
		return 5
	}
	return r.Duration
}

// TransitionOrDefault defaults to smooth.
func (r *ImagesToVideoRequest) TransitionOrDefault() string {
	if r.TransitionStyle == "" {
		return "smooth"
	}
	return r.TransitionStyle
}

// InterpolateRequest generates a video between two frames.
type InterpolateRequest struct {
	StartFrame         string `json:"start_frame"`
	EndFrame           string `json:"end_frame"`
	Duration           int    `json:"duration,omitempty"`
	Prompt             string `json:"prompt,omitempty"`
	Model              string `json:"model,omitempty"`
	InterpolationStyle string `json:"interpolation_style,omitempty"`
}

// Validate checks required fields.
func (r *InterpolateRequest) Validate() error {
	if err := required("start_frame", r.StartFrame); err != nil {
		return err
	}
	return required("end_frame", r.EndFrame)
}

// DurationOrDefault defaults to 3 seconds.
func (r *InterpolateRequest) DurationOrDefault() int {
	if r.Duration <= 0 {
		return 3
	}
	return r.Duration
}

// StyleOrDefault defaults to smooth.
func (r *InterpolateRequest) StyleOrDefault() string {
	if r.InterpolationStyle == "" {
		return "smooth"
	}
	return r.InterpolationStyle
}

// ImageResult is the outcome of one image operation.
type ImageResult struct {
	Success   bool                   `json:"success"`
	ImageID   string                 `json:"image_id,omitempty"`
	ImageURL  string                 `json:"image_url,omitempty"`
	ImageData string                 `json:"image_data,omitempty"`
	MimeType  string                 `json:"mime_type"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// VideoResult is the outcome of one video operation.
type VideoResult struct {
	Success   bool                   `json:"success"`
	VideoID   string                 `json:"video_id,omitempty"`
	VideoURL  string                 `json:"video_url,omitempty"`
	VideoData string                 `json:"video_data,omitempty"`
	MimeType  string                 `json:"mime_type"`
	Duration  float64                `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// BatchItem is one entry of a batch or variations response.
type BatchItem struct {
	Success         bool   `json:"success"`
	ImageURL        string `json:"image_url,omitempty"`
	ImageData       string `json:"image_data,omitempty"`
	VariationNumber int    `json:"variation_number,omitempty"`
	Error           string `json:"error,omitempty"`
}

// BatchResult is the response of batch and variations requests.
type BatchResult struct {
	Success    bool        `json:"success"`
	Count      int         `json:"count"`
	Images     []BatchItem `json:"images,omitempty"`
	Variations []BatchItem `json:"variations,omitempty"`
}

func required(field, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidRequest, field)
	}
	return nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
