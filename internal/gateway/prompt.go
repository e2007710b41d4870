package gateway

import (
	"fmt"
	"strings"

	"github.com/geminibiz/gateway/internal/openai"
	"github.com/geminibiz/gateway/internal/session"
)

// BuildChatPrompt flattens a conversation into the single query the upstream
// accepts. The last system message wins.
func BuildChatPrompt(messages []openai.Message) string {
	var system string
	turns := make([]string, 0, len(messages))

	for i := range messages {
		content := messages[i].TextContent("\n")
		switch messages[i].Role {
		case "system":
			system = content
		case "user":
			turns = append(turns, "Human: "+content)
		case "assistant":
			turns = append(turns, "Assistant: "+content)
		}
	}

	var b strings.Builder
	if system != "" {
		fmt.Fprintf(&b, "<system>\n%s\n</system>\n\n", system)
	}
	b.WriteString(strings.Join(turns, "\n\n"))
	b.WriteString("\n\nAssistant:")
	return b.String()
}

// conversationMessages projects chat messages onto the fields that key a conversation.
func conversationMessages(messages []openai.Message) []session.Message {
	out := make([]session.Message, len(messages))
	for i := range messages {
		out[i] = session.Message{Role: messages[i].Role, Text: messages[i].KeyText()}
	}
	return out
}

// parseDataURL splits a data URL into its mime type and base64 payload.
func parseDataURL(u string) (mimeType, data string) {
	header, data, ok := strings.Cut(u, ",")
	if !ok {
		return "application/octet-stream", u
	}
	mimeType = "application/octet-stream"
	if m, _, ok := strings.Cut(strings.TrimPrefix(header, "data:"), ";"); ok && m != "" {
		mimeType = m
	}
	return mimeType, data
}

// StylePresets are the named styles accepted by image generation.
var StylePresets = map[string]string{
	"photorealistic": "highly detailed photorealistic image, professional photography",
	"anime":          "anime style illustration, vibrant colors, clean lines",
	"oil_painting":   "classical oil painting style, rich textures, artistic brush strokes",
	"watercolor":     "delicate watercolor painting, soft edges, flowing colors",
	"digital_art":    "modern digital art, clean and polished, high quality",
	"sketch":         "detailed pencil sketch, hand-drawn feel, artistic",
	"3d_render":      "3D rendered image, detailed modeling, professional lighting",
	"pixel_art":      "retro pixel art style, nostalgic gaming aesthetic",
	"comic":          "comic book style, bold lines, dramatic shading",
	"minimalist":     "minimalist design, simple shapes, clean composition",
}

var qualityPhrases = map[string]string{
	"low":    "quick sketch",
	"medium": "good quality",
	"high":   "highly detailed, professional quality, masterpiece",
}

func buildImagePrompt(req ImageRequest) string {
	quality, ok := qualityPhrases[req.Quality]
	if !ok {
		quality = qualityPhrases["high"]
	}
	parts := []string{quality}

	if req.Style != "" {
		if preset, ok := StylePresets[req.Style]; ok {
			parts = append(parts, preset)
		} else {
			parts = append(parts, req.Style)
		}
	}

	parts = append(parts, req.Prompt)

	switch req.AspectRatio {
	case "16:9", "4:3":
		parts = append(parts, "wide landscape format")
	case "9:16", "3:4":
		parts = append(parts, "tall portrait format")
	}

	if req.NegativePrompt != "" {
		parts = append(parts, "Avoid: "+req.NegativePrompt)
	}
	return strings.Join(parts, ", ")
}

func buildEditPrompt(req EditRequest) string {
	prompt := "Edit this image: " + req.Prompt
	if req.PreserveStyleOrDefault() {
		prompt += " Maintain the original style and quality."
	}
	return prompt
}

func buildRemixPrompt(req RemixRequest) string {
	strength := "strong"
	switch s := req.StrengthOrDefault(); {
	case s < 0.4:
		strength = "subtle"
	case s < 0.7:
		strength = "moderate"
	}

	prompt := "Apply the visual style, colors, and artistic elements from the second image " +
		"to transform the first image. Apply a " + strength + " style transfer."
	if req.Prompt != "" {
		prompt += " Additional guidance: " + req.Prompt
	}
	return prompt
}

// buildIngredientsPrompt numbers ingredient images in upload order.
func buildIngredientsPrompt(req IngredientsRequest) string {
	var lines []string
	uploaded := 0
	for _, ing := range req.Ingredients {
		if ing.Image != "" {
			uploaded++
			influence := "subtly"
			switch w := ing.WeightOrDefault(); {
			case w > 0.7:
				influence = "strongly"
			case w > 0.4:
				influence = "moderately"
			}
			lines = append(lines, fmt.Sprintf("Use image %d as the %s reference (%s influenced).", uploaded, ing.Type, influence))
		}
		if ing.Prompt != "" {
			lines = append(lines, fmt.Sprintf("For %s: %s", ing.Type, ing.Prompt))
		}
	}

	prompt := "Generate an image that combines the following elements:\n" + strings.Join(lines, "\n")
	if req.Prompt != "" {
		prompt += "\n\nMain concept: " + req.Prompt
	}

	switch req.BlendMode {
	case "subject_focus":
		prompt += "\nFocus primarily on accurately representing the subject."
	case "style_focus":
		prompt += "\nEmphasize the artistic style over exact subject accuracy."
	default:
		prompt += "\nBalance all elements harmoniously."
	}
	return prompt
}

func buildVariationPrompt(n int, strength float64) string {
	desc := "significant"
	switch {
	case strength < 0.3:
		desc = "subtle"
	case strength < 0.7:
		desc = "moderate"
	}
	return fmt.Sprintf("Create variation %d of this image. "+
		"Make %s changes while keeping the core subject. "+
		"Vary the composition, colors, lighting, or background slightly.", n, desc)
}

func buildUpscalePrompt(scale int, enhance bool) string {
	prompt := fmt.Sprintf("Upscale this image by %dx while preserving all details. "+
		"Increase the resolution significantly. ", scale)
	if enhance {
		return prompt + "Enhance fine details, sharpen textures, and improve overall clarity. " +
			"Add realistic details where the original is blurry or pixelated."
	}
	return prompt + "Keep the original look, just increase resolution."
}

const removeBackgroundPrompt = "Remove the background from this image completely. " +
	"Keep only the main subject with a transparent or pure white background. " +
	"Ensure clean edges around the subject with no artifacts."

func buildChangeBackgroundPrompt(background string, blend bool) string {
	prompt := "Replace the background of this image with: " + background + ". " +
		"Keep the main subject exactly as it is, only change the background. "
	if blend {
		prompt += "Blend the edges naturally so the subject looks like it belongs in the new scene."
	}
	return prompt
}

func buildVideoPrompt(req VideoRequest) string {
	parts := []string{fmt.Sprintf("Generate a %d second video:", req.DurationOrDefault())}
	if req.Style != "" {
		parts = append(parts, "Style: "+req.Style)
	}
	if ar := req.AspectRatioOrDefault(); ar != "" {
		parts = append(parts, "Aspect ratio: "+ar)
	}
	parts = append(parts, "Content: "+req.Prompt)
	return strings.Join(parts, " ")
}

func buildImagesToVideoPrompt(req ImagesToVideoRequest) string {
	d := req.DurationOrDefault()
	if len(req.Images) == 1 {
		prompt := fmt.Sprintf("Animate this image into a %d second video. Add natural motion and bring it to life.", d)
		if req.Prompt != "" {
			prompt += " " + req.Prompt
		}
		return prompt
	}
	if req.Prompt != "" {
		return fmt.Sprintf("Create a %d second video from the uploaded images. %s", d, req.Prompt)
	}
	return fmt.Sprintf("Create a smooth %d second video animation from the uploaded images with %s transitions.",
		d, req.TransitionOrDefault())
}

func buildInterpolatePrompt(req InterpolateRequest) string {
	prompt := fmt.Sprintf("Create a %d second video that smoothly transitions from the first image to the second image. "+
		"Use %s motion and natural movement to connect the two frames.", req.DurationOrDefault(), req.StyleOrDefault())
	if req.Prompt != "" {
		prompt += " Additional guidance: " + req.Prompt
	}
	return prompt
}
