package gateway

import (
	"strings"

	"github.com/geminibiz/gateway/internal/openai"
	"github.com/geminibiz/gateway/internal/upstream"
)

const (
	// DefaultImageModel is used by image studio calls that name no model.
	DefaultImageModel = "gemini-3-pro-preview-image"
	// DefaultVideoModel is used by video studio calls that name no model.
	DefaultVideoModel = "gemini-3-pro-preview-video"

	modelCreated = 1700000000
	modelOwner   = "gemini-ultra-gateway"
)

// Model variant suffixes. Each selects the upstream tools for the request.
const (
	suffixImage  = "-image"
	suffixVideo  = "-video"
	suffixSearch = "-search"
)

// baseModels are the upstream models every variant maps onto.
var baseModels = []string{
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"gemini-3-pro-preview",
	"gemini-3-pro",
}

// modelIDs maps every advertised model to the upstream model id.
// The automatic model maps to "" so no model is sent.
var modelIDs = func() map[string]string {
	ids := map[string]string{openai.DefaultModel: ""}
	for _, base := range baseModels {
		ids[base] = base
		for _, suffix := range []string{suffixImage, suffixVideo, suffixSearch} {
			ids[base+suffix] = base
		}
	}
	return ids
}()

// Models returns the advertised model list in a stable order.
func Models() []openai.Model {
	models := []openai.Model{newModel(openai.DefaultModel)}
	for _, base := range baseModels {
		models = append(models, newModel(base))
	}
	for _, suffix := range []string{suffixImage, suffixVideo, suffixSearch} {
		for _, base := range baseModels {
			models = append(models, newModel(base+suffix))
		}
	}
	return models
}

// LookupModel returns the advertised model with the given id.
func LookupModel(id string) (openai.Model, bool) {
	if _, ok := modelIDs[id]; !ok {
		return openai.Model{}, false
	}
	return newModel(id), true
}

func newModel(id string) openai.Model {
	return openai.Model{ID: id, Object: "model", Created: modelCreated, OwnedBy: modelOwner}
}

// ModelID returns the upstream model id for a requested model. Unknown
// names pass through unchanged.
func ModelID(model string) string {
	if id, ok := modelIDs[model]; ok {
		return id
	}
	return model
}

// IsImageModel reports whether model generates images.
func IsImageModel(model string) bool { return strings.Contains(model, suffixImage) }

// IsVideoModel reports whether model generates videos.
func IsVideoModel(model string) bool { return strings.Contains(model, suffixVideo) }

// IsSearchModel reports whether model uses web grounding.
func IsSearchModel(model string) bool { return strings.Contains(model, suffixSearch) }

// ToolsFor selects the upstream tools for a chat model. Plain models get
// every tool.
func ToolsFor(model string) upstream.ToolsSpec {
	switch {
	case IsImageModel(model):
		return upstream.ToolsSpec{ImageGenerationSpec: &struct{}{}}
	case IsVideoModel(model):
		return upstream.ToolsSpec{VideoGenerationSpec: &struct{}{}}
	case IsSearchModel(model):
		return upstream.ToolsSpec{WebGroundingSpec: &struct{}{}}
	}
	return upstream.ToolsSpec{
		WebGroundingSpec:    &struct{}{},
		ToolRegistry:        upstream.DefaultToolRegistry,
		ImageGenerationSpec: &struct{}{},
		VideoGenerationSpec: &struct{}{},
	}
}
