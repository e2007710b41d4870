package handler

import (
	"net/http"

	"github.com/geminibiz/gateway/internal/gateway"
	"github.com/geminibiz/gateway/internal/openai"
)

// ModelsHandler serves GET /v1/models and GET /v1/models/{id}.
type ModelsHandler struct{}

// NewModelsHandler creates a new models handler.
func NewModelsHandler() *ModelsHandler {
	return &ModelsHandler{}
}

// ServeHTTP lists every model, or describes one when the path names an id.
func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSON(w, http.StatusOK, openai.ModelList{Object: "list", Data: gateway.Models()})
		return
	}

	model, ok := gateway.LookupModel(id)
	if !ok {
		openai.NewNotFoundError("Model not found: " + id).WriteError(w)
		return
	}
	writeJSON(w, http.StatusOK, model)
}
