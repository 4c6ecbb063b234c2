package handlers

import (
	"net/http"

	"github.com/iac-studio/orchestrator/internal/templates"
)

type TemplatesHandler struct {
	catalog *templates.Catalog
}

func NewTemplatesHandler(catalog *templates.Catalog) *TemplatesHandler {
	return &TemplatesHandler{catalog: catalog}
}

func (h *TemplatesHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.catalog.List()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if pt := r.URL.Query().Get("provider_type"); pt != "" {
		filtered := list[:0]
		for _, t := range list {
			if t.ProviderType == pt {
				filtered = append(filtered, t)
			}
		}
		list = filtered
	}
	writeData(w, http.StatusOK, "", map[string]any{"templates": list, "total": len(list)})
}
