package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/iac-studio/orchestrator/internal/api/types"
	"github.com/iac-studio/orchestrator/internal/services"
)

type ResourcesHandler struct {
	svc services.ResourceService
}

func NewResourcesHandler(svc services.ResourceService) *ResourcesHandler {
	return &ResourcesHandler{svc: svc}
}

func (h *ResourcesHandler) Providers(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Providers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", map[string]any{"providers": list, "total": len(list)})
}

func (h *ResourcesHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.svc.ListGroups(r.Context(), r.URL.Query().Get("provider_type"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, fmt.Sprintf("Found %d resource groups", len(groups)),
		map[string]any{"resource_groups": groups, "total": len(groups)})
}

func (h *ResourcesHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req types.ResourceGroupCreateRequest
	if err := types.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, r, err)
		return
	}
	g, err := h.svc.CreateGroup(r.Context(), req.ProviderType, req.Name, req.Location, req.Tags)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, "Resource group created", g)
}

func (h *ResourcesHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.svc.DeleteGroup(r.Context(), r.URL.Query().Get("provider_type"), name); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, "Resource group deletion started", map[string]string{"name": name})
}

func (h *ResourcesHandler) ListResources(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	items, err := h.svc.ListResources(r.Context(), r.URL.Query().Get("provider_type"), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, fmt.Sprintf("Found %d resources", len(items)),
		map[string]any{"resource_group": name, "resources": items, "total": len(items)})
}
