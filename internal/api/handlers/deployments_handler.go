package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/iac-studio/orchestrator/internal/api/types"
	"github.com/iac-studio/orchestrator/internal/repository"
	"github.com/iac-studio/orchestrator/internal/services"
	appErr "github.com/iac-studio/orchestrator/pkg/errors"
	"github.com/iac-studio/orchestrator/pkg/logger"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type DeploymentsHandler struct {
	svc services.DeploymentService
}

func NewDeploymentsHandler(svc services.DeploymentService) *DeploymentsHandler {
	return &DeploymentsHandler{svc: svc}
}

// Deploy accepts a deployment and queues it. 202 means queued, not provisioned.
func (h *DeploymentsHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	var req types.DeployRequest
	if err := types.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.svc.Accept(r.Context(), &services.DeployInput{
		TemplateName:   req.TemplateName,
		ProviderType:   req.ProviderType,
		SubscriptionID: req.SubscriptionID,
		ResourceGroup:  req.ResourceGroup,
		Location:       req.Location,
		Parameters:     req.Parameters,
		Tags:           req.Tags,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, "Deployment queued successfully", out)
}

func (h *DeploymentsHandler) Status(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Deployment status retrieved", v)
}

func (h *DeploymentsHandler) Details(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Details(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Deployment details retrieved", v)
}

func (h *DeploymentsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repository.DeploymentFilter{
		Status:       q.Get("status"),
		ProviderType: q.Get("provider_type"),
		Tag:          q.Get("tag"),
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > repository.MaxListLimit {
			writeError(w, r, appErr.Newf(appErr.CodeInvalid, "limit must be between 1 and %d", repository.MaxListLimit))
			return
		}
		f.Limit = n
	}
	items, err := h.svc.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, fmt.Sprintf("Found %d deployments", len(items)),
		map[string]any{"deployments": items, "total": len(items)})
}

func (h *DeploymentsHandler) Tags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.svc.Tags(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, fmt.Sprintf("Found %d unique tags", len(tags)),
		map[string]any{"tags": tags, "total": len(tags)})
}

// UpdateTags takes either a bare JSON array or {"tags": [...]}.
func (h *DeploymentsHandler) UpdateTags(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, appErr.Wrap(err, appErr.CodeInvalid, "invalid body"))
		return
	}
	var req types.TagsRequest
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &req.Tags); err != nil {
			writeError(w, r, appErr.Wrap(err, appErr.CodeInvalid, "invalid json"))
			return
		}
		err = types.Validate(&req)
	} else {
		err = types.Decode(bytes.NewReader(body), &req)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	v, err := h.svc.UpdateTags(r.Context(), chi.URLParam(r, "id"), req.Tags)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Tags updated", v)
}

func (h *DeploymentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Deployment deleted", map[string]string{"deployment_id": id})
}

func (h *DeploymentsHandler) TaskStatus(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.TaskStatus(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Task status retrieved", v)
}

// Logs streams the deployment log as server-sent events until the
// deployment finishes or the client goes away.
func (h *DeploymentsHandler) Logs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, appErr.New(appErr.CodeInternal, "streaming unsupported"))
		return
	}

	id := chi.URLParam(r, "id")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev services.StreamEvent) error {
		raw, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := h.svc.Stream(r.Context(), id, send)
	if err == nil || r.Context().Err() != nil {
		return
	}
	msg := "Deployment not found"
	if !appErr.IsCode(err, appErr.CodeNotFound) {
		logger.ForDeployment(id).Warn("log stream failed", zap.Error(err))
		msg = "Stream failed"
	}
	_ = send(services.StreamEvent{Type: services.EventError, Message: msg})
}
