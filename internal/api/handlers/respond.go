package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/iac-studio/orchestrator/internal/api/middleware"
	"github.com/iac-studio/orchestrator/internal/api/types"
	"github.com/iac-studio/orchestrator/pkg/logger"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, msg string, data any) {
	writeJSON(w, status, types.APIResponse{Success: true, Message: msg, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, status := types.FromAppError(err)
	if status >= http.StatusInternalServerError {
		logger.L().Error("request failed",
			zap.String("id", middleware.GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, types.APIResponse{
		Success: false,
		Error:   apiErr,
		Meta:    &types.Meta{RequestID: middleware.GetRequestID(r.Context())},
	})
}
