package handlers

import (
	"net/http"

	"github.com/iac-studio/orchestrator/internal/api/types"
	"github.com/iac-studio/orchestrator/internal/services"
)

type AuthHandler struct {
	auth services.AuthService
}

func NewAuthHandler(auth services.AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

// Token exchanges an API key for a bearer token.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req types.TokenRequest
	if err := types.Decode(r.Body, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tok, exp, err := h.auth.IssueToken(r.Context(), req.APIKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Token issued", types.TokenResponse{
		AccessToken: tok,
		TokenType:   "Bearer",
		ExpiresAt:   exp.Unix(),
	})
}
