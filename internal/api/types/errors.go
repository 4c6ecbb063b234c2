package types

import (
	"errors"
	"net/http"

	"github.com/iac-studio/orchestrator/internal/classifier"
	"github.com/iac-studio/orchestrator/internal/provisioner"
	appErr "github.com/iac-studio/orchestrator/pkg/errors"
)

// FromAppError converts err into the API error body and the HTTP status to
// send. Provider failures are classified so raw tool output never leaks.
func FromAppError(err error) (*APIError, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if f, ok := provisioner.AsFailure(err); ok {
		d := f.Describe()
		status := http.StatusBadGateway
		switch f.Kind {
		case provisioner.KindConfiguration:
			status = http.StatusBadRequest
		case provisioner.KindTimeout:
			status = http.StatusGatewayTimeout
		}
		return &APIError{
			Code:    d.Code,
			Message: d.Friendly(),
			Details: map[string]any{"title": d.Title, "solution": d.Solution},
		}, status
	}

	var ae *appErr.AppError
	if errors.As(err, &ae) {
		out := &APIError{Code: string(ae.Code), Message: ae.Message}
		if len(ae.Meta) > 0 {
			out.Details = ae.Meta
		}
		if ae.Code == appErr.CodeInvalid {
			// sanitizer messages map onto classifier rules
			if d := classifier.Classify(ae.Message); !d.IsGeneric() {
				if out.Details == nil {
					out.Details = map[string]any{}
				}
				out.Details["error_code"] = d.Code
				out.Details["solution"] = d.Solution
			}
		}
		return out, StatusOf(ae.Code)
	}
	return &APIError{Code: string(appErr.CodeUnknown), Message: "internal server error"}, http.StatusInternalServerError
}

func StatusOf(code appErr.Code) int {
	switch code {
	case appErr.CodeInvalid:
		return http.StatusBadRequest
	case appErr.CodeNotFound:
		return http.StatusNotFound
	case appErr.CodeConflict, appErr.CodeAlreadyExists:
		return http.StatusConflict
	case appErr.CodeUnauthorized:
		return http.StatusUnauthorized
	case appErr.CodeForbidden:
		return http.StatusForbidden
	case appErr.CodeUnavailable:
		return http.StatusServiceUnavailable
	case appErr.CodeDeadline:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
