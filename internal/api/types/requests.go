package types

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	appErr "github.com/iac-studio/orchestrator/pkg/errors"
)

type DeployRequest struct {
	TemplateName   string         `json:"template_name" validate:"required,max=255"`
	ProviderType   string         `json:"provider_type" validate:"required,oneof=azure bicep arm terraform terraform-azure terraform-gcp gcp"`
	SubscriptionID string         `json:"subscription_id" validate:"omitempty,max=128"`
	ResourceGroup  string         `json:"resource_group" validate:"omitempty,max=90"`
	Location       string         `json:"location" validate:"required,max=64"`
	Parameters     map[string]any `json:"parameters"`
	Tags           []string       `json:"tags" validate:"omitempty,max=50,dive,max=64"`
}

type TagsRequest struct {
	Tags []string `json:"tags" validate:"max=50,dive,max=64"`
}

type ResourceGroupCreateRequest struct {
	Name         string            `json:"name" validate:"required,max=90"`
	Location     string            `json:"location" validate:"required,max=64"`
	ProviderType string            `json:"provider_type" validate:"omitempty"`
	Tags         map[string]string `json:"tags"`
}

type TokenRequest struct {
	APIKey string `json:"api_key" validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode reads one JSON document into dst and validates its tags.
func Decode(r io.Reader, dst any) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(dst); err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "invalid json")
	}
	return Validate(dst)
}

// Validate runs struct tag validation and flattens the failures into one
// invalid error listing the offending fields.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return appErr.Wrap(err, appErr.CodeInvalid, "validation failed")
	}
	msgs := make([]string, 0, len(verrs))
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return appErr.New(appErr.CodeInvalid, "validation failed: "+strings.Join(msgs, "; ")).
		WithMeta("fields", fields)
}
