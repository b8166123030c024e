package api

import (
	"maps"
	"slices"
	"strings"

	"github.com/jo-hoe/adgen/internal/common"
)

// JobRequest is the body of a pipeline run. It is kept by the wizard so a
// failed job can be submitted again unchanged.
type JobRequest struct {
	ContentID  string            `json:"content_id"`
	Style      string            `json:"style"`
	ModelIndex *int              `json:"model_index,omitempty"`
	UserPrompt string            `json:"user_prompt,omitempty"`
	AdInputs   map[string]string `json:"ad_inputs,omitempty"`
}

// Validate checks the request before it is sent.
func (r JobRequest) Validate() error {
	if strings.TrimSpace(r.ContentID) == "" {
		return validationError("content_id is required")
	}
	if !slices.Contains(common.Styles, r.Style) {
		return validationError("style must be one of %s, got %q", strings.Join(common.Styles, ", "), r.Style)
	}
	if r.ModelIndex != nil && *r.ModelIndex < 0 {
		return validationError("model_index must not be negative")
	}
	return nil
}

// Clone returns a deep copy of r.
func (r JobRequest) Clone() JobRequest {
	out := r
	if r.ModelIndex != nil {
		v := *r.ModelIndex
		out.ModelIndex = &v
	}
	if r.AdInputs != nil {
		out.AdInputs = maps.Clone(r.AdInputs)
	}
	return out
}

// JobAccepted is the backend's answer to a pipeline run.
type JobAccepted struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
	WSURL   string `json:"ws_url"`
}

// Content is an uploaded product image that a job can be run for.
type Content struct {
	ContentID    string `json:"content_id"`
	ProductName  string `json:"product_name"`
	Category     string `json:"category"`
	ImageURL     string `json:"image_url"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// errorBody is the FastAPI error shape.
type errorBody struct {
	Detail any `json:"detail"`
}
