package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
)

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Type    domain.ErrorType `json:"type"`
	Code    domain.ErrorCode `json:"code,omitempty"`
	Message string           `json:"message"`
	Param   string           `json:"param,omitempty"`
}

// WriteError writes err as a JSON error response. Errors that are not a
// *domain.APIError become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	apiErr := domain.AsAPIError(err)

	body, _ := json.Marshal(errorBody{Error: errorPayload{
		Type:    apiErr.Type,
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Param:   apiErr.Param,
	}})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(apiErr.HTTPStatusCode())
	w.Write(body)
}
