// Package dto holds the request/response shapes crossing the broker's REST
// and WebSocket boundaries, validated with struct tags.
package dto

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// RequestOptions is embedded into DataRequest.
type RequestOptions struct {
	TimeoutMs         int      `json:"timeout,omitempty" validate:"omitempty,gte=0"`
	Fields            []string `json:"fields,omitempty"`
	PreferredProvider string   `json:"preferredProvider,omitempty"`
	Realtime          bool     `json:"realtime,omitempty"`
	UseSmartCache     bool     `json:"useSmartCache,omitempty"`
}

// DataRequest is the REST POST /data request body.
type DataRequest struct {
	Symbols      []string       `json:"symbols" validate:"required,min=1,dive,required"`
	ReceiverType string         `json:"receiverType" validate:"required"`
	Options      RequestOptions `json:"options,omitempty"`
}

// ValidationResult separates fatal errors from non-fatal warnings (e.g.
// duplicate symbols or stray whitespace).
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

var validate = validator.New()

// ValidateDataRequest applies struct-tag validation plus duplicate/whitespace
// warning checks over the symbol list.
func ValidateDataRequest(req *DataRequest) ValidationResult {
	result := ValidationResult{Valid: true}

	if err := validate.Struct(req); err != nil {
		result.Valid = false
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				result.Errors = append(result.Errors, fe.Field()+" failed "+fe.Tag())
			}
		} else {
			result.Errors = append(result.Errors, err.Error())
		}
		return result
	}

	if strings.TrimSpace(req.ReceiverType) == "" {
		result.Valid = false
		result.Errors = append(result.Errors, "receiverType must not be empty")
	}

	seen := make(map[string]bool, len(req.Symbols))
	for _, s := range req.Symbols {
		trimmed := strings.TrimSpace(s)
		if trimmed != s {
			result.Warnings = append(result.Warnings, "symbol has leading/trailing whitespace: "+s)
		}
		if seen[trimmed] {
			result.Warnings = append(result.Warnings, "duplicate symbol: "+trimmed)
			continue
		}
		seen[trimmed] = true
	}

	return result
}

// ResponseMetadata is the envelope metadata attached to every DataResponse.
type ResponseMetadata struct {
	Provider          string `json:"provider"`
	Capability        string `json:"capability"`
	RequestID         string `json:"requestId"`
	ProcessingTimeMs  int64  `json:"processingTime"`
	HasPartialFailures bool  `json:"hasPartialFailures"`
}

// DataResponse is the single generic envelope type used for every REST
// response.
type DataResponse struct {
	Data     []map[string]any `json:"data"`
	Metadata ResponseMetadata `json:"metadata"`
}

// ErrorResponse is returned on any non-2xx REST response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
