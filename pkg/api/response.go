package api

import (
	"errors"
	"time"

	"cell_analysis/pkg/core/errs"
	"cell_analysis/pkg/models"
)

// SuccessResponse is the outer envelope around a completed analysis.
type SuccessResponse struct {
	Status          string                 `json:"status"`
	AnalysisID      string                 `json:"analysis_id"`
	Timestamp       string                 `json:"timestamp"`
	ExecutionTimeMS int64                  `json:"execution_time_ms"`
	Result          *models.AnalysisResult `json:"result"`
	Warnings        []string               `json:"warnings,omitempty"`
}

// ErrorDetails carries the structured failure description.
type ErrorDetails struct {
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Hint    string                 `json:"hint,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse is the failure envelope.
type ErrorResponse struct {
	Status          string       `json:"status"`
	Timestamp       string       `json:"timestamp"`
	ExecutionTimeMS int64        `json:"execution_time_ms"`
	ErrorDetails    ErrorDetails `json:"error_details"`
}

// FormatSuccess wraps a result with timing and decode warnings.
func FormatSuccess(result *models.AnalysisResult, elapsed time.Duration, warnings []string) *SuccessResponse {
	return &SuccessResponse{
		Status:          "success",
		AnalysisID:      result.AnalysisID,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		ExecutionTimeMS: elapsed.Milliseconds(),
		Result:          result,
		Warnings:        warnings,
	}
}

// FormatError wraps a pipeline failure. Untagged errors surface with a
// generic internal message; the cause stays in the logs, not the envelope.
func FormatError(err error, elapsed time.Duration) *ErrorResponse {
	details := ErrorDetails{
		Kind:    string(errs.KindOf(err)),
		Message: "internal error",
	}
	var e *errs.Error
	if errors.As(err, &e) {
		details.Message = e.Message
		details.Field = e.Field
		details.Hint = e.Hint
		details.Details = e.Details
	}
	return &ErrorResponse{
		Status:          "error",
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		ExecutionTimeMS: elapsed.Milliseconds(),
		ErrorDetails:    details,
	}
}
