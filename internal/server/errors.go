package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coffersTech/crashcat/internal/filter"
)

// ErrorType classifies API errors.
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeConfig         ErrorType = "config_error"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeUnauthorized   ErrorType = "unauthorized"
	ErrorTypeInternal       ErrorType = "internal_error"
)

// APIError is the JSON body of every failed request.
type APIError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Details string    `json:"details,omitempty"`

	// Set for configuration errors.
	Source string `json:"source,omitempty"`
	Title  string `json:"title,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func NewAPIError(errorType ErrorType, message string, code int, details ...string) *APIError {
	err := &APIError{Type: errorType, Message: message, Code: code}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

func NewInvalidRequestError(message string, details ...string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message, http.StatusBadRequest, details...)
}

func NewNotFoundError(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message, http.StatusNotFound)
}

func NewInternalError(message string, details ...string) *APIError {
	return NewAPIError(ErrorTypeInternal, message, http.StatusInternalServerError, details...)
}

// NewConfigError reports rejected settings. Other errors become internal
// errors.
func NewConfigError(err error) *APIError {
	var ce *filter.ConfigError
	if !errors.As(err, &ce) {
		return NewInternalError("Failed to save settings", err.Error())
	}
	return &APIError{
		Type:    ErrorTypeConfig,
		Message: ce.Error(),
		Code:    http.StatusBadRequest,
		Details: ce.Detail,
		Source:  ce.Source,
		Title:   ce.Title,
	}
}

// WriteErrorResponse writes err as JSON.
func WriteErrorResponse(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code)
	if encodeErr := json.NewEncoder(w).Encode(err); encodeErr != nil {
		slog.Debug("Failed to write error response", slog.Any("error", encodeErr))
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", slog.Any("error", err))
	}
}
