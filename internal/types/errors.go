package types

import "strings"

// FieldError represents a validation error for a specific field.
type FieldError struct {
	Field   string `json:"field"`   // JSON path to the field (e.g., "records[0].timestamp")
	Message string `json:"message"` // Human-readable error message
	Value   any    `json:"value"`   // The invalid value that was provided
}

// ValidationError collects multiple field validation errors.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

// NewValidationError creates a new empty ValidationError.
func NewValidationError() *ValidationError {
	return &ValidationError{
		Errors: make([]FieldError, 0),
	}
}

// NewMessageError wraps a plain error message without a field.
func NewMessageError(message string) *ValidationError {
	verr := NewValidationError()
	verr.Add("", message, nil)
	return verr
}

// Add adds a field error to the collection.
func (v *ValidationError) Add(field, message string, value any) {
	v.Errors = append(v.Errors, FieldError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	parts := make([]string, 0, len(v.Errors))
	for _, e := range v.Errors {
		if e.Field == "" {
			parts = append(parts, e.Message)
			continue
		}
		parts = append(parts, e.Field+" "+e.Message)
	}
	return strings.Join(parts, "; ")
}
