// Package server provides the WebSocket command protocol and PCM ingest
// handlers of the sound dose service.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/oszuidwest/zwfm-sounddose/internal/types"
)

// validate is the shared validator instance for request validation.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names in error messages instead of struct field names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
}

// ValidateStruct validates v and returns the field errors, or nil.
func ValidateStruct(v any) *types.ValidationError {
	if err := validate.Struct(v); err != nil {
		return toValidationError(err)
	}
	return nil
}

// DecodeAndValidate decodes JSON and validates the struct.
// Returns true if successful, false if an error response was already sent.
func DecodeAndValidate[T any](cmd WSCommand, send chan<- any, data *T) bool {
	raw := cmd.Data
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, data); err != nil {
		SendError(send, cmd, fmt.Errorf("invalid JSON: %w", err))
		return false
	}

	if err := validate.Struct(data); err != nil {
		SendValidationErrors(send, cmd, err)
		return false
	}

	return true
}

// HandleCommand decodes, validates, and processes a command with automatic response handling.
// The process function receives the validated data and returns the result
// data (may be nil) or an error if processing fails.
func HandleCommand[T any](cmd WSCommand, send chan<- any, process func(*T) (any, error)) {
	var data T
	if !DecodeAndValidate(cmd, send, &data) {
		return
	}

	result, err := process(&data)
	if err != nil {
		SendError(send, cmd, err)
		return
	}

	SendSuccess(send, cmd, result)
}

// --- Response helpers ---

// SendSuccess sends a success response for a command.
func SendSuccess(send chan<- any, cmd WSCommand, data any) {
	trySend(send, cmd.Type, types.WSCommandResult{
		Type:    cmd.Type + "_result",
		ID:      cmd.ID,
		Success: true,
		Data:    data,
	})
}

// SendError sends an error response for a command.
func SendError(send chan<- any, cmd WSCommand, err error) {
	var verr *types.ValidationError
	if !errors.As(err, &verr) {
		verr = types.NewMessageError(err.Error())
	}
	trySend(send, cmd.Type, types.WSCommandResult{
		Type:    cmd.Type + "_result",
		ID:      cmd.ID,
		Success: false,
		Error:   verr,
	})
}

// SendValidationErrors converts validator errors to our format and sends them.
func SendValidationErrors(send chan<- any, cmd WSCommand, err error) {
	SendError(send, cmd, toValidationError(err))
}

// SendData sends arbitrary data to the WebSocket client.
func SendData(send chan<- any, data any) {
	trySend(send, "data", data)
}

// trySend attempts to send a message, logging a warning if the channel is full.
func trySend(send chan<- any, cmdType string, msg any) bool {
	select {
	case send <- msg:
		return true
	default:
		slog.Warn("failed to send response: channel full", "type", cmdType)
		return false
	}
}

func toValidationError(err error) *types.ValidationError {
	verr := types.NewValidationError()

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, e := range validationErrors {
			verr.Add(fieldPath(e), formatValidationMessage(e), e.Value())
		}
	} else {
		// Fallback for non-validation errors
		verr.Add("", err.Error(), nil)
	}
	return verr
}

// fieldPath returns the JSON path of e without the root struct name.
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return e.Field()
}

// formatValidationMessage creates a human-readable message from a validator error.
func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}
