package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aldcvd/deposition-core/internal/interlock"
	"github.com/aldcvd/deposition-core/internal/recipe"
	"github.com/aldcvd/deposition-core/internal/relay"
	"github.com/aldcvd/deposition-core/internal/run"
	"github.com/aldcvd/deposition-core/internal/sequencer"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeForbidden      = "forbidden"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeInterlock      = "interlock_violation"
	ErrCodeUnavailable    = "device_unavailable"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeRunError maps controller, recipe and interlock errors to responses.
// The current run state is attached so the UI can resync after a refusal.
func writeRunError(w http.ResponseWriter, err error, state *sequencer.RunState) {
	var violation *interlock.Violation
	switch {
	case errors.As(err, &violation):
		writeJSON(w, http.StatusUnprocessableEntity, Error{
			Status:  http.StatusUnprocessableEntity,
			Code:    ErrCodeInterlock,
			Message: err.Error(),
			Details: violation.Breaches,
		})
		return
	case errors.Is(err, recipe.ErrInvalidRecipe), errors.Is(err, recipe.ErrNonTerminating):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	case errors.Is(err, recipe.ErrRecipeNotFound), errors.Is(err, run.ErrRunNotFound):
		writeNotFound(w, err.Error())
		return
	case errors.Is(err, run.ErrUnknownCommand):
		writeBadRequest(w, err.Error())
		return
	}

	status, code := http.StatusInternalServerError, ErrCodeInternal
	switch {
	case errors.Is(err, run.ErrBusy),
		errors.Is(err, run.ErrNotAcknowledged),
		errors.Is(err, run.ErrNothingToAcknowledge),
		errors.Is(err, sequencer.ErrInvalidTransition):
		status, code = http.StatusConflict, ErrCodeConflict
	case errors.Is(err, run.ErrDeviceUnreachable), errors.Is(err, relay.ErrHardware):
		status, code = http.StatusServiceUnavailable, ErrCodeUnavailable
	}

	e := Error{Status: status, Code: code, Message: err.Error()}
	if state != nil {
		e.Details = state
	}
	writeJSON(w, status, e)
}
