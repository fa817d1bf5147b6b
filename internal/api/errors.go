package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"kiosk-go/internal/kiosk"
	"kiosk-go/internal/model"
)

// Error codes of the JSON error envelope.
const (
	codeBadRequest  = "bad_request"
	codeNotFound    = "not_found"
	codeConflict    = "conflict"
	codeUnavailable = "unavailable"
	codeInternal    = "internal"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// statusFor maps the kiosk error taxonomy to a status and an envelope code.
func statusFor(err error) (int, string) {
	switch {
	case model.IsValidation(err):
		return http.StatusBadRequest, codeBadRequest
	case model.IsNotFound(err):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrInvalidState):
		return http.StatusConflict, codeConflict
	case model.IsTransient(err), errors.Is(err, kiosk.ErrNoVault):
		return http.StatusServiceUnavailable, codeUnavailable
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// writeError centralizes domain error translation to HTTP responses.
// Internal errors are logged by the caller and not echoed to the client.
func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	body := errorBody{Error: code}
	if status != http.StatusInternalServerError {
		body.Message = err.Error()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
