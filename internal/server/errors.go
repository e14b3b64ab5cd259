package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kubecoderun/kubecoderun/internal/model"
)

func isErr(err, target error) bool {
	return errors.Is(err, target)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// codeFor names the error-taxonomy code reported on the wire, distinct
// from the free-form message, per spec.md §6's `{ error: code, message }`
// response shape.
func codeFor(err error) string {
	switch {
	case isErr(err, model.ErrInvalidRequest):
		return "invalid_request"
	case isErr(err, model.ErrStateTooLarge):
		return "state_too_large"
	case isErr(err, model.ErrSessionNotFound):
		return "session_not_found"
	case isErr(err, model.ErrFileNotFound):
		return "file_not_found"
	case isErr(err, model.ErrPoolTimeout):
		return "pool_timeout"
	case isErr(err, model.ErrPoolDisabled):
		return "pool_disabled"
	case isErr(err, model.ErrRemoteAgent):
		return "remote_agent_error"
	default:
		return "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	json.NewEncoder(w).Encode(errorBody{Error: codeFor(err), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
