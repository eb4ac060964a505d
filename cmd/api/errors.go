package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/darwin-ai/darwin/internal/domain"
	"github.com/darwin-ai/darwin/internal/fixrunner"
)

// errBody is the structured error response body: a code plus a message
// that never leaks a provider's raw error text.
type errBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errBody{Code: code, Message: message})
}

// writeStoreError maps a domain/store-layer error to an HTTP status and
// public code without echoing the underlying error text to the caller.
func writeStoreError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	logger.Error(op, "err", err)

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, fixrunner.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "conflict", "a fix is already running or completed for this task")
	case errors.Is(err, domain.ErrVersionConflict):
		writeError(w, http.StatusConflict, "conflict", "concurrent update conflict")
	default:
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, "invalid_request", verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
