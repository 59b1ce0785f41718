package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"netcapture/internal/domain"
)

type apiErrorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code string, message string, details any) {
	if code == "" {
		code = http.StatusText(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErrorBody{Error: apiError{Code: code, Message: message, Details: details}})
}

// writeServiceError maps the domain error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, domain.ErrBind):
		writeError(w, http.StatusConflict, "BIND_ERROR", err.Error(), nil)
	case errors.Is(err, domain.ErrProxyNotRunning):
		writeError(w, http.StatusConflict, "PROXY_NOT_RUNNING", err.Error(), nil)
	case errors.Is(err, domain.ErrCaptureUnsupported):
		writeError(w, http.StatusNotImplemented, "CAPTURE_UNSUPPORTED", err.Error(), nil)
	case errors.Is(err, domain.ErrCaptureDriver):
		writeError(w, http.StatusServiceUnavailable, "CAPTURE_DRIVER", err.Error(), nil)
	case errors.Is(err, domain.ErrCertificate):
		writeError(w, http.StatusInternalServerError, "CERTIFICATE_ERROR", err.Error(), nil)
	case errors.Is(err, domain.ErrStore):
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
