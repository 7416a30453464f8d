package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"media-fetch-service/internal/domain"
	"media-fetch-service/internal/infra/logging"
)

const (
	CodeValidation   = "validation_error"
	CodeNotFound     = "not_found"
	CodeNotReady     = "not_ready"
	CodeArtifactGone = "artifact_gone"
	CodeBusy         = "artifact_busy"
	CodeRateLimited  = "rate_limited"
	CodeToolFailure  = "media_lookup_failed"
	CodeInternal     = "internal_error"

	internalMessage = "Internal Server Error"
)

// ErrorBody is the JSON document returned for every failed request.
type ErrorBody struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError carries a message that is safe to show to the client.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "Validation Error: " + e.Message }
func (e *ValidationError) Unwrap() error { return domain.ErrValidation }

func Validation(msg string) error { return &ValidationError{Message: msg} }

// Classify maps an error onto its HTTP status, code and client-facing message.
func Classify(err error) (int, string, string) {
	var ve *ValidationError
	var te *domain.ToolError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, CodeValidation, ve.Error()
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, CodeValidation, "Validation Error: " + err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, CodeNotFound, "Job not found"
	case errors.Is(err, domain.ErrNotReady):
		return http.StatusBadRequest, CodeNotReady, "File not ready or job failed"
	case errors.Is(err, domain.ErrGoneMissing):
		return http.StatusNotFound, CodeArtifactGone, "File no longer available on server"
	case errors.Is(err, domain.ErrArtifactBusy):
		return http.StatusConflict, CodeBusy, "File is already being downloaded"
	case errors.As(err, &te):
		msg := te.Diagnostic
		if msg == "" {
			msg = "Could not read media information"
		}
		return http.StatusUnprocessableEntity, CodeToolFailure, msg
	default:
		return http.StatusInternalServerError, CodeInternal, internalMessage
	}
}

// WriteError logs err with the request's trace id and writes the mapped error document.
// Internal failures are logged in full but reported to the client generically.
func WriteError(w http.ResponseWriter, r *http.Request, logger *zerolog.Logger, err error) {
	status, code, msg := Classify(err)
	l := logging.With(r.Context(), logger)
	ev := l.Warn()
	if status >= http.StatusInternalServerError {
		ev = l.Error()
	}
	ev.Err(err).Int("status", status).Str("path", r.URL.Path).Msg("request failed")
	WriteErrorCode(w, status, code, msg)
}

func WriteErrorCode(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, ErrorBody{Status: "error", Code: code, Message: msg})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
