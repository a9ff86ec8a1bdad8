package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/tendant/simple-output/pkg/simpleoutput"
)

// Error codes produced by the HTTP layer itself.
const (
	CodeMissingParameter  = "MissingParameter"
	CodeRequestTooLarge   = "RequestTooLarge"
	CodeInvalidRequest    = "InvalidRequest"
	CodeQueueFull         = "QueueFull"
	CodeInvalidTransition = "InvalidStatusTransition"
)

var statusByCode = map[string]int{
	simpleoutput.CodeUnsupportedFileType: http.StatusBadRequest,
	simpleoutput.CodeEmptyUpload:         http.StatusBadRequest,
	simpleoutput.CodePathTraversalDenied: http.StatusBadRequest,
	simpleoutput.CodeNotFound:            http.StatusNotFound,
	simpleoutput.CodeNotADirectory:       http.StatusNotFound,
	simpleoutput.CodeNotAFile:            http.StatusNotFound,
	simpleoutput.CodeRootNotFound:        http.StatusNotFound,
	simpleoutput.CodeArtifactNotFound:    http.StatusNotFound,
	simpleoutput.CodeConversionFailed:    http.StatusUnprocessableEntity,
	simpleoutput.CodeStorageIOError:      http.StatusInternalServerError,
	simpleoutput.CodeInternal:            http.StatusInternalServerError,
	CodeMissingParameter:                 http.StatusBadRequest,
	CodeInvalidRequest:                   http.StatusBadRequest,
	CodeRequestTooLarge:                  http.StatusRequestEntityTooLarge,
	CodeQueueFull:                        http.StatusServiceUnavailable,
	CodeInvalidTransition:                http.StatusConflict,
}

// StatusCode returns the HTTP status for an error code
func StatusCode(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the machine readable code and a human message
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, code, message string) {
	render.Status(r, StatusCode(code))
	render.JSON(w, r, ErrorResponse{Error: ErrorBody{
		Code:      code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	}})
}

// errorCode extends simpleoutput.ErrorCode with the errors only the HTTP
// layer distinguishes.
func errorCode(err error) string {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		return CodeRequestTooLarge
	case errors.Is(err, simpleoutput.ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, simpleoutput.ErrInvalidStatusTransition):
		return CodeInvalidTransition
	}
	return simpleoutput.ErrorCode(err)
}

// handleError logs err and writes it to the client. Server side failures are
// reported with a generic message.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	code := errorCode(err)
	status := StatusCode(code)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), msg, "code", code, "err", err)
		writeError(w, r, code, http.StatusText(status))
		return
	}
	h.logger.DebugContext(r.Context(), msg, "code", code, "err", err)
	writeError(w, r, code, err.Error())
}
