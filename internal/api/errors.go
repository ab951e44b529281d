package api

import (
	"fmt"
	"net/http"
)

const (
	codeInvalidParams = "invalid_params"
	codeNotFound      = "not_found"
	codeUnavailable   = "unavailable"
	codeInternal      = "internal_error"
	codeRateLimited   = "rate_limited"
)

// apiError is rendered as {"error":{"code":...,"message":...}}.
type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string {
	return e.code + ": " + e.message
}

func invalidParams(format string, args ...any) *apiError {
	return &apiError{status: http.StatusBadRequest, code: codeInvalidParams, message: fmt.Sprintf(format, args...)}
}

func notFound(message string) *apiError {
	return &apiError{status: http.StatusNotFound, code: codeNotFound, message: message}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, e *apiError) {
	writeJSON(w, e.status, errorEnvelope{Error: errorBody{Code: e.code, Message: e.message}})
}
