package enhance

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tokligence/enhance-gateway/internal/sse"
)

var (
	ErrNotFound           = errors.New("enhance: session not found")
	ErrUnauthorized       = errors.New("enhance: unauthorized")
	ErrBackendUnavailable = errors.New("enhance: backend unavailable")
	ErrBackendError       = errors.New("enhance: backend error")
	ErrInvalidRequest     = errors.New("enhance: invalid request")
	ErrAlreadyStreaming   = errors.New("enhance: session is already streaming")
)

// Code returns the stream error code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return sse.CodeNotFound
	case errors.Is(err, ErrUnauthorized):
		return sse.CodeUnauthorized
	case errors.Is(err, ErrBackendUnavailable):
		return sse.CodeBackendUnavailable
	case errors.Is(err, ErrBackendError):
		return sse.CodeBackendError
	default:
		return sse.CodeError
	}
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrAlreadyStreaming):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the error text shown to clients.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "Session not found"
	case errors.Is(err, ErrAlreadyStreaming):
		return "session is already streaming"
	default:
		return strings.TrimPrefix(err.Error(), "enhance: ")
	}
}
