// ABOUTME: Maps domain errors to HTTP status codes and stable error codes
// ABOUTME: Shared by the REST handlers and the WebSocket error frames

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/2389/pairchat/internal/auth"
	"github.com/2389/pairchat/internal/session"
	"github.com/2389/pairchat/internal/store"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// classify returns the HTTP status and error code for err.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrInvalidArgument), errors.Is(err, auth.ErrPhoneUnsupported):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, session.ErrAuthFailed),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrMissingClaim),
		errors.Is(err, auth.ErrCodeInvalid):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, auth.ErrCodeExpired):
		return http.StatusUnauthorized, "code_expired"
	case errors.Is(err, auth.ErrTooManyAttempts):
		return http.StatusUnauthorized, "too_many_attempts"
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, auth.ErrResendTooSoon):
		return http.StatusTooManyRequests, "resend_too_soon"
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// publicMessage hides the detail of unexpected failures.
func publicMessage(status int, err error) string {
	if status == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: publicMessage(status, err), Code: code})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "invalid_argument"})
}
