package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/99minutos/auth-service/internal/core/domain"
)

// errorResponse is the canonical error envelope for all API errors.
type errorResponse struct {
	Error       string            `json:"error"`
	Fields      map[string]string `json:"fields,omitempty"`
	LockedUntil *time.Time        `json:"lockedUntil,omitempty"`
}

// NewHTTPErrorHandler returns an echo.HTTPErrorHandler that:
//   - Maps known domain errors to their appropriate HTTP status codes.
//   - Logs unexpected errors internally without leaking details to the client.
//   - Renders a consistent JSON envelope: {"error": "<message>"}.
func NewHTTPErrorHandler(log zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code, body := resolveError(err, log, c)
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, body)
	}
}

func resolveError(err error, log zerolog.Logger, c echo.Context) (int, errorResponse) {
	// Echo's own errors (bind failures, 404 from router, etc.)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, errorResponse{Error: fmt.Sprintf("%v", he.Message)}
	}

	// Infrastructure failures may wrap a domain sentinel as their cause; they
	// are still 500s.
	if errors.Is(err, domain.ErrInternal) {
		return internalError(err, log, c)
	}

	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, errorResponse{Error: domain.ErrValidation.Error(), Fields: ve.Fields}
	}

	var locked *domain.AccountLockedError
	if errors.As(err, &locked) {
		until := locked.Until.UTC()
		return http.StatusForbidden, errorResponse{Error: domain.ErrAccountLocked.Error(), LockedUntil: &until}
	}

	// Known domain errors → deterministic HTTP codes.
	switch {
	case errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized, errorResponse{Error: "invalid email or password"}
	case errors.Is(err, domain.ErrTokenReused):
		return http.StatusUnauthorized, errorResponse{Error: "refresh token reuse detected, all sessions have been revoked"}
	case errors.Is(err, domain.ErrInvalidToken):
		return http.StatusUnauthorized, errorResponse{Error: err.Error()}
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, errorResponse{Error: "unauthorized"}
	case errors.Is(err, domain.ErrAccountLocked):
		return http.StatusForbidden, errorResponse{Error: domain.ErrAccountLocked.Error()}
	case errors.Is(err, domain.ErrInactiveAccount):
		return http.StatusForbidden, errorResponse{Error: "account is inactive"}
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, errorResponse{Error: "access forbidden"}
	case errors.Is(err, domain.ErrEmailAlreadyRegistered):
		return http.StatusConflict, errorResponse{Error: "email is already registered"}
	case errors.Is(err, domain.ErrSessionAlreadyInactive):
		return http.StatusConflict, errorResponse{Error: "session is already inactive"}
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, errorResponse{Error: "session not found"}
	case errors.Is(err, domain.ErrUserNotFound):
		return http.StatusNotFound, errorResponse{Error: "user not found"}
	case errors.Is(err, domain.ErrCurrentPasswordIncorrect):
		return http.StatusBadRequest, errorResponse{Error: "current password is incorrect"}
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	}

	return internalError(err, log, c)
}

// internalError logs the real cause and returns a generic message.
func internalError(err error, log zerolog.Logger, c echo.Context) (int, errorResponse) {
	log.Error().
		Err(err).
		Str("method", c.Request().Method).
		Str("path", c.Path()).
		Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
		Msg("unhandled error")

	return http.StatusInternalServerError, errorResponse{Error: "internal server error"}
}
