package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/99minutos/auth-service/internal/core/ports"
)

// ctxUser extracts the caller injected by the Auth middleware and fails fast
// when the middleware did not run.
func ctxUser(c echo.Context) (userID, sessionID string, err error) {
	userID, _ = c.Get("user_id").(string)
	if userID == "" {
		return "", "", echo.NewHTTPError(http.StatusUnauthorized, "missing authentication claims")
	}
	sessionID, _ = c.Get("sid").(string)
	return userID, sessionID, nil
}

// requestMeta captures the caller's network context for auditing.
func requestMeta(c echo.Context) ports.RequestMeta {
	return ports.RequestMeta{
		IPAddress: c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	}
}

// bindAndValidate decodes the JSON body into req and runs the validator.
func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return c.Validate(req)
}
