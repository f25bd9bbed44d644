package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/99minutos/auth-service/internal/core/domain"
	"github.com/99minutos/auth-service/internal/core/ports"
)

// SessionHandler exposes the caller's device sessions.
type SessionHandler struct {
	service ports.SessionService
}

func NewSessionHandler(service ports.SessionService) *SessionHandler {
	return &SessionHandler{service: service}
}

type sessionResponse struct {
	ID             string               `json:"id"`
	DeviceName     string               `json:"deviceName"`
	IPAddress      string               `json:"ipAddress,omitempty"`
	UserAgent      string               `json:"userAgent,omitempty"`
	Status         domain.SessionStatus `json:"status"`
	LastActivityAt time.Time            `json:"lastActivityAt"`
	CreatedAt      time.Time            `json:"createdAt"`
	IsCurrent      bool                 `json:"isCurrent"`
}

type sessionListResponse struct {
	Sessions []sessionResponse `json:"sessions"`
}

// ListActive handles GET /api/sessions/active.
//
// @Summary      List the caller's active sessions, most recent first
// @Tags         sessions
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  sessionListResponse
// @Failure      401  {object}  map[string]string
// @Router       /api/sessions/active [get]
func (h *SessionHandler) ListActive(c echo.Context) error {
	userID, currentSID, err := ctxUser(c)
	if err != nil {
		return err
	}

	sessions, err := h.service.ListActive(c.Request().Context(), userID)
	if err != nil {
		return err
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{
			ID:             s.ID,
			DeviceName:     s.DeviceName,
			IPAddress:      s.IPAddress,
			UserAgent:      s.UserAgent,
			Status:         s.Status,
			LastActivityAt: s.LastActivityAt,
			CreatedAt:      s.CreatedAt,
			IsCurrent:      currentSID != "" && s.ID == currentSID,
		})
	}
	return c.JSON(http.StatusOK, sessionListResponse{Sessions: out})
}

// Revoke handles DELETE /api/sessions/:id.
//
// @Summary      Revoke one of the caller's sessions
// @Tags         sessions
// @Security     BearerAuth
// @Param        id   path  string  true  "Session id"
// @Success      204  "No Content"
// @Failure      401  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /api/sessions/{id} [delete]
func (h *SessionHandler) Revoke(c echo.Context) error {
	userID, _, err := ctxUser(c)
	if err != nil {
		return err
	}

	if err := h.service.RevokeSession(c.Request().Context(), c.Param("id"), userID, requestMeta(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// RevokeAll handles DELETE /api/sessions/revoke-all.
//
// @Summary      Revoke every session and refresh token of the caller
// @Tags         sessions
// @Security     BearerAuth
// @Success      204  "No Content"
// @Failure      401  {object}  map[string]string
// @Router       /api/sessions/revoke-all [delete]
func (h *SessionHandler) RevokeAll(c echo.Context) error {
	userID, _, err := ctxUser(c)
	if err != nil {
		return err
	}

	if err := h.service.RevokeAllSessions(c.Request().Context(), userID, requestMeta(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
