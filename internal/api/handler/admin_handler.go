package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/99minutos/auth-service/internal/core/ports"
)

// AdminHandler serves operator-only account actions.
type AdminHandler struct {
	service ports.AuthService
}

func NewAdminHandler(service ports.AuthService) *AdminHandler {
	return &AdminHandler{service: service}
}

// Unlock handles POST /api/admin/users/:id/unlock.
//
// @Summary      Clear a user's lockout and failure counter
// @Tags         admin
// @Security     BearerAuth
// @Param        id   path  string  true  "User id"
// @Success      204  "No Content"
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /api/admin/users/{id}/unlock [post]
func (h *AdminHandler) Unlock(c echo.Context) error {
	if err := h.service.UnlockAccount(c.Request().Context(), c.Param("id"), requestMeta(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
