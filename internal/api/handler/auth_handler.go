package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/99minutos/auth-service/internal/core/domain"
	"github.com/99minutos/auth-service/internal/core/ports"
)

// defaultDeviceName labels sessions opened by clients that do not name themselves.
const defaultDeviceName = "Web Browser"

// AuthHandler handles HTTP requests for the authentication flows.
type AuthHandler struct {
	service ports.AuthService
}

func NewAuthHandler(service ports.AuthService) *AuthHandler {
	return &AuthHandler{service: service}
}

// --- Request / Response types ---

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=256"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	FullName string `json:"fullName" validate:"required,max=200"`
}

type loginRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
	DeviceName string `json:"deviceName" validate:"max=100"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,max=128,nefield=CurrentPassword"`
}

type userResponse struct {
	User domain.UserProfile `json:"user"`
}

type authResponse struct {
	AccessToken  string             `json:"accessToken"`
	RefreshToken string             `json:"refreshToken"`
	ExpiresAt    time.Time          `json:"expiresAt"`
	SessionID    string             `json:"sessionId"`
	User         domain.UserProfile `json:"user"`
}

func toAuthResponse(r *ports.AuthResult) authResponse {
	return authResponse{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    r.ExpiresAt,
		SessionID:    r.SessionID,
		User:         r.User,
	}
}

// Register handles POST /api/auth/register.
//
// @Summary      Register a new user
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        body  body      registerRequest  true  "Registration payload"
// @Success      201   {object}  userResponse
// @Failure      400   {object}  map[string]string
// @Failure      409   {object}  map[string]string
// @Router       /api/auth/register [post]
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	profile, err := h.service.Register(c.Request().Context(), ports.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
		Meta:     requestMeta(c),
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, userResponse{User: *profile})
}

// Login handles POST /api/auth/login.
//
// @Summary      Authenticate with email and password
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        body  body      loginRequest  true  "Credentials"
// @Success      200   {object}  authResponse
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      403   {object}  map[string]string
// @Router       /api/auth/login [post]
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if req.DeviceName == "" {
		req.DeviceName = defaultDeviceName
	}

	result, err := h.service.Login(c.Request().Context(), ports.LoginInput{
		Email:      req.Email,
		Password:   req.Password,
		DeviceName: req.DeviceName,
		Meta:       requestMeta(c),
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, toAuthResponse(result))
}

// Refresh handles POST /api/auth/refresh.
//
// @Summary      Rotate a refresh token
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        body  body      refreshRequest  true  "Refresh token"
// @Success      200   {object}  authResponse
// @Failure      401   {object}  map[string]string
// @Failure      403   {object}  map[string]string
// @Router       /api/auth/refresh [post]
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	result, err := h.service.Refresh(c.Request().Context(), req.RefreshToken, requestMeta(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, toAuthResponse(result))
}

// Logout handles POST /api/auth/logout.
//
// @Summary      Revoke a refresh token and its session
// @Tags         auth
// @Accept       json
// @Param        body  body  refreshRequest  true  "Refresh token"
// @Success      204  "No Content"
// @Failure      401   {object}  map[string]string
// @Router       /api/auth/logout [post]
func (h *AuthHandler) Logout(c echo.Context) error {
	var req refreshRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	if err := h.service.Logout(c.Request().Context(), req.RefreshToken, requestMeta(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ChangePassword handles POST /api/auth/change-password.
//
// @Summary      Change the caller's password and sign out every device
// @Tags         auth
// @Accept       json
// @Security     BearerAuth
// @Param        body  body  changePasswordRequest  true  "Current and new password"
// @Success      204  "No Content"
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      404   {object}  map[string]string
// @Router       /api/auth/change-password [post]
func (h *AuthHandler) ChangePassword(c echo.Context) error {
	userID, _, err := ctxUser(c)
	if err != nil {
		return err
	}

	var req changePasswordRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	err = h.service.ChangePassword(c.Request().Context(), ports.ChangePasswordInput{
		UserID:          userID,
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
		Meta:            requestMeta(c),
	})
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
