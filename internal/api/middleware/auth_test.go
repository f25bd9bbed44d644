package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/99minutos/auth-service/internal/core/domain"
	"github.com/99minutos/auth-service/internal/core/ports"
	"github.com/99minutos/auth-service/internal/infrastructure/security"
)

type stubVerifier struct {
	claims *ports.AccessClaims
	err    error
}

func (s stubVerifier) VerifyAccessToken(token string) (*ports.AccessClaims, error) {
	if token != "good" {
		return nil, errors.New("bad token")
	}
	return s.claims, s.err
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	verifier := stubVerifier{claims: &ports.AccessClaims{
		UserID: "user-1", Email: "a@example.com", Role: domain.RoleAdmin, SessionID: "sess-1",
	}}

	called := false
	handler := Auth(verifier)(func(c echo.Context) error {
		called = true
		if c.Get("user_id") != "user-1" {
			t.Fatalf("user_id not set")
		}
		if c.Get("role") != "Admin" {
			t.Fatalf("role not set")
		}
		if c.Get("sid") != "sess-1" {
			t.Fatalf("sid not set")
		}
		if got := domain.ActorFromContext(c.Request().Context()); got != "user-1" {
			t.Fatalf("actor not propagated, got %s", got)
		}
		return c.NoContent(http.StatusOK)
	})

	if err := handler(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !called {
		t.Fatalf("next not called")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		verifier stubVerifier
	}{
		{"missing header", "", stubVerifier{}},
		{"invalid format", "Token abc", stubVerifier{}},
		{"empty bearer", "Bearer ", stubVerifier{}},
		{"unknown token", "Bearer other", stubVerifier{}},
		{"expired token", "Bearer good", stubVerifier{err: security.ErrTokenExpired}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			handler := Auth(tt.verifier)(func(c echo.Context) error {
				t.Fatalf("should not reach next")
				return nil
			})
			if err := handler(c); err != nil {
				e.HTTPErrorHandler(err, c)
			}
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}
