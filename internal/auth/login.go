package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// ===== Login =====
func (h *Handler) Login(c echo.Context) error {
	req := new(LoginRequest)
	if err := c.Bind(req); err != nil {
		return fail(c, http.StatusBadRequest, "validation", "invalid request")
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := c.Validate(req); err != nil {
		return fail(c, http.StatusBadRequest, "validation", "Email and password are required")
	}

	acct, err := h.store.ByEmail(c.Request().Context(), req.Email)
	if errors.Is(err, ErrNotFound) {
		return fail(c, http.StatusUnauthorized, "unauthorized", "Invalid email or password")
	}
	if err != nil {
		return h.internal(c, "Login failed. Please try again.", err)
	}

	switch acct.AccountStatus {
	case StatusSuspended:
		return fail(c, http.StatusForbidden, "forbidden", "Your account has been suspended. Contact admin.")
	case StatusDeleted:
		return fail(c, http.StatusForbidden, "forbidden", "This account has been deleted")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.Password)); err != nil {
		return fail(c, http.StatusUnauthorized, "unauthorized", "Invalid email or password")
	}

	token, err := IssueToken(acct.ID, acct.Role, acct.Email)
	if err != nil {
		return h.internal(c, "token generation failed", err)
	}
	return c.JSON(http.StatusOK, AuthResponse{
		Success: true,
		Message: "Login successful",
		Token:   token,
		User:    acct,
	})
}
