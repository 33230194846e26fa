package auth

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

// POST /me/password
func (h *Handler) ChangePassword(c echo.Context) error {
	p, ok := PrincipalFrom(c)
	if !ok {
		return fail(c, http.StatusUnauthorized, "unauthorized", "unauthorized")
	}
	req := new(ChangePasswordRequest)
	if err := c.Bind(req); err != nil {
		return fail(c, http.StatusBadRequest, "validation", "invalid request")
	}
	if err := c.Validate(req); err != nil {
		return fail(c, http.StatusBadRequest, "validation", "All fields are required")
	}
	if err := CheckPassword(req.NewPassword); err != nil {
		return fail(c, http.StatusBadRequest, "validation", err.Error())
	}

	ctx := c.Request().Context()
	acct, err := h.store.ByID(ctx, p.UserID)
	if errors.Is(err, ErrNotFound) {
		return fail(c, http.StatusNotFound, "not_found", "User not found")
	}
	if err != nil {
		return h.internal(c, "Failed to change password", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.CurrentPassword)) != nil {
		return fail(c, http.StatusBadRequest, "validation", "Current password is incorrect")
	}

	hashed, err := hashPassword(req.NewPassword)
	if err != nil {
		return h.internal(c, "server error", err)
	}
	if err := h.store.SetPassword(ctx, acct.ID, hashed); err != nil {
		return h.internal(c, "Failed to change password", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "message": "Password changed successfully"})
}

type AdminResetPasswordRequest struct {
	NewPassword string `json:"new_password" validate:"required"`
}

// POST /admin/users/:id/password
func (h *Handler) AdminResetPassword(c echo.Context) error {
	req := new(AdminResetPasswordRequest)
	if err := c.Bind(req); err != nil {
		return fail(c, http.StatusBadRequest, "validation", "invalid request")
	}
	if err := c.Validate(req); err != nil {
		return fail(c, http.StatusBadRequest, "validation", "User ID and new password required")
	}
	if err := CheckPassword(req.NewPassword); err != nil {
		return fail(c, http.StatusBadRequest, "validation", err.Error())
	}

	ctx := c.Request().Context()
	acct, err := h.store.ByID(ctx, c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return fail(c, http.StatusNotFound, "not_found", "User not found")
	}
	if err != nil {
		return h.internal(c, "Failed to reset password", err)
	}

	hashed, err := hashPassword(req.NewPassword)
	if err != nil {
		return h.internal(c, "server error", err)
	}
	if err := h.store.SetPassword(ctx, acct.ID, hashed); err != nil {
		return h.internal(c, "Failed to reset password", err)
	}

	admin, _ := PrincipalFrom(c)
	h.log.Info("admin reset user password", "admin_id", admin.UserID, "user_id", acct.ID, "email", acct.Email)
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "Password reset successfully for " + acct.Name(),
	})
}
