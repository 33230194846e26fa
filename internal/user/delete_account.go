package user

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/sudo-init-do/strathshare/internal/apperr"
	"github.com/sudo-init-do/strathshare/internal/auth"
)

type DeleteAccountRequest struct {
	Password string `json:"password" validate:"required"`
}

// DELETE /me
func (h *Handler) DeleteAccount(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return unauthorized(c)
	}
	if p.IsAdmin() {
		return h.respondError(c, apperr.Forbidden("Admin accounts cannot be deleted"))
	}

	var req DeleteAccountRequest
	if err := c.Bind(&req); err != nil {
		return h.respondError(c, apperr.Validation("invalid request"))
	}
	if err := c.Validate(&req); err != nil {
		return h.respondError(c, apperr.Validation("Password is required"))
	}

	ctx := c.Request().Context()
	hash, err := h.repo.PasswordHash(ctx, p.UserID)
	if errors.Is(err, ErrNotFound) {
		return h.respondError(c, apperr.NotFound("User not found"))
	}
	if err != nil {
		return h.respondError(c, apperr.Internal(err, "Failed to delete account"))
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		return h.respondError(c, apperr.Forbidden("Incorrect password"))
	}

	cancelled, err := h.closer.CloseAccount(ctx, p)
	if err != nil {
		return h.respondError(c, err)
	}
	h.log.Info("account deleted", "user_id", p.UserID, "cancelled_requests", len(cancelled))
	return c.JSON(http.StatusOK, echo.Map{
		"success":            true,
		"message":            "Account deleted successfully",
		"cancelled_requests": len(cancelled),
	})
}
