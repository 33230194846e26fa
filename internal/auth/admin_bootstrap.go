package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type BootstrapAdminRequest struct {
	Email  string `json:"email"`
	Secret string `json:"secret"`
}

// BootstrapAdmin promotes an existing account to admin when the caller knows
// ADMIN_BOOTSTRAP_SECRET. Disabled when no secret is configured.
func (h *Handler) BootstrapAdmin(c echo.Context) error {
	req := new(BootstrapAdminRequest)
	if err := c.Bind(req); err != nil {
		return fail(c, http.StatusBadRequest, "validation", "invalid request")
	}

	if h.bootstrapSecret == "" {
		return fail(c, http.StatusForbidden, "forbidden", "bootstrap disabled")
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.bootstrapSecret)) != 1 {
		return fail(c, http.StatusForbidden, "forbidden", "invalid secret")
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return fail(c, http.StatusBadRequest, "validation", "email required")
	}

	err := h.store.SetRole(c.Request().Context(), email, RoleAdmin)
	if errors.Is(err, ErrNotFound) {
		return fail(c, http.StatusNotFound, "not_found", "user not found")
	}
	if err != nil {
		return h.internal(c, "failed to promote user", err)
	}
	h.log.Info("user promoted to admin", "email", email)
	return c.JSON(http.StatusOK, echo.Map{"success": true, "message": "user promoted to admin", "email": email})
}
