package auth

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Me returns the currently authenticated user's account
func (h *Handler) Me(c echo.Context) error {
	p, ok := PrincipalFrom(c)
	if !ok {
		return fail(c, http.StatusUnauthorized, "unauthorized", "unauthorized")
	}

	acct, err := h.store.ByID(c.Request().Context(), p.UserID)
	if errors.Is(err, ErrNotFound) || acct.AccountStatus == StatusDeleted {
		return fail(c, http.StatusNotFound, "not_found", "user not found")
	}
	if err != nil {
		return h.internal(c, "failed to load user", err)
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true, "user": acct})
}
