package user

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/strathshare/internal/apperr"
)

// GET /users/:id
func (h *Handler) GetPublicProfile(c echo.Context) error {
	userID := c.Param("id")
	if _, err := uuid.Parse(userID); err != nil {
		return h.respondError(c, apperr.Validation("User ID is required"))
	}

	prof, err := h.repo.Profile(c.Request().Context(), userID)
	if errors.Is(err, ErrNotFound) || prof.AccountStatus == "deleted" {
		return h.respondError(c, apperr.NotFound("User not found"))
	}
	if err != nil {
		return h.respondError(c, apperr.Internal(err, "Failed to fetch profile"))
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "user": prof.Public()})
}
