package admin

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/strathshare/internal/apperr"
)

// GET /admin/stats
func (h *Handler) Stats(c echo.Context) error {
	s, err := h.repo.Stats(c.Request().Context(), h.now())
	if err != nil {
		return h.respondError(c, apperr.Internal(err, "could not compute stats"))
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "stats": s})
}
