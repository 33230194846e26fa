package admin

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/strathshare/internal/apperr"
)

// GET /admin/listings?status=
func (h *Handler) ListListings(c echo.Context) error {
	status := c.QueryParam("status")
	switch status {
	case "", "active", "paused", "deleted":
	default:
		return h.respondError(c, apperr.Validation("status must be one of: active paused deleted"))
	}
	limit, offset := page(c)
	items, err := h.repo.ListListings(c.Request().Context(), status, limit, offset)
	if err != nil {
		return h.respondError(c, apperr.Internal(err, "could not fetch listings"))
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "listings": items})
}

// POST /admin/listings/:id/suspend
func (h *Handler) SuspendListing(c echo.Context) error {
	return h.setListing(c, "paused", "listing suspended")
}

// POST /admin/listings/:id/approve
func (h *Handler) ApproveListing(c echo.Context) error {
	return h.setListing(c, "active", "listing approved")
}

func (h *Handler) setListing(c echo.Context, status, msg string) error {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return h.respondError(c, apperr.Validation("listing id required"))
	}
	ok, err := h.repo.SetListingStatus(c.Request().Context(), id, status)
	if err != nil {
		return h.respondError(c, apperr.Internal(err, "failed to update listing"))
	}
	if !ok {
		return h.respondError(c, apperr.NotFound("Listing not found"))
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "message": msg, "listing_id": id})
}
