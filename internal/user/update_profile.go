package user

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/strathshare/internal/apperr"
	"github.com/sudo-init-do/strathshare/internal/auth"
	"github.com/sudo-init-do/strathshare/internal/marketplace"
)

type UpdateProfileRequest struct {
	FirstName *string `json:"first_name" validate:"omitnil,min=2,max=50"`
	LastName  *string `json:"last_name" validate:"omitnil,min=2,max=50"`
	Phone     *string `json:"phone_number"`
	Bio       *string `json:"bio" validate:"omitnil,max=500"`
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	return &t
}

// PATCH /me
func (h *Handler) UpdateProfile(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return unauthorized(c)
	}

	var req UpdateProfileRequest
	if err := c.Bind(&req); err != nil {
		return h.respondError(c, apperr.Validation("invalid request"))
	}
	req.FirstName, req.LastName, req.Bio = trimmed(req.FirstName), trimmed(req.LastName), trimmed(req.Bio)
	if err := c.Validate(&req); err != nil {
		return h.respondError(c, apperr.Validation("%s", err.Error()))
	}

	upd := ProfileUpdate{FirstName: req.FirstName, LastName: req.LastName, Bio: req.Bio}
	if req.Phone != nil && strings.TrimSpace(*req.Phone) != "" {
		phone, err := marketplace.NormalizePhone(*req.Phone)
		if err != nil {
			return h.respondError(c, apperr.Validation("Invalid phone number format. Use 254XXXXXXXXX"))
		}
		upd.Phone = &phone
	}

	prof, err := h.repo.Update(c.Request().Context(), p.UserID, upd)
	if errors.Is(err, ErrNotFound) {
		return h.respondError(c, apperr.NotFound("User not found"))
	}
	if err != nil {
		return h.respondError(c, apperr.Internal(err, "Failed to update profile"))
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "Profile updated successfully",
		"user":    prof,
	})
}
