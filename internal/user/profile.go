package user

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/strathshare/internal/apperr"
	"github.com/sudo-init-do/strathshare/internal/auth"
)

// AccountCloser soft-deletes an account together with its listings and
// open requests.
type AccountCloser interface {
	CloseAccount(ctx context.Context, p auth.Principal) ([]string, error)
}

type Handler struct {
	repo   Repository
	closer AccountCloser
	log    *slog.Logger
}

func NewHandler(repo Repository, closer AccountCloser, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{repo: repo, closer: closer, log: log}
}

func (h *Handler) Register(pub, api *echo.Group) {
	pub.GET("/users/:id", h.GetPublicProfile)

	api.GET("/me/profile", h.GetProfile)
	api.PATCH("/me", h.UpdateProfile)
	api.DELETE("/me", h.DeleteAccount)
}

func (h *Handler) respondError(c echo.Context, err error) error {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(status, echo.Map{
		"success": false,
		"message": apperr.Message(err),
		"error":   string(apperr.KindOf(err)),
	})
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "message": "unauthorized", "error": "unauthorized"})
}

// GET /me/profile
func (h *Handler) GetProfile(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return unauthorized(c)
	}
	prof, err := h.repo.Profile(c.Request().Context(), p.UserID)
	if errors.Is(err, ErrNotFound) {
		return h.respondError(c, apperr.NotFound("User not found"))
	}
	if err != nil {
		return h.respondError(c, apperr.Internal(err, "Failed to fetch profile"))
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "user": prof})
}
