package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/strathshare/internal/apperr"
	"github.com/sudo-init-do/strathshare/internal/auth"
)

// AccountCloser soft-deletes an account with its listings and open requests.
type AccountCloser interface {
	CloseAccount(ctx context.Context, p auth.Principal) ([]string, error)
}

type Handler struct {
	repo   Repository
	closer AccountCloser
	log    *slog.Logger
	now    func() time.Time
}

func NewHandler(repo Repository, closer AccountCloser, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{repo: repo, closer: closer, log: log, now: time.Now}
}

// Register mounts the admin routes. g must already sit behind JWT and the
// admin guard.
func (h *Handler) Register(g *echo.Group) {
	g.GET("/users", h.ListUsers)
	g.POST("/users/:id/suspend", h.SuspendUser)
	g.POST("/users/:id/activate", h.ActivateUser)
	g.DELETE("/users/:id", h.DeleteUser)

	g.GET("/listings", h.ListListings)
	g.POST("/listings/:id/suspend", h.SuspendListing)
	g.POST("/listings/:id/approve", h.ApproveListing)

	g.GET("/stats", h.Stats)
}

func (h *Handler) respondError(c echo.Context, err error) error {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("admin request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(status, echo.Map{
		"success": false,
		"message": apperr.Message(err),
		"error":   string(apperr.KindOf(err)),
	})
}

func page(c echo.Context) (limit, offset int) {
	limit = 50
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	if v, err := strconv.Atoi(c.QueryParam("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

// GET /admin/users
func (h *Handler) ListUsers(c echo.Context) error {
	limit, offset := page(c)
	users, err := h.repo.ListUsers(c.Request().Context(), limit, offset)
	if err != nil {
		return h.respondError(c, apperr.Internal(err, "could not fetch users"))
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "users": users, "count": len(users)})
}

// POST /admin/users/:id/suspend
func (h *Handler) SuspendUser(c echo.Context) error {
	return h.setStatus(c, auth.StatusActive, auth.StatusSuspended)
}

// POST /admin/users/:id/activate
func (h *Handler) ActivateUser(c echo.Context) error {
	return h.setStatus(c, auth.StatusSuspended, auth.StatusActive)
}

func (h *Handler) target(c echo.Context) (AdminUser, error) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return AdminUser{}, apperr.Validation("user id required")
	}
	u, err := h.repo.UserByID(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) || u.AccountStatus == auth.StatusDeleted {
		return AdminUser{}, apperr.NotFound("User not found")
	}
	if err != nil {
		return AdminUser{}, apperr.Internal(err, "failed to load user")
	}
	return u, nil
}

func (h *Handler) setStatus(c echo.Context, from, to string) error {
	u, err := h.target(c)
	if err != nil {
		return h.respondError(c, err)
	}
	if u.Role == auth.RoleAdmin {
		return h.respondError(c, apperr.Forbidden("Cannot suspend admin accounts"))
	}
	if u.AccountStatus == to {
		return h.respondError(c, apperr.Conflict("User is already %s", to))
	}

	ok, err := h.repo.SetAccountStatus(c.Request().Context(), u.ID, from, to)
	if err != nil {
		return h.respondError(c, apperr.Internal(err, "Failed to update user status"))
	}
	if !ok {
		return h.respondError(c, apperr.Conflict("User status changed, please retry"))
	}

	admin, _ := auth.PrincipalFrom(c)
	h.log.Info("admin changed account status", "admin_id", admin.UserID, "user_id", u.ID, "email", u.Email, "status", to)
	return c.JSON(http.StatusOK, echo.Map{
		"success":    true,
		"message":    "User has been " + to + " successfully",
		"new_status": to,
	})
}

// DELETE /admin/users/:id soft-deletes a student account.
func (h *Handler) DeleteUser(c echo.Context) error {
	u, err := h.target(c)
	if err != nil {
		return h.respondError(c, err)
	}
	if u.Role == auth.RoleAdmin {
		return h.respondError(c, apperr.Forbidden("Cannot delete admin accounts"))
	}

	cancelled, err := h.closer.CloseAccount(c.Request().Context(), auth.Principal{UserID: u.ID, Role: u.Role})
	if err != nil {
		return h.respondError(c, err)
	}
	admin, _ := auth.PrincipalFrom(c)
	h.log.Info("admin deleted account", "admin_id", admin.UserID, "user_id", u.ID, "email", u.Email)
	return c.JSON(http.StatusOK, echo.Map{
		"success":            true,
		"message":            "User " + u.FirstName + " " + u.LastName + " has been deleted successfully",
		"cancelled_requests": len(cancelled),
	})
}
