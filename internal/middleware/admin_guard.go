package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/strathshare/internal/auth"
)

// AdminGuard ensures only admin users can access admin routes
func AdminGuard(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		role, ok := c.Get("role").(string)
		if !ok || role != auth.RoleAdmin {
			return c.JSON(http.StatusForbidden, echo.Map{
				"success": false,
				"message": "admin access only",
				"error":   "forbidden",
			})
		}
		return next(c)
	}
}
