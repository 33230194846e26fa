package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/strathshare/internal/auth"
)

// JWTMiddleware validates the bearer token and puts user_id, role and email
// on the context. Websocket upgrades may pass the token as ?token= since
// browsers cannot set headers on them.
func JWTMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tokenStr := bearer(c.Request().Header.Get(echo.HeaderAuthorization))
		if tokenStr == "" && c.IsWebSocket() {
			tokenStr = c.QueryParam("token")
		}
		if tokenStr == "" {
			return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "message": "missing or malformed token", "error": "unauthorized"})
		}

		claims, err := auth.ParseToken(tokenStr)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "message": "invalid or expired token", "error": "unauthorized"})
		}

		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)
		c.Set("email", claims.Email)
		return next(c)
	}
}

func bearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
