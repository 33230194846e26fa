package auth

import "github.com/labstack/echo/v4"

// Principal is the authenticated caller of an operation.
type Principal struct {
	UserID string
	Role   string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// PrincipalFrom reads the identity placed on the context by JWTMiddleware.
func PrincipalFrom(c echo.Context) (Principal, bool) {
	uid, ok := c.Get("user_id").(string)
	if !ok || uid == "" {
		return Principal{}, false
	}
	role, _ := c.Get("role").(string)
	return Principal{UserID: uid, Role: role}, true
}
