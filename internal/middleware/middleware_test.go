package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/strathshare/internal/auth"
)

func init() {
	auth.Configure("middleware-test-secret", time.Hour)
}

func whoami(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return c.NoContent(http.StatusTeapot)
	}
	return c.JSON(http.StatusOK, echo.Map{"user_id": p.UserID, "role": p.Role})
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTMiddleware(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoami, JWTMiddleware)

	token, err := auth.IssueToken("u-1", auth.RoleStudent, "a@strath.ac.ke")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := serve(e, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"u-1","role":"student"}`, rec.Body.String())

	for name, header := range map[string]string{
		"missing":   "",
		"no scheme": token,
		"garbage":   "Bearer not-a-token",
		"basic":     "Basic " + token,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if header != "" {
				req.Header.Set(echo.HeaderAuthorization, header)
			}
			rec := serve(e, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), `"success":false`)
		})
	}
}

func TestAdminGuardAndRoles(t *testing.T) {
	e := echo.New()
	withRole := func(role string) echo.MiddlewareFunc {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				c.Set("user_id", "u-1")
				c.Set("role", role)
				return next(c)
			}
		}
	}
	e.GET("/admin/student", whoami, withRole(auth.RoleStudent), AdminGuard)
	e.GET("/admin/admin", whoami, withRole(auth.RoleAdmin), AdminGuard)
	e.GET("/roles/none", whoami, withRole(""), RequireRoles(auth.RoleStudent))
	e.GET("/roles/student", whoami, withRole(auth.RoleStudent), RequireRoles(auth.RoleStudent, auth.RoleAdmin))
	e.GET("/roles/denied", whoami, withRole(auth.RoleStudent), RequireRoles(auth.RoleAdmin))

	for path, want := range map[string]int{
		"/admin/student": http.StatusForbidden,
		"/admin/admin":   http.StatusOK,
		"/roles/none":    http.StatusForbidden,
		"/roles/student": http.StatusOK,
		"/roles/denied":  http.StatusForbidden,
	} {
		rec := serve(e, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, path)
	}
}

func TestValidatorMessages(t *testing.T) {
	type signup struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required,min=6"`
		Status   string `json:"status" validate:"omitempty,oneof=active paused"`
	}
	v := NewValidator()

	assert.NoError(t, v.Validate(&signup{Email: "a@strath.ac.ke", Password: "secret1"}))
	assert.EqualError(t, v.Validate(&signup{Password: "secret1"}), "email is required")
	assert.EqualError(t, v.Validate(&signup{Email: "nope", Password: "secret1"}), "email must be a valid email address")
	assert.EqualError(t, v.Validate(&signup{Email: "a@strath.ac.ke", Password: "123"}), "password must be at least 6 characters")
	assert.EqualError(t, v.Validate(&signup{Email: "a@strath.ac.ke", Password: "secret1", Status: "gone"}), "status must be one of: active paused")
}

type memIdempotency struct {
	mu    sync.Mutex
	saved map[string]StoredResponse
}

func (m *memIdempotency) Lookup(_ context.Context, userID, key string) (StoredResponse, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.saved[userID+"|"+key]
	return r, ok, nil
}

func (m *memIdempotency) Save(_ context.Context, userID, key string, resp StoredResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.saved[userID+"|"+key]; !ok {
		m.saved[userID+"|"+key] = resp
	}
	return nil
}

func TestIdempotencyReplaysResponse(t *testing.T) {
	store := &memIdempotency{saved: map[string]StoredResponse{}}
	calls := 0
	status := http.StatusOK
	e := echo.New()
	setUser := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("user_id", c.Request().Header.Get("X-User"))
			return next(c)
		}
	}
	e.POST("/pay", func(c echo.Context) error {
		calls++
		return c.JSON(status, echo.Map{"success": status < 300, "call": calls})
	}, setUser, Idempotency(store, nil))

	post := func(user, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/pay", strings.NewReader(`{}`))
		req.Header.Set("X-User", user)
		if key != "" {
			req.Header.Set(HeaderIdempotencyKey, key)
		}
		return serve(e, req)
	}

	first := post("u-1", "k-1")
	require.Equal(t, http.StatusOK, first.Code)
	assert.JSONEq(t, `{"success":true,"call":1}`, first.Body.String())

	again := post("u-1", "k-1")
	assert.Equal(t, http.StatusOK, again.Code)
	assert.JSONEq(t, first.Body.String(), again.Body.String())
	assert.Equal(t, "true", again.Header().Get(HeaderReplayed))
	assert.Equal(t, 1, calls)

	// keys are scoped per user
	post("u-2", "k-1")
	assert.Equal(t, 2, calls)

	// no key, no memory
	post("u-1", "")
	post("u-1", "")
	assert.Equal(t, 4, calls)

	// conflicts are remembered, server errors are not
	status = http.StatusConflict
	assert.Equal(t, http.StatusConflict, post("u-1", "k-2").Code)
	assert.Equal(t, http.StatusConflict, post("u-1", "k-2").Code)
	assert.Equal(t, 5, calls)

	status = http.StatusInternalServerError
	post("u-1", "k-3")
	post("u-1", "k-3")
	assert.Equal(t, 7, calls)

	long := strings.Repeat("k", maxIdempotencyKey+1)
	assert.Equal(t, http.StatusBadRequest, post("u-1", long).Code)
}

func TestIdempotencyKeyBoundToRequest(t *testing.T) {
	store := &memIdempotency{saved: map[string]StoredResponse{}}
	calls := 0
	e := echo.New()
	setUser := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("user_id", "u-1")
			return next(c)
		}
	}
	e.POST("/requests/:id/pay", func(c echo.Context) error {
		calls++
		return c.JSON(http.StatusOK, echo.Map{"success": true, "request": c.Param("id")})
	}, setUser, Idempotency(store, nil))
	e.PUT("/requests/:id/pay", func(c echo.Context) error {
		calls++
		return c.JSON(http.StatusOK, echo.Map{"success": true})
	}, setUser, Idempotency(store, nil))

	send := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(`{}`))
		req.Header.Set(HeaderIdempotencyKey, "k-1")
		return serve(e, req)
	}

	require.Equal(t, http.StatusOK, send(http.MethodPost, "/requests/r-1/pay").Code)
	assert.Equal(t, "POST /requests/r-1/pay", store.saved["u-1|k-1"].Fingerprint)

	other := send(http.MethodPost, "/requests/r-2/pay")
	assert.Equal(t, http.StatusUnprocessableEntity, other.Code)
	assert.JSONEq(t, `{"success":false,"message":"Idempotency-Key reused for a different request","error":"validation"}`, other.Body.String())

	assert.Equal(t, http.StatusUnprocessableEntity, send(http.MethodPut, "/requests/r-1/pay").Code)
	assert.Equal(t, 1, calls)

	same := send(http.MethodPost, "/requests/r-1/pay")
	assert.Equal(t, http.StatusOK, same.Code)
	assert.Equal(t, "true", same.Header().Get(HeaderReplayed))
	assert.Equal(t, 1, calls)

	// rows written before fingerprints were stored still replay
	store.saved["u-1|k-legacy"] = StoredResponse{Status: http.StatusOK, Body: []byte(`{"success":true}`)}
	req := httptest.NewRequest(http.MethodPost, "/requests/r-9/pay", strings.NewReader(`{}`))
	req.Header.Set(HeaderIdempotencyKey, "k-legacy")
	legacy := serve(e, req)
	assert.Equal(t, http.StatusOK, legacy.Code)
	assert.Equal(t, "true", legacy.Header().Get(HeaderReplayed))
	assert.Equal(t, 1, calls)
}
