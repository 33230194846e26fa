package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/strathshare/internal/auth"
)

type fakeRepo struct {
	users    map[string]AdminUser
	listings map[string]AdminListing
	stats    Stats
	err      error
}

func (r *fakeRepo) ListUsers(_ context.Context, limit, _ int) ([]AdminUser, error) {
	var out []AdminUser
	for _, u := range r.users {
		if u.AccountStatus != auth.StatusDeleted && len(out) < limit {
			out = append(out, u)
		}
	}
	return out, r.err
}

func (r *fakeRepo) UserByID(_ context.Context, id string) (AdminUser, error) {
	u, ok := r.users[id]
	if !ok {
		return AdminUser{}, ErrNotFound
	}
	return u, nil
}

func (r *fakeRepo) SetAccountStatus(_ context.Context, id, from, to string) (bool, error) {
	u := r.users[id]
	if u.AccountStatus != from || u.Role == auth.RoleAdmin {
		return false, nil
	}
	u.AccountStatus = to
	r.users[id] = u
	return true, nil
}

func (r *fakeRepo) ListListings(_ context.Context, status string, _, _ int) ([]AdminListing, error) {
	var out []AdminListing
	for _, l := range r.listings {
		if status == "" || l.Status == status {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *fakeRepo) SetListingStatus(_ context.Context, id, status string) (bool, error) {
	l, ok := r.listings[id]
	if !ok || l.Status == "deleted" {
		return false, nil
	}
	l.Status = status
	r.listings[id] = l
	return true, nil
}

func (r *fakeRepo) Stats(_ context.Context, _ time.Time) (Stats, error) { return r.stats, r.err }

type fakeCloser struct{ closed []auth.Principal }

func (f *fakeCloser) CloseAccount(_ context.Context, p auth.Principal) ([]string, error) {
	f.closed = append(f.closed, p)
	return []string{"r-1"}, nil
}

var (
	samID     = uuid.NewString()
	opsID     = uuid.NewString()
	listingID = uuid.NewString()
)

func setup(t *testing.T) (*echo.Echo, *fakeRepo, *fakeCloser) {
	t.Helper()
	repo := &fakeRepo{
		users: map[string]AdminUser{
			samID: {ID: samID, FirstName: "Sam", LastName: "Seeker", Role: auth.RoleStudent, AccountStatus: auth.StatusActive},
			opsID: {ID: opsID, FirstName: "Ops", LastName: "Admin", Role: auth.RoleAdmin, AccountStatus: auth.StatusActive},
		},
		listings: map[string]AdminListing{
			listingID: {ID: listingID, Title: "Calculus tutoring", Price: decimal.NewFromInt(500), Status: "active"},
		},
	}
	closer := &fakeCloser{}
	h := NewHandler(repo, closer, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e := echo.New()
	g := e.Group("/admin", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("user_id", opsID)
			c.Set("role", auth.RoleAdmin)
			return next(c)
		}
	})
	h.Register(g)
	return e, repo, closer
}

func call(t *testing.T, e *echo.Echo, method, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader("")))
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func TestSuspendAndActivate(t *testing.T) {
	e, repo, _ := setup(t)

	code, body := call(t, e, http.MethodPost, "/admin/users/"+samID+"/activate")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "User is already active", body["message"])

	code, body = call(t, e, http.MethodPost, "/admin/users/"+samID+"/suspend")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "User has been suspended successfully", body["message"])
	assert.Equal(t, auth.StatusSuspended, repo.users[samID].AccountStatus)

	code, body = call(t, e, http.MethodPost, "/admin/users/"+samID+"/suspend")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "User is already suspended", body["message"])

	code, _ = call(t, e, http.MethodPost, "/admin/users/"+samID+"/activate")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, auth.StatusActive, repo.users[samID].AccountStatus)

	code, body = call(t, e, http.MethodPost, "/admin/users/"+opsID+"/suspend")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Cannot suspend admin accounts", body["message"])

	code, _ = call(t, e, http.MethodPost, "/admin/users/"+uuid.NewString()+"/suspend")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = call(t, e, http.MethodPost, "/admin/users/7/suspend")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDeleteUserClosesAccount(t *testing.T) {
	e, _, closer := setup(t)

	code, body := call(t, e, http.MethodDelete, "/admin/users/"+opsID)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Cannot delete admin accounts", body["message"])

	code, body = call(t, e, http.MethodDelete, "/admin/users/"+samID)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "User Sam Seeker has been deleted successfully", body["message"])
	require.Len(t, closer.closed, 1)
	assert.Equal(t, samID, closer.closed[0].UserID)
}

func TestListingModeration(t *testing.T) {
	e, repo, _ := setup(t)

	code, body := call(t, e, http.MethodPost, "/admin/listings/"+listingID+"/suspend")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "paused", repo.listings[listingID].Status)

	code, body = call(t, e, http.MethodGet, "/admin/listings?status=paused")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["listings"], 1)

	code, _ = call(t, e, http.MethodGet, "/admin/listings?status=gone")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, e, http.MethodPost, "/admin/listings/"+listingID+"/approve")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "active", repo.listings[listingID].Status)

	code, _ = call(t, e, http.MethodPost, "/admin/listings/"+uuid.NewString()+"/approve")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestUsersAndStats(t *testing.T) {
	e, repo, _ := setup(t)
	repo.stats = Stats{Users: UserStats{Total: 2, Active: 2, Admins: 1}, Requests: map[string]int{"open": 3, "total": 3}}

	code, body := call(t, e, http.MethodGet, "/admin/users")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["count"])

	code, body = call(t, e, http.MethodGet, "/admin/stats")
	require.Equal(t, http.StatusOK, code)
	stats := body["stats"].(map[string]any)
	assert.EqualValues(t, 1, stats["users"].(map[string]any)["admin_users"])
	assert.EqualValues(t, 3, stats["requests"].(map[string]any)["open"])

	repo.err = errors.New("db down")
	code, body = call(t, e, http.MethodGet, "/admin/stats")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "could not compute stats", body["message"])
}
