package alerts

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// StoredNotification is a notification row as the owner sees it.
type StoredNotification struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Title         string     `json:"title"`
	Message       string     `json:"message"`
	ReferenceID   *string    `json:"reference_id"`
	ReferenceType *string    `json:"reference_type"`
	CreatedAt     time.Time  `json:"created_at"`
	ReadAt        *time.Time `json:"read_at"`
}

// PgNotifications keeps notifications in Postgres.
type PgNotifications struct {
	pool *pgxpool.Pool
}

func NewPgNotifications(pool *pgxpool.Pool) *PgNotifications {
	return &PgNotifications{pool: pool}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Insert stores n. Reference ids that are not uuids are dropped.
func (s *PgNotifications) Insert(ctx context.Context, n Notification) (string, error) {
	ref := nullable(n.ReferenceID)
	if ref != nil {
		if _, err := uuid.Parse(*ref); err != nil {
			ref = nil
		}
	}
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO notifications (user_id, type, title, message, reference_id, reference_type)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id::text`,
		n.UserID, n.Type, n.Title, n.Message, ref, nullable(n.ReferenceType),
	).Scan(&id)
	return id, err
}

func (s *PgNotifications) List(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]StoredNotification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, type, title, message, reference_id::text, reference_type, created_at, read_at
		 FROM notifications
		 WHERE user_id = $1 AND ($2 = FALSE OR read_at IS NULL)
		 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		userID, unreadOnly, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[StoredNotification])
}

func (s *PgNotifications) MarkRead(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.pool.Exec(ctx,
		`UPDATE notifications SET read_at = NOW() WHERE id = $1 AND user_id = $2 AND read_at IS NULL`, id, userID)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *PgNotifications) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.pool.Exec(ctx,
		`UPDATE notifications SET read_at = NOW() WHERE user_id = $1 AND read_at IS NULL`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *PgNotifications) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read_at IS NULL`, userID).Scan(&n)
	return n, err
}

// Handler serves the caller's notifications.
type Handler struct {
	store *PgNotifications
}

func NewHandler(store *PgNotifications) *Handler { return &Handler{store: store} }

func (h *Handler) Register(g *echo.Group) {
	g.GET("/notifications", h.List)
	g.GET("/notifications/unread-count", h.UnreadCount)
	g.POST("/notifications/read-all", h.MarkAllRead)
	g.POST("/notifications/:id/read", h.MarkRead)
}

func currentUser(c echo.Context) (string, bool) {
	uid, ok := c.Get("user_id").(string)
	return uid, ok && uid != ""
}

// List returns current user's notifications, newest first
func (h *Handler) List(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "error": "unauthorized"})
	}
	limit := 20
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}
	offset := 0
	if v, err := strconv.Atoi(c.QueryParam("offset")); err == nil && v >= 0 {
		offset = v
	}
	unreadOnly := c.QueryParam("unread") == "true"

	items, err := h.store.List(c.Request().Context(), userID, unreadOnly, limit, offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"success": false, "message": "failed to load notifications", "error": "internal"})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "notifications": items})
}

// MarkRead marks specific notification as read
func (h *Handler) MarkRead(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "error": "unauthorized"})
	}
	nid := c.Param("id")
	if _, err := uuid.Parse(nid); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": "invalid notification id", "error": "validation"})
	}

	updated, err := h.store.MarkRead(c.Request().Context(), userID, nid)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"success": false, "message": "failed to update", "error": "internal"})
	}
	if !updated {
		return c.JSON(http.StatusNotFound, echo.Map{"success": false, "message": "not found or already read", "error": "not_found"})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "message": "ok"})
}

func (h *Handler) MarkAllRead(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "error": "unauthorized"})
	}
	n, err := h.store.MarkAllRead(c.Request().Context(), userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"success": false, "message": "failed to update", "error": "internal"})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "message": "ok", "updated": n})
}

func (h *Handler) UnreadCount(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "error": "unauthorized"})
	}
	n, err := h.store.UnreadCount(c.Request().Context(), userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"success": false, "message": "failed to count", "error": "internal"})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "unread_count": n})
}
