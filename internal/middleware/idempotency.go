package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
	maxIdempotencyKey    = 255
)

// StoredResponse is a response remembered under an idempotency key.
// Fingerprint identifies the request that produced it.
type StoredResponse struct {
	Fingerprint string
	Status      int
	Body        []byte
}

// IdempotencyStore remembers responses per (user, key).
type IdempotencyStore interface {
	Lookup(ctx context.Context, userID, key string) (StoredResponse, bool, error)
	Save(ctx context.Context, userID, key string, resp StoredResponse) error
}

// PgIdempotencyStore keeps responses in the idempotency_keys table.
type PgIdempotencyStore struct {
	pool *pgxpool.Pool
}

func NewPgIdempotencyStore(pool *pgxpool.Pool) *PgIdempotencyStore {
	return &PgIdempotencyStore{pool: pool}
}

func (s *PgIdempotencyStore) Lookup(ctx context.Context, userID, key string) (StoredResponse, bool, error) {
	var r StoredResponse
	err := s.pool.QueryRow(ctx,
		`SELECT fingerprint, response_status, response_body FROM idempotency_keys WHERE key_id = $1 AND user_id = $2`,
		key, userID,
	).Scan(&r.Fingerprint, &r.Status, &r.Body)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredResponse{}, false, nil
	}
	if err != nil {
		return StoredResponse{}, false, err
	}
	return r, true, nil
}

// Save keeps the first response stored under a key.
func (s *PgIdempotencyStore) Save(ctx context.Context, userID, key string, resp StoredResponse) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key_id, user_id, fingerprint, response_status, response_body)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (key_id, user_id) DO NOTHING`,
		key, userID, resp.Fingerprint, resp.Status, resp.Body,
	)
	return err
}

// Idempotency replays the stored response when a client retries a request
// with the same Idempotency-Key. Requests without the header pass through.
// Server errors are not remembered so they can be retried. Reusing a key for
// a different method or path is rejected with 422. Must run after
// JWTMiddleware.
func Idempotency(store IdempotencyStore, log *slog.Logger) echo.MiddlewareFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get(HeaderIdempotencyKey)
			if key == "" {
				return next(c)
			}
			if len(key) > maxIdempotencyKey {
				return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": "Idempotency-Key too long", "error": "validation"})
			}
			uid, _ := c.Get("user_id").(string)
			if uid == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "message": "unauthorized", "error": "unauthorized"})
			}

			ctx := c.Request().Context()
			fp := fingerprint(c.Request())
			prev, found, err := store.Lookup(ctx, uid, key)
			if err != nil {
				log.Error("idempotency lookup failed", "user_id", uid, "error", err)
				return c.JSON(http.StatusInternalServerError, echo.Map{"success": false, "message": "internal error", "error": "internal"})
			}
			// rows saved before fingerprints existed carry none
			if found && prev.Fingerprint != "" && prev.Fingerprint != fp {
				return c.JSON(http.StatusUnprocessableEntity, echo.Map{
					"success": false,
					"message": "Idempotency-Key reused for a different request",
					"error":   "validation",
				})
			}
			if found {
				c.Response().Header().Set(HeaderReplayed, "true")
				return c.JSONBlob(prev.Status, prev.Body)
			}

			rec := &recorder{ResponseWriter: c.Response().Writer}
			c.Response().Writer = rec
			if err := next(c); err != nil {
				return err
			}

			status := c.Response().Status
			if status >= http.StatusInternalServerError {
				return nil
			}
			if err := store.Save(context.WithoutCancel(ctx), uid, key, StoredResponse{Fingerprint: fp, Status: status, Body: rec.body.Bytes()}); err != nil {
				log.Warn("idempotency save failed", "user_id", uid, "error", err)
			}
			return nil
		}
	}
}

func fingerprint(r *http.Request) string {
	return r.Method + " " + r.URL.Path
}

// recorder tees the response body.
type recorder struct {
	http.ResponseWriter
	body bytes.Buffer
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
