package marketplace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sudo-init-do/strathshare/internal/alerts"
	"github.com/sudo-init-do/strathshare/internal/apperr"
	"github.com/sudo-init-do/strathshare/internal/auth"
)

// ReasonStale is recorded when the sweeper abandons a request.
const ReasonStale = "stale"

var abandonable = []Status{StatusAssigned, StatusInProgress}

// Abandon cancels an assigned or in-progress request that will not finish.
// Only admins may call it.
func (e *Engine) Abandon(ctx context.Context, p auth.Principal, requestID, reason string) (req Request, err error) {
	ctx, span := e.span(ctx, "Abandon", attribute.String("request_id", requestID))
	defer func() { endSpan(span, err) }()

	if !p.IsAdmin() {
		return Request{}, apperr.Forbidden("Admin access required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Request{}, apperr.Validation("reason is required")
	}
	return e.abandon(ctx, requestID, reason)
}

func (e *Engine) abandon(ctx context.Context, requestID, reason string) (Request, error) {
	var (
		ob  outbox
		req Request
	)
	err := e.store.InTx(ctx, func(q Queries) error {
		r, err := loadRequest(ctx, q, requestID)
		if err != nil {
			return err
		}
		if !r.Status.in(abandonable) {
			return apperr.Conflict("Only assigned or in-progress requests can be abandoned. Current status: %s", r.Status)
		}
		now := e.now()
		ok, err := q.TransitionRequest(ctx, Transition{
			RequestID: r.ID,
			From:      abandonable,
			To:        StatusCancelled,
			At:        now,
		})
		if err != nil {
			return apperr.Internal(err, "failed to cancel request")
		}
		if !ok {
			return apperr.Conflict("Request status changed. Please refresh and try again.")
		}
		r.Status = StatusCancelled
		r.UpdatedAt = now
		req = r

		for _, uid := range []string{r.SeekerID, r.Provider()} {
			u, err := loadUser(ctx, q, uid)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			ob.notify(alerts.Notification{
				UserID:        uid,
				Type:          alerts.NotifyRequestCancelled,
				Title:         "Request Cancelled",
				Message:       fmt.Sprintf("The request %q was cancelled: %s", r.Title, reason),
				ReferenceID:   r.ID,
				ReferenceType: "request",
			})
			ob.email(alerts.RequestAbandonedEmail(r.ID, u.Email, u.FirstName, r.Title, reason))
		}
		if e.adminEmail != "" {
			ob.email(alerts.AdminAlertEmail(e.adminEmail, "warning",
				fmt.Sprintf("Request %s (%s) was abandoned: %s", r.ID, r.Title, reason)))
		}
		ob.event("request.abandoned", r.ID, map[string]any{"reason": reason})
		return nil
	})
	if err != nil {
		return Request{}, internal(err, "failed to abandon request")
	}

	e.flush(ctx, &ob)
	return req, nil
}

// SweepStuck abandons requests that sat in assigned or in_progress for
// longer than olderThan. A non-positive olderThan disables it.
func (e *Engine) SweepStuck(ctx context.Context, olderThan time.Duration, batch int) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	if batch <= 0 {
		batch = 100
	}
	cutoff := e.now().Add(-olderThan)

	var stuck []Request
	err := e.store.Read(ctx, func(q Queries) error {
		var err error
		stuck, err = q.StuckRequests(ctx, cutoff, batch)
		return err
	})
	if err != nil {
		return 0, apperr.Internal(err, "failed to list stuck requests")
	}

	n := 0
	for _, r := range stuck {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := e.abandon(ctx, r.ID, ReasonStale); err != nil {
			if apperr.IsKind(err, apperr.KindConflict) {
				continue
			}
			e.log.Error("abandon stuck request", "request_id", r.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// CloseAccount soft-deletes the principal's account. Their listings are
// withdrawn and their open requests cancelled in the same unit of work.
func (e *Engine) CloseAccount(ctx context.Context, p auth.Principal) (cancelled []string, err error) {
	ctx, span := e.span(ctx, "CloseAccount", attribute.String("user_id", p.UserID))
	defer func() { endSpan(span, err) }()

	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	err = e.store.InTx(ctx, func(q Queries) error {
		u, err := loadUser(ctx, q, p.UserID)
		if errors.Is(err, ErrNotFound) {
			return apperr.NotFound("User not found")
		}
		if err != nil {
			return err
		}
		if u.AccountStatus == AccountDeleted {
			return apperr.Conflict("Account already deleted")
		}
		now := e.now()
		cancelled, err = q.CancelOpenRequests(ctx, p.UserID, now)
		if err != nil {
			return apperr.Internal(err, "failed to cancel open requests")
		}
		if err := q.CloseAccount(ctx, p.UserID, now); err != nil {
			return apperr.Internal(err, "failed to delete account")
		}
		return nil
	})
	if err != nil {
		return nil, internal(err, "failed to delete account")
	}

	var ob outbox
	for _, id := range cancelled {
		ob.event("request.cancelled", id, map[string]any{"reason": "account_deleted"})
	}
	e.flush(ctx, &ob)
	return cancelled, nil
}

// AbandonRequest lets an admin cancel a stuck request
// POST /admin/requests/:id/abandon
func (h *Handler) AbandonRequest(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "error": "unauthorized"})
	}

	var body struct {
		Reason string `json:"reason" validate:"required"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": "invalid payload: reason required", "error": "validation"})
	}

	r, err := h.engine.Abandon(c.Request().Context(), p, c.Param("id"), body.Reason)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":    true,
		"message":    "Request abandoned",
		"new_status": r.Status,
	})
}
