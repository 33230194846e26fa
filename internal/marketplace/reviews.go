package marketplace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sudo-init-do/strathshare/internal/alerts"
	"github.com/sudo-init-do/strathshare/internal/apperr"
	"github.com/sudo-init-do/strathshare/internal/auth"
)

// SubmitReview records the principal's rating of the other side of a
// completed transaction and refreshes the reviewee's aggregate in the same
// unit of work.
func (e *Engine) SubmitReview(ctx context.Context, p auth.Principal, transactionID string, in ReviewInput) (res ReviewResult, err error) {
	ctx, span := e.span(ctx, "SubmitReview", attribute.String("transaction_id", transactionID))
	defer func() { endSpan(span, err) }()

	if err := requirePrincipal(p); err != nil {
		return ReviewResult{}, err
	}
	if in.Rating < 1 || in.Rating > 5 {
		return ReviewResult{}, apperr.Validation("Rating must be between 1 and 5")
	}
	comment := strings.TrimSpace(in.Comment)
	if utf8.RuneCountInString(comment) > 1000 {
		return ReviewResult{}, apperr.Validation("Comment must be at most 1000 characters")
	}

	var ob outbox
	err = e.store.InTx(ctx, func(q Queries) error {
		t, err := q.TransactionByID(ctx, transactionID)
		if errors.Is(err, ErrNotFound) {
			return apperr.NotFound("Transaction not found")
		}
		if err != nil {
			return apperr.Internal(err, "failed to load transaction")
		}
		if t.Status != TxCompleted {
			return apperr.Conflict("Can only review completed transactions")
		}

		var typ ReviewType
		switch p.UserID {
		case t.PayerID:
			typ = SeekerToProvider
			if in.RevieweeID != t.ReceiverID {
				return apperr.Validation("Invalid reviewer/reviewee combination for this transaction")
			}
		case t.ReceiverID:
			typ = ProviderToSeeker
			if in.RevieweeID != t.PayerID {
				return apperr.Validation("Invalid reviewer/reviewee combination for this transaction")
			}
		default:
			return apperr.Forbidden("You are not part of this transaction")
		}

		exists, err := q.ReviewExists(ctx, t.ID, p.UserID, typ)
		if err != nil {
			return apperr.Internal(err, "failed to check existing review")
		}
		if exists {
			return apperr.Conflict("You have already reviewed this transaction")
		}

		r, err := loadRequest(ctx, q, t.RequestID)
		if err != nil {
			return err
		}

		review := Review{
			ID:            uuid.NewString(),
			TransactionID: t.ID,
			RequestID:     t.RequestID,
			ReviewerID:    p.UserID,
			RevieweeID:    in.RevieweeID,
			Rating:        in.Rating,
			Type:          typ,
			CreatedAt:     e.now(),
		}
		if comment != "" {
			review.Comment = &comment
		}
		if err := q.InsertReview(ctx, review); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return apperr.Conflict("You have already reviewed this transaction")
			}
			return apperr.Internal(err, "failed to create review")
		}

		avg, total, err := q.RecomputeRating(ctx, in.RevieweeID)
		if err != nil {
			return apperr.Internal(err, "failed to update rating")
		}
		res = ReviewResult{Review: review, NewAverage: avg, TotalReviews: total}

		reviewer, err := loadUser(ctx, q, p.UserID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		reviewee, err := loadUser(ctx, q, in.RevieweeID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		ob.notify(alerts.Notification{
			UserID:        in.RevieweeID,
			Type:          alerts.NotifyNewReview,
			Title:         fmt.Sprintf("New %d-Star Review! %s", in.Rating, strings.Repeat("⭐", in.Rating)),
			Message:       fmt.Sprintf("%s left you a %d-star review for: %s", reviewer.FullName(), in.Rating, r.Title),
			ReferenceID:   review.ID,
			ReferenceType: "review",
		})
		ob.email(alerts.ReviewReceivedEmail(review.ID, reviewee.Email, reviewee.FirstName, reviewer.FullName(), r.Title, in.Rating))
		ob.event("review.created", r.ID, map[string]any{"review_id": review.ID, "review_type": typ, "rating": in.Rating})
		return nil
	})
	if err != nil {
		return ReviewResult{}, internal(err, "failed to create review")
	}

	e.flush(ctx, &ob)
	return res, nil
}

// UserReviews returns the reviews a user received with their rating summary.
func (e *Engine) UserReviews(ctx context.Context, userID string, limit, offset int) (RatingSummary, []ReviewView, error) {
	var (
		summary RatingSummary
		reviews []ReviewView
	)
	err := e.store.Read(ctx, func(q Queries) error {
		u, err := q.UserByID(ctx, userID)
		if errors.Is(err, ErrNotFound) || (err == nil && u.AccountStatus == AccountDeleted) {
			return apperr.NotFound("User not found")
		}
		if err != nil {
			return err
		}
		summary.UserID = u.ID
		summary.AverageRating = u.AverageRating
		summary.TotalReviews = u.TotalReviews

		counts, err := q.RatingBreakdown(ctx, userID)
		if err != nil {
			return err
		}
		summary.RatingCounts.FiveStar = counts[5]
		summary.RatingCounts.FourStar = counts[4]
		summary.RatingCounts.ThreeStar = counts[3]
		summary.RatingCounts.TwoStar = counts[2]
		summary.RatingCounts.OneStar = counts[1]

		reviews, err = q.ReviewsFor(ctx, userID, limit, offset)
		return err
	})
	if err != nil {
		return RatingSummary{}, nil, internal(err, "failed to fetch reviews")
	}
	if reviews == nil {
		reviews = []ReviewView{}
	}
	return summary, reviews, nil
}

// TransactionReviews returns both sides' reviews to participants and admins.
func (e *Engine) TransactionReviews(ctx context.Context, p auth.Principal, transactionID string) ([]Review, error) {
	var out []Review
	err := e.store.Read(ctx, func(q Queries) error {
		t, err := q.TransactionByID(ctx, transactionID)
		if errors.Is(err, ErrNotFound) {
			return apperr.NotFound("Transaction not found")
		}
		if err != nil {
			return err
		}
		if p.UserID != t.PayerID && p.UserID != t.ReceiverID && !p.IsAdmin() {
			return apperr.Forbidden("not authorized to view this transaction's reviews")
		}
		out, err = q.ReviewsForTransaction(ctx, transactionID)
		return err
	})
	if err != nil {
		return nil, internal(err, "failed to fetch reviews")
	}
	if out == nil {
		out = []Review{}
	}
	return out, nil
}

// CreateReview allows either participant of a completed transaction to rate the other
func (h *Handler) CreateReview(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "error": "unauthorized"})
	}

	var in ReviewInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": "invalid request", "error": "validation"})
	}

	res, err := h.engine.SubmitReview(c.Request().Context(), p, c.Param("id"), in)
	if err != nil {
		return h.respondError(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"success":            true,
		"message":            "Review submitted successfully",
		"review_id":          res.Review.ID,
		"new_average_rating": res.NewAverage.StringFixed(2),
		"total_reviews":      res.TotalReviews,
	})
}

// GetUserReviews returns all reviews for a specific user with rating summary
func (h *Handler) GetUserReviews(c echo.Context) error {
	userID := c.Param("id")
	if _, err := uuid.Parse(userID); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "message": "invalid user id", "error": "validation"})
	}

	// Parse pagination parameters
	page := 1
	limit := 10
	if pageParam := c.QueryParam("page"); pageParam != "" {
		if p, err := strconv.Atoi(pageParam); err == nil && p > 0 {
			page = p
		}
	}
	if limitParam := c.QueryParam("limit"); limitParam != "" {
		if l, err := strconv.Atoi(limitParam); err == nil && l > 0 && l <= 50 {
			limit = l
		}
	}

	summary, reviews, err := h.engine.UserReviews(c.Request().Context(), userID, limit, (page-1)*limit)
	if err != nil {
		return h.respondError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"summary": summary,
		"reviews": reviews,
		"pagination": echo.Map{
			"page":  page,
			"limit": limit,
			"total": summary.TotalReviews,
		},
	})
}

// GetTransactionReviews returns the reviews attached to a transaction
func (h *Handler) GetTransactionReviews(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "error": "unauthorized"})
	}

	reviews, err := h.engine.TransactionReviews(c.Request().Context(), p, c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "reviews": reviews})
}
