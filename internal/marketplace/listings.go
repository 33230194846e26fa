package marketplace

import (
	"context"
	"errors"

	"github.com/sudo-init-do/strathshare/internal/apperr"
)

const listingReviews = 5

// Listing returns a listing with its provider's rating and the reviews the
// provider most recently received.
func (e *Engine) Listing(ctx context.Context, id string) (ListingSummary, []ReviewView, error) {
	var (
		l       ListingSummary
		reviews []ReviewView
	)
	err := e.store.Read(ctx, func(q Queries) error {
		var err error
		l, err = q.ListingByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return apperr.NotFound("Listing not found")
		}
		if err != nil {
			return err
		}
		reviews, err = q.ReviewsFor(ctx, l.ProviderID, listingReviews, 0)
		return err
	})
	if err != nil {
		return ListingSummary{}, nil, internal(err, "failed to fetch listing")
	}
	if reviews == nil {
		reviews = []ReviewView{}
	}
	return l, reviews, nil
}
