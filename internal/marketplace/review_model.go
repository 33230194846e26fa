package marketplace

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReviewType records which side of the transaction wrote the review
type ReviewType string

const (
	SeekerToProvider ReviewType = "seeker_to_provider"
	ProviderToSeeker ReviewType = "provider_to_seeker"
)

// Review represents a rating left by one participant of a completed transaction for the other
type Review struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	RequestID     string     `json:"request_id"`
	ReviewerID    string     `json:"reviewer_id"`
	RevieweeID    string     `json:"reviewee_id"`
	Rating        int        `json:"rating"`
	Comment       *string    `json:"comment"`
	Type          ReviewType `json:"review_type"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ReviewView represents a review with reviewer and request details
type ReviewView struct {
	Review
	ReviewerName string `json:"reviewer_name"`
	RequestTitle string `json:"request_title"`
}

// RatingSummary represents aggregated rating data for a user
type RatingSummary struct {
	UserID        string          `json:"user_id"`
	TotalReviews  int             `json:"total_reviews"`
	AverageRating decimal.Decimal `json:"average_rating"`
	RatingCounts  struct {
		FiveStar  int `json:"five_star"`
		FourStar  int `json:"four_star"`
		ThreeStar int `json:"three_star"`
		TwoStar   int `json:"two_star"`
		OneStar   int `json:"one_star"`
	} `json:"rating_counts"`
}

// ReviewInput represents the request payload for creating a review
type ReviewInput struct {
	RevieweeID string `json:"reviewee_id" validate:"required"`
	Rating     int    `json:"rating"`
	Comment    string `json:"comment"`
}

// ReviewResult is returned after a review and its aggregate are committed
type ReviewResult struct {
	Review       Review          `json:"review"`
	NewAverage   decimal.Decimal `json:"new_average_rating"`
	TotalReviews int             `json:"total_reviews"`
}
