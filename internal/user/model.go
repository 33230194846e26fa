package user

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("user not found")

// Profile is a user as shown to others. Email and Phone are only filled
// in for the owner.
type Profile struct {
	ID                    string          `json:"id"`
	FirstName             string          `json:"first_name"`
	LastName              string          `json:"last_name"`
	Email                 string          `json:"email,omitempty"`
	Phone                 string          `json:"phone,omitempty"`
	Bio                   string          `json:"bio"`
	Role                  string          `json:"role"`
	AccountStatus         string          `json:"account_status"`
	IsSeeker              bool            `json:"is_seeker"`
	AverageRating         decimal.Decimal `json:"average_rating"`
	TotalReviews          int             `json:"total_reviews"`
	ActiveListings        int             `json:"service_count"`
	CompletedTransactions int             `json:"completed_transactions"`
	CreatedAt             time.Time       `json:"created_at"`
}

// Public strips contact details.
func (p Profile) Public() Profile {
	p.Email, p.Phone = "", ""
	return p
}

// ProfileUpdate carries the editable fields; nil leaves a field unchanged.
type ProfileUpdate struct {
	FirstName *string
	LastName  *string
	Phone     *string
	Bio       *string
}

type Repository interface {
	Profile(ctx context.Context, id string) (Profile, error)
	Update(ctx context.Context, id string, u ProfileUpdate) (Profile, error)
	PasswordHash(ctx context.Context, id string) (string, error)
}
