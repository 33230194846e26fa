package marketplace

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/strathshare/internal/mpesa"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// Store runs units of work. Everything fn does through q commits together
// or not at all.
type Store interface {
	InTx(ctx context.Context, fn func(q Queries) error) error
	Read(ctx context.Context, fn func(q Queries) error) error
}

// Transition is a compare-and-swap on a request's status. It applies only
// when the row is still in one of From (and owned by Provider/Seeker when
// those guards are set).
type Transition struct {
	RequestID string
	From      []Status
	To        Status
	Provider  string
	Seeker    string
	// Assign writes Provider into provider_id and stamps assigned_at
	// instead of guarding on it.
	Assign bool
	Start  bool
	At     time.Time
}

type TxTransition struct {
	ID            string
	From          []TxStatus
	To            TxStatus
	Receipt       string
	CheckoutID    string
	MerchantID    string
	FailureReason string
	At            time.Time
}

type RequestFilter struct {
	Status     []Status
	SkillID    string
	SeekerID   string
	ProviderID string
	Search     string
	Limit      int
	Offset     int
}

type Queries interface {
	UserByID(ctx context.Context, id string) (User, error)
	SkillExists(ctx context.Context, id string) (bool, error)
	MarkSeeker(ctx context.Context, userID string) error
	CloseAccount(ctx context.Context, userID string, at time.Time) error

	InsertRequest(ctx context.Context, r Request) error
	RequestByID(ctx context.Context, id string) (Request, error)
	TransitionRequest(ctx context.Context, t Transition) (bool, error)
	CancelOpenRequests(ctx context.Context, seekerID string, at time.Time) ([]string, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]Request, error)
	StuckRequests(ctx context.Context, before time.Time, limit int) ([]Request, error)

	// ListingByID returns a listing that is not deleted and whose provider
	// still has an account.
	ListingByID(ctx context.Context, id string) (ListingSummary, error)

	InsertTransaction(ctx context.Context, t Transaction) error
	TransactionByID(ctx context.Context, id string) (Transaction, error)
	TransactionByCheckoutID(ctx context.Context, checkoutID string) (Transaction, error)
	// ActiveTransaction returns the pending, processing or completed
	// transaction of a request, or ErrNotFound.
	ActiveTransaction(ctx context.Context, requestID string) (Transaction, error)
	TransitionTransaction(ctx context.Context, t TxTransition) (bool, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]Transaction, error)
	// StalePayments returns gateway transactions still pending or
	// processing that were created before the cutoff, oldest first.
	StalePayments(ctx context.Context, before time.Time, limit int) ([]Transaction, error)

	// LockCheckout serialises callback handling and STK push bookkeeping
	// for one checkout id until the unit of work ends.
	LockCheckout(ctx context.Context, checkoutID string) error
	ParkCallback(ctx context.Context, cb mpesa.CallbackResult, at time.Time) error
	// TakeParkedCallback removes and returns the parked callback for a
	// checkout id, or ErrNotFound.
	TakeParkedCallback(ctx context.Context, checkoutID string) (mpesa.CallbackResult, error)

	ReviewExists(ctx context.Context, transactionID, reviewerID string, typ ReviewType) (bool, error)
	InsertReview(ctx context.Context, r Review) error
	// RecomputeRating rewrites the reviewee's aggregate from all of their reviews.
	RecomputeRating(ctx context.Context, userID string) (decimal.Decimal, int, error)
	ReviewsFor(ctx context.Context, userID string, limit, offset int) ([]ReviewView, error)
	RatingBreakdown(ctx context.Context, userID string) (map[int]int, error)
	ReviewsForTransaction(ctx context.Context, transactionID string) ([]Review, error)
}

// AverageRating is the mean of ratings rounded to two decimals; 0 for none.
func AverageRating(ratings []int) decimal.Decimal {
	if len(ratings) == 0 {
		return decimal.Zero
	}
	sum := 0
	for _, r := range ratings {
		sum += r
	}
	return decimal.NewFromInt(int64(sum)).Div(decimal.NewFromInt(int64(len(ratings)))).Round(2)
}
