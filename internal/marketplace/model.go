package marketplace

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is the directory view of an account consumed by the workflows.
type User struct {
	ID            string          `json:"id"`
	FirstName     string          `json:"first_name"`
	LastName      string          `json:"last_name"`
	Email         string          `json:"-"`
	AccountStatus string          `json:"account_status"`
	IsSeeker      bool            `json:"is_seeker"`
	AverageRating decimal.Decimal `json:"average_rating"`
	TotalReviews  int             `json:"total_reviews"`
}

const (
	AccountActive    = "active"
	AccountSuspended = "suspended"
	AccountDeleted   = "deleted"
)

func (u User) Active() bool { return u.AccountStatus == AccountActive }

func (u User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// Request is a seeker's ask for help on a skill.
type Request struct {
	ID          string              `json:"id"`
	SeekerID    string              `json:"seeker_id"`
	ProviderID  *string             `json:"provider_id"`
	SkillID     string              `json:"skill_id"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Budget      decimal.NullDecimal `json:"budget"`
	Deadline    *time.Time          `json:"deadline,omitempty"`
	Status      Status              `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	AssignedAt  *time.Time          `json:"assigned_at,omitempty"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Provider returns the assigned provider id or "".
func (r Request) Provider() string {
	if r.ProviderID == nil {
		return ""
	}
	return *r.ProviderID
}

// IsParticipant reports whether userID is the seeker or assigned provider.
func (r Request) IsParticipant(userID string) bool {
	return userID != "" && (r.SeekerID == userID || r.Provider() == userID)
}

type TxStatus string

const (
	TxPending    TxStatus = "pending"
	TxProcessing TxStatus = "processing"
	TxCompleted  TxStatus = "completed"
	TxFailed     TxStatus = "failed"
)

const (
	MethodDemo  = "demo"
	MethodMPesa = "mpesa"
)

// Transaction is the settlement record of a request.
type Transaction struct {
	ID                string          `json:"id"`
	RequestID         string          `json:"request_id"`
	PayerID           string          `json:"payer_id"`
	ReceiverID        string          `json:"receiver_id"`
	Amount            decimal.Decimal `json:"amount"`
	PaymentMethod     string          `json:"payment_method"`
	Status            TxStatus        `json:"status"`
	GatewayReference  *string         `json:"gateway_reference,omitempty"`
	CheckoutRequestID *string         `json:"checkout_request_id,omitempty"`
	MerchantRequestID *string         `json:"merchant_request_id,omitempty"`
	PhoneNumber       string          `json:"phone_number"`
	FailureReason     *string         `json:"failure_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// Active reports whether the transaction still blocks another payment.
func (t Transaction) Active() bool { return t.Status != TxFailed }

// Skill is a catalogue entry requests and listings refer to.
type Skill struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

// Listing is a standing offer of a service by a provider
type Listing struct {
	ID          string          `json:"id"`
	ProviderID  string          `json:"provider_id"`
	SkillID     string          `json:"skill_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Status      string          `json:"status,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ListingSummary is used in discovery responses with aggregated fields
type ListingSummary struct {
	Listing
	SkillName      string          `json:"skill_name"`
	ProviderName   string          `json:"provider_name"`
	ProviderRating decimal.Decimal `json:"provider_rating"`
}

func strPtr(s string) *string { return &s }
